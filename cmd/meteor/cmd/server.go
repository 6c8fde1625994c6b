package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivneld/Meteor-PKI/api"
	"github.com/ivneld/Meteor-PKI/config"
)

const rateLimitSweepInterval = 5 * time.Minute

var serverViper = config.New()

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the CA server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(serverViper)
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		handler, closeAPI, err := newHTTPHandler(a)
		if err != nil {
			return err
		}
		defer closeAPI()

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		if cfg.Server.TLSEnabled() {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server started",
			slog.String("addr", cfg.Server.Addr),
			slog.Bool("tls", server.TLSConfig != nil),
			slog.String("storage", cfg.Storage.Driver),
			slog.String("base_url", cfg.PKI.BaseURL))

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newHTTPHandler builds the API and the outer router. The returned func
// stops background work and drains the audit webhook.
func newHTTPHandler(a *app) (http.Handler, func(), error) {
	opts := []api.Option{
		api.WithLogger(a.logger),
		api.WithCMPMaxBodyBytes(a.cfg.CMP.MaxBodyBytes),
		api.WithAlertFunc(func(e api.AlertEvent) {
			a.logger.Warn("anomaly detected",
				slog.String("alert", string(e.Type)),
				slog.String("message", e.Message),
				slog.Int("count", e.Count),
				slog.Int("threshold", e.Threshold))
		}),
	}
	if a.cfg.Audit.Persist {
		opts = append(opts, api.WithAuditRepository(a.repo))
	}
	if a.cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(a.cfg.Audit.WebhookURL, a.cfg.Audit.WebhookAuthHeader))
	}
	proxies, err := api.WithTrustedProxies(a.cfg.Server.TrustedProxies)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, proxies)

	srv := api.New(a.cas, a.certs, a.cmp, opts...)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/", srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(rateLimitSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.SweepRateLimits()
			}
		}
	}()

	return r, func() {
		cancel()
		srv.Close()
	}, nil
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.String("addr", ":8080", "Address to listen on")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
	f.String("storage", config.DriverMemory, "Storage driver: memory, bbolt or postgres")
	f.String("data-path", "./data/meteor.db", "bbolt database file")
	f.String("dsn", "", "PostgreSQL connection string")
	f.String("base-url", "http://localhost:8080", "Public base URL for CRL, OCSP and AIA links")

	bindFlag(serverViper, serverCmd, "server.addr", "addr")
	bindFlag(serverViper, serverCmd, "server.tls_cert", "tls-cert")
	bindFlag(serverViper, serverCmd, "server.tls_key", "tls-key")
	bindFlag(serverViper, serverCmd, "storage.driver", "storage")
	bindFlag(serverViper, serverCmd, "storage.path", "data-path")
	bindFlag(serverViper, serverCmd, "storage.dsn", "dsn")
	bindFlag(serverViper, serverCmd, "pki.base_url", "base-url")
}
