package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/viper"

	"github.com/ivneld/Meteor-PKI/authority"
	"github.com/ivneld/Meteor-PKI/cmp"
	"github.com/ivneld/Meteor-PKI/config"
	"github.com/ivneld/Meteor-PKI/issuance"
	"github.com/ivneld/Meteor-PKI/keys"
	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/ivneld/Meteor-PKI/registry"
	"github.com/ivneld/Meteor-PKI/storage"
	bboltstorage "github.com/ivneld/Meteor-PKI/storage/bbolt"
	"github.com/ivneld/Meteor-PKI/storage/memory"
	"github.com/ivneld/Meteor-PKI/storage/postgres"
)

// app holds the services built from one configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    storage.Repository
	keys    *keys.Service
	cas     *authority.Manager
	certs   *issuance.Service
	cmp     *cmp.Processor
	closers []func() error
}

// loadConfig reads and validates the configuration, with flags already
// bound to v.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	if v == nil {
		v = config.New()
	}
	cfg, err := config.LoadFrom(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. With log.audit_file set, records
// are also written as JSON to that file.
func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, func() error, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.AuditFile == "" {
		return slog.New(handler), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.AuditFile), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(slogmulti.Fanout(handler, fileHandler)), f.Close, nil
}

func openRepository(ctx context.Context, cfg config.Storage) (storage.Repository, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.DriverPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, func() error { repo.Close(); return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// newApp wires storage, the key service and the CA services.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, closeRepo)

	ks, err := keys.NewService(cfg.PKI.KeyEncryptionSecret, keys.WithIterations(cfg.PKI.PBKDF2Iterations))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.keys = ks
	a.closers = append(a.closers, func() error { ks.Destroy(); return nil })

	cas := registry.NewCAStore(repo)
	certs := registry.NewCertificateStore(repo)
	builder := pki.NewBuilder(cfg.PKI.BaseURL)
	days := cfg.PKI.DefaultValidityDays

	a.cas = authority.New(cas, certs, ks, builder,
		authority.WithLogger(logger),
		authority.WithValidity(authority.ValidityDays{RootCA: days.RootCA, SubCA: days.SubCA, EndEntity: days.EndEntity}))
	a.certs = issuance.New(cas, certs, ks, builder,
		issuance.WithLogger(logger),
		issuance.WithValidityDays(days.EndEntity))

	var verifier cmp.ProtectionVerifier = cmp.AcceptAll{}
	if cfg.CMP.RequireProtection {
		verifier = cmp.StructuralVerifier{SharedSecret: cfg.CMP.SharedSecret}
	}
	a.cmp = cmp.NewProcessor(a.cas, a.certs, registry.NewTransactionStore(repo),
		cmp.WithLogger(logger),
		cmp.WithVerifier(verifier))
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
