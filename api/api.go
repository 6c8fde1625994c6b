// Package api is the HTTP boundary of the CA: the JSON management API
// mounted under /api/v1 and the protocol endpoints (CMP, CRL and OCSP)
// mounted under /pki.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/ivneld/Meteor-PKI/authority"
	"github.com/ivneld/Meteor-PKI/cmp"
	"github.com/ivneld/Meteor-PKI/issuance"
	"github.com/ivneld/Meteor-PKI/storage"
)

// DefaultCMPMaxBodyBytes bounds a CMP request body unless configured.
const DefaultCMPMaxBodyBytes = 1 << 20

// maxJSONBodySize bounds management API request bodies.
const maxJSONBodySize = 1 << 20

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	cas            *authority.Manager
	certs          *issuance.Service
	cmp            *cmp.Processor
	logger         *slog.Logger
	audit          *auditLogger
	cmpLimiter     *ipRateLimiter
	trustedProxies []netip.Prefix
	cmpMaxBody     int64

	auditRepo    storage.Repository
	alertFn      AlertFunc
	webhookURL   string
	webhookAuth  string
	closeWebhook func()
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCMPMaxBodyBytes limits the size of CMP request bodies.
func WithCMPMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.cmpMaxBody = n
		}
	}
}

// WithAuditRepository persists audit events so they can be listed through
// GET /api/v1/audit.
func WithAuditRepository(repo storage.Repository) Option {
	return func(a *API) { a.auditRepo = repo }
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// rejected CMP requests.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards every audit event to url. authHeader, when
// set, is a "Header: Value" pair added to each delivery.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithTrustedProxies configures the proxy ranges whose forwarding headers
// are believed when identifying a client for rate limiting. A bare IP is
// treated as a single-host prefix.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// New creates a new API instance. Call Close on shutdown to drain the
// audit webhook.
func New(cas *authority.Manager, certs *issuance.Service, proc *cmp.Processor, opts ...Option) *API {
	a := &API{
		cas:        cas,
		certs:      certs,
		cmp:        proc,
		cmpLimiter: newIPRateLimiter(),
		cmpMaxBody: DefaultCMPMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.store = a.auditRepo
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		wh := newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
		a.audit.webhook = wh
		a.closeWebhook = wh.close
	}
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.closeWebhook != nil {
		a.closeWebhook()
		a.closeWebhook = nil
	}
}

// SweepRateLimits drops expired rate limiter state. Call periodically.
func (a *API) SweepRateLimits() {
	a.cmpLimiter.sweep()
}

// Handler returns the complete HTTP handler: the management API under
// /api/v1 and the protocol endpoints under /pki.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(a.RequestLogger)
	r.Mount("/api/v1", a.Router())
	r.Mount("/pki", a.ProtocolRouter())
	return r
}

// Router returns a chi.Router with the management routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/pki/ca/root", a.CreateRootCA)
	r.Post("/pki/ca", a.CreateSubCA)
	r.Get("/pki/ca", a.ListCAs)

	r.Route("/pki/ca/{caID}", func(r chi.Router) {
		r.Get("/", a.GetCA)
		r.Get("/certificate", a.GetCACertificate)
		r.Get("/chain", a.GetCAChain)
		r.Get("/crl", a.GetCACRL)
		r.Post("/revoke", a.RevokeCA)
		r.Post("/activate", a.ActivateCA)
		r.Post("/certificates", a.IssueCertificate)
		r.Get("/certificates", a.ListCertificates)
		r.Post("/certificates/{serial}/revoke", a.RevokeCertificate)
	})

	r.Get("/audit", a.ListAuditEntries)

	return r
}

// ProtocolRouter returns the routes published under /pki: the CMP endpoint
// and the CRL and OCSP locations advertised in issued certificates.
func (a *API) ProtocolRouter() chi.Router {
	r := chi.NewRouter()
	r.Post("/{caAlias}", a.HandleCMP)
	r.Get("/{caAlias}/crl", a.GetCRLByAlias)
	r.Post("/{caAlias}/ocsp", a.HandleOCSP)
	r.Get("/{caAlias}/ocsp/{request}", a.HandleOCSPGet)
	return r
}
