package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/provisioner/internal/api/middleware"
	"github.com/flowpbx/provisioner/internal/database/models"
	"github.com/flowpbx/provisioner/internal/provision"
)

// Provisioner runs provisioning pipelines.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.Result, error)
	ProvisionBulk(ctx context.Context, reqs []provision.Request) []*provision.Result
	FulfillDIDRequest(ctx context.Context, id int64, number string) (*models.DIDAssignment, error)
}

// AuditReader reads the provisioning audit trail by extension or by run.
type AuditReader interface {
	List(ctx context.Context, extension string, limit, offset int) ([]models.AuditEntry, int, error)
	ListRun(ctx context.Context, runID string) ([]models.AuditEntry, error)
}

// DIDRequestLister lists queued requests for dedicated numbers.
type DIDRequestLister interface {
	ListRequests(ctx context.Context, status string) ([]models.DIDRequest, error)
}

// Options configures a Server.
type Options struct {
	Provisioner   Provisioner
	Audit         AuditReader
	DIDRequests   DIDRequestLister
	JWTSecret     []byte
	TLSEnabled    bool
	SignupLimiter *middleware.IPRateLimiter // nil disables signup limiting
	Metrics       http.Handler              // nil leaves /metrics unmounted
	Logger        *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router        *chi.Mux
	provisioner   Provisioner
	audit         AuditReader
	didRequests   DIDRequestLister
	jwtSecret     []byte
	tlsEnabled    bool
	signupLimiter *middleware.IPRateLimiter
	metrics       http.Handler
	logger        *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:        chi.NewRouter(),
		provisioner:   opts.Provisioner,
		audit:         opts.Audit,
		didRequests:   opts.DIDRequests,
		jwtSecret:     opts.JWTSecret,
		tlsEnabled:    opts.TLSEnabled,
		signupLimiter: opts.SignupLimiter,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.tlsEnabled))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.signupLimiter != nil {
				r.Use(middleware.RateLimit(s.signupLimiter))
			}
			r.Post("/signup", s.handleSignup)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.jwtSecret, s.logger))

			r.Post("/provision", s.handleProvision)
			r.Post("/provision/bulk", s.handleProvisionBulk)
			r.Get("/extensions/{ext}/audit", s.handleListAudit)
			r.Get("/runs/{id}/audit", s.handleRunAudit)
			r.Get("/did-requests", s.handleListDIDRequests)
			r.Post("/did-requests/{id}/fulfill", s.handleFulfillDIDRequest)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
