package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"client-file-vault/internal/audit"
	"client-file-vault/internal/ingest"
	"client-file-vault/internal/metrics"
	"client-file-vault/internal/service"
	"client-file-vault/internal/store"
)

// ClientService is the client lifecycle the handlers use.
type ClientService interface {
	Register(ctx context.Context, in service.RegisterInput, photos [3]*service.PhotoUpload) (*store.Client, error)
	Get(ctx context.Context, ci string) (*store.Client, error)
	List(ctx context.Context) ([]store.Client, error)
	Delete(ctx context.Context, ci string) error
}

// FileService is the file lifecycle the handlers use.
type FileService interface {
	Ingest(ctx context.Context, ci string, up ingest.Upload) (*service.IngestResult, error)
	ListByClient(ctx context.Context, ci string) ([]service.FileView, error)
	Fetch(ctx context.Context, id int64) (*service.Download, error)
	Delete(ctx context.Context, id int64) error
}

// LogService is the audit log query surface.
type LogService interface {
	List(ctx context.Context, page, pageSize int, typ string) (*service.LogPage, error)
	GetByID(ctx context.Context, id int64) (*store.LogRecord, error)
	ByDateRange(ctx context.Context, from, to time.Time) ([]store.LogRecord, error)
	Stats(ctx context.Context) (*store.LogStats, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr    string // e.g. ":8080"
	Version string

	// MaxUploadBytes caps multipart request bodies.
	MaxUploadBytes int64
	// RateLimit is the number of requests allowed per IP per minute; 0 disables it.
	RateLimit int
	// TrustProxy keys the rate limiter on X-Forwarded-For / X-Real-IP
	// instead of the connection address. Enable only behind a proxy that
	// overwrites those headers.
	TrustProxy bool

	AuditBodyLimit int
	AuditSkipPaths []string
}

// Deps are the collaborators of the server.
type Deps struct {
	Clients ClientService
	Files   FileService
	Logs    LogService
	Audit   audit.Recorder

	// Checks are pinged by the readiness probe, keyed by component name.
	Checks map[string]Pinger

	Logger *zap.Logger
}

type Server struct {
	cfg     Config
	clients ClientService
	files   FileService
	logs    LogService
	checks  map[string]Pinger
	logger  *zap.Logger

	limiter    *rateLimiter
	handler    http.Handler
	httpServer *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = ingest.DefaultLimits.MaxUploadBytes
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		clients: deps.Clients,
		files:   deps.Files,
		logs:    deps.Logs,
		checks:  deps.Checks,
		logger:  logger.Named("http"),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, time.Minute, cfg.TrustProxy)
	}

	s.handler = s.routes(deps.Audit)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(rec audit.Recorder) http.Handler {
	r := chi.NewRouter()

	// Outer to inner.
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(securityHeadersMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}
	r.Use(compressionMiddleware)
	if rec != nil {
		r.Use(audit.Middleware(rec, audit.Options{
			BodyLimit: s.cfg.AuditBodyLimit,
			SkipPaths: s.cfg.AuditSkipPaths,
			Logger:    s.logger.Named("audit"),
		}))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeValidationError, "method not allowed")
	})

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/clients", func(r chi.Router) {
		r.Get("/", s.handleListClients)
		r.Post("/", s.handleRegisterClient)
		r.Route("/{ci}", func(r chi.Router) {
			r.Get("/", s.handleGetClient)
			r.Delete("/", s.handleDeleteClient)
			r.Get("/files", s.handleListFiles)
			r.Post("/files/zip", s.handleUploadZip)
		})
	})

	r.Route("/files/{id}", func(r chi.Router) {
		r.Get("/download", s.handleDownload)
		r.Delete("/", s.handleDeleteFile)
	})

	r.Route("/logs", func(r chi.Router) {
		r.Get("/", s.handleListLogs)
		r.Get("/range", s.handleLogsByRange)
		r.Get("/stats", s.handleLogStats)
		r.Delete("/purge", s.handlePurgeLogs)
		r.Get("/{id}", s.handleGetLog)
	})

	return r
}

// Start listens on cfg.Addr and serves until Shutdown. It returns nil after
// a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("version", s.cfg.Version))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}
