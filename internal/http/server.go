// Package http serves the fee ledger as a JSON API.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/middleware/ratelimit"
	"feeledger/internal/middleware/security"
	"feeledger/internal/middleware/trace"
	"feeledger/internal/services"
)

// Ledger is the part of the ledger service the API exposes.
type Ledger interface {
	RecordPayment(ctx context.Context, in services.RecordPaymentInput) (services.RecordPaymentResult, error)
	CreatePeriod(ctx context.Context, in services.CreatePeriodInput) (core.FeePeriod, error)
	EnsureMonth(ctx context.Context, hostelID string, month core.FeeMonth) (int, error)
	Summary(ctx context.Context, hostelID string, month core.FeeMonth) (core.MonthSummary, error)
	StudentLedger(ctx context.Context, studentID string) (core.StudentLedger, error)
	PaymentModes(ctx context.Context) ([]core.PaymentMode, error)
	Ping(ctx context.Context) error
}

// Config tunes the API server.
type Config struct {
	Addr string
	// HostelID is used when a summary request names no hostel.
	HostelID          string
	RequestsPerMinute int
	// MaxBodyBytes caps JSON request bodies. Defaults to 64 KiB.
	MaxBodyBytes int64
	Logger       *log.Logger
}

type Server struct {
	http.Server
	ledger    Ledger
	hostelID  string
	maxBody   int64
	validate  *validator.Validate
	logger    *log.Logger
	startedAt time.Time

	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware

	shutdownOnce sync.Once
}

func NewServer(cfg Config, ledger Ledger) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.DefaultConfig())
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}

	detector := security.NewDetector(cfg.Logger)
	s := &Server{
		ledger:    ledger,
		hostelID:  cfg.HostelID,
		maxBody:   cfg.MaxBodyBytes,
		validate:  newValidator(),
		logger:    cfg.Logger.WithComponent(log.ComponentHTTP),
		startedAt: time.Now(),
		limiter:   ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RequestsPerMinute}),
		detector:  detector,
		tracer:    trace.NewMiddleware(cfg.Logger, detector.ExtractClientIP),
	}

	r := chi.NewRouter()
	r.Use(s.tracer.Middleware)
	r.Use(s.recoverer)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)
	r.Use(detector.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(detector.ExtractClientIP, s.onRateLimited))

		r.Route("/monthly-fees", func(r chi.Router) {
			r.Get("/summary", s.handleSummary)
			r.Post("/record-payment", s.handleRecordPayment)
			r.Get("/payment-modes", s.handlePaymentModes)
			r.Post("/periods", s.handleCreatePeriod)
			r.Post("/ensure-month", s.handleEnsureMonth)
		})
		r.Get("/students/{studentID}/ledger", s.handleStudentLedger)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Shutdown stops the rate limiter and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.FromContext(r.Context()).ErrorContext(r.Context(), "Handler panicked",
					log.FieldPath, r.URL.Path, "panic", rec)
				writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldPath, r.URL.Path)
	writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded, try again later")
}
