package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bancosol/ledger-service/internal/auth"
	"github.com/bancosol/ledger-service/internal/domain"
)

// Server is the HTTP edge of the ledger service. It owns request parsing,
// identity extraction and error mapping; all balance semantics live in
// the domain service.
type Server struct {
	ledger *domain.LedgerService
	logger *zap.Logger
	router chi.Router
}

// New creates a Server. When jwtSecret is non-empty, every route except
// the health check requires a valid bearer token.
func New(ledger *domain.LedgerService, jwtSecret []byte, logger *zap.Logger) *Server {
	s := &Server{
		ledger: ledger,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		if len(jwtSecret) > 0 {
			r.Use(auth.Middleware(jwtSecret, logger))
		}

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
			r.Post("/transfer", s.handleTransfer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAccount)
				r.Delete("/", s.handleDeleteAccount)
				r.Get("/operations", s.handleListOperations)
				r.Post("/deposit", s.handleDeposit)
				r.Post("/withdraw", s.handleWithdraw)
			})
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request with method, path, status and
// duration.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
