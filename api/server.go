/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Instrument: slog access log plus request latency histogram
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the desk frontend

ROUTE GROUPS:
  /api/books/*     Book registry
  /api/members/*   Member registry
  /api/loans/*     Loan lifecycle
  /api/fines/*     Fine ledger
  /healthz         Store health check
  /metrics         Prometheus scrape endpoint

SECURITY:
  With RouterOptions.Tokens set, every POST/PUT/DELETE requires a bearer
  token with the librarian or admin role. Reads stay public.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token validation
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/circulation-engine/metrics"
)

type RouterOptions struct {
	CORSOrigins []string
	// Tokens enables bearer auth on mutating routes. Nil leaves them open.
	Tokens   *TokenService
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(instrument(log, opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	staff := func(next http.Handler) http.Handler { return next }
	if opts.Tokens != nil {
		staff = RequireRole(opts.Tokens, log, RoleLibrarian, RoleAdmin)
	}

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Book routes
		r.Route("/books", func(r chi.Router) {
			r.Get("/", h.ListBooks)
			r.Get("/available", h.ListAvailableBooks)
			r.Get("/isbn/{isbn}", h.GetBookByISBN)
			r.Get("/{id}", h.GetBook)
			r.Get("/{id}/available", h.CheckBookAvailable)

			r.With(staff).Post("/", h.CreateBook)
			r.With(staff).Put("/{id}", h.UpdateBook)
			r.With(staff).Delete("/{id}", h.DeleteBook)
		})

		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Get("/document/{documentId}", h.GetMemberByDocument)
			r.Get("/number/{number}", h.GetMemberByNumber)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/loans", h.ListMemberLoans)
			r.Get("/{id}/fines", h.ListMemberFines)

			r.With(staff).Post("/", h.CreateMember)
			r.With(staff).Put("/{id}", h.UpdateMember)
			r.With(staff).Delete("/{id}", h.DeleteMember)
			r.With(staff).Put("/{id}/deactivate", h.DeactivateMember)
		})

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Get("/active", h.ListActiveLoans)
			r.Get("/overdue", h.ListOverdueLoans)
			r.Get("/{id}", h.GetLoan)

			r.With(staff).Post("/", h.CreateLoan)
			r.With(staff).Put("/{id}/return", h.ReturnLoan)
			r.With(staff).Put("/{id}/renew", h.RenewLoan)
		})

		// Fine routes
		r.Route("/fines", func(r chi.Router) {
			r.Get("/", h.ListFines)
			r.Get("/statistics", h.FineStatistics)
			r.Get("/member/{memberId}", h.ListFinesByMember)
			r.Get("/member/{memberId}/arrears", h.MemberArrears)
			r.Get("/{id}", h.GetFine)

			r.With(staff).Post("/", h.CreateFine)
			r.With(staff).Put("/{id}/pay", h.PayFine)
			r.With(staff).Put("/{id}/cancel", h.CancelFine)
		})
	})

	return r
}

// instrument logs each request and feeds the latency histogram, labelled by
// route pattern so ids do not explode the series count.
func instrument(log *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			m.ObserveRequest(r.Method, route, status, elapsed)

			log.LogAttrs(r.Context(), levelFor(status), "http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
