// Package httpapi exposes job submission, status, artifact listing and
// suggestion review over HTTP for authenticated users.
package httpapi

import (
	"net/http"
	"time"

	"correctord/internal/jobs"
	"correctord/internal/registry"
	"correctord/pkg/logx"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Options struct {
	Jobs        *jobs.Service
	Auth        *Auth
	Metrics     http.Handler // nil disables /metrics
	CORSOrigins []string
	Log         logx.Logger
}

func NewRouter(o Options) http.Handler {
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	h := &handler{jobs: o.Jobs, log: o.Log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLog(o.Log))
	r.Use(chimw.Recoverer)
	if len(o.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: o.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(o.Auth))
		r.Get("/me/limits", h.limits)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.submit)
			r.Get("/{id}", h.status)
			r.Get("/{id}/artifacts", h.artifacts)
			r.Get("/{id}/suggestions", h.suggestions)
			r.Post("/{id}/suggestions/accept-all", h.resolveAll(registry.SuggestionAccepted))
			r.Post("/{id}/suggestions/reject-all", h.resolveAll(registry.SuggestionRejected))
		})
		r.Get("/suggestions/{sid}", h.suggestion)
		r.Patch("/suggestions/{sid}", h.review)
	})
	return r
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http.request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
