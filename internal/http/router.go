package http

import (
	"net/http"
	"strings"
)

type RouterConfig struct {
	Health  *HealthHandler
	Changes *ChangeHandler
	Passes  *PassHandler
	Metrics http.Handler
	// PassMiddleware wraps POST /passes only, e.g. RequireOperatorToken.
	PassMiddleware []func(http.Handler) http.Handler
	Middleware     []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Health.Get(w, r)
		})
	}

	if cfg.Changes != nil {
		mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Changes.List(w, r)
		})
	}

	if cfg.Passes != nil {
		create := chain(http.HandlerFunc(cfg.Passes.Create), cfg.PassMiddleware)
		mux.HandleFunc("/passes", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w, http.MethodPost)
				return
			}
			create.ServeHTTP(w, r)
		})
	}

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	return chain(mux, cfg.Middleware)
}

func chain(handler http.Handler, middleware []func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		if middleware[i] != nil {
			handler = middleware[i](handler)
		}
	}
	return handler
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
