package chiware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck reports whether a component can serve.
type ReadinessCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

type readiness struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func mountOps(r chi.Router, cfg routerConfig) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, readiness{Status: "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		res := readiness{Status: "ready", Components: make(map[string]string, len(cfg.checks))}
		status := http.StatusOK
		for _, c := range cfg.checks {
			if err := c.check(ctx); err != nil {
				res.Components[c.name] = err.Error()
				res.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			res.Components[c.name] = "ok"
		}
		WriteJSON(w, status, res)
	})

	if cfg.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))
	}
}
