package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handler handles metrics requests.
type handler struct {
	logger *slog.Logger
	next   http.Handler
}

// New creates a metrics handler serving the collectors of gatherer.
func New(logger *slog.Logger, gatherer prometheus.Gatherer) http.Handler {
	return &handler{
		logger: logger,
		next: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelError),
			ErrorHandling: promhttp.ContinueOnError,
		}),
	}
}

// ServeHTTP processes metrics requests.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Handling metrics request", "path", r.URL.Path, "method", r.Method)
	h.next.ServeHTTP(w, r)
}
