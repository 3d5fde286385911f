package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// checkTimeout bounds how long the dependency checks may block a request.
const checkTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// handler handles health check requests.
type handler struct {
	logger    *slog.Logger
	gitRev    string
	startTime time.Time
	checks    map[string]Check
}

// New creates a new health handler. A failing check turns the response
// into a 503 naming the check.
func New(logger *slog.Logger, gitRev string, startTime time.Time, checks map[string]Check) http.Handler {
	return &handler{
		logger:    logger,
		gitRev:    gitRev,
		startTime: startTime,
		checks:    checks,
	}
}

// ServeHTTP processes health check requests.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Handling health check", "path", r.URL.Path, "method", r.Method)

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	status, code := "healthy", http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed", "check", name, "error", err)
			results[name] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	response := map[string]any{
		"status":     status,
		"git_rev":    h.gitRev,
		"uptime":     time.Since(h.startTime).Seconds(),
		"goroutines": runtime.NumGoroutine(),
		"checks":     results,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}
