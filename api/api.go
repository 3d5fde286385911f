package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	sloghttp "github.com/samber/slog-http"
	"github.com/sebest/xff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bmcpi/uefivars/internal/config"
)

// HandlerMapping is a map of routes to http.HandlerFuncs.
type HandlerMapping map[string]http.Handler

// Api represents the HTTP API server with all its dependencies.
type Api struct {
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	handlers   HandlerMapping
}

// New creates a new Api instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Api {
	return &Api{
		config:   cfg,
		logger:   logger,
		handlers: make(HandlerMapping),
	}
}

func (a *Api) AddHandler(path string, handler http.Handler) {
	if handler != nil {
		a.handlers[path] = otelhttp.WithRouteTag(path, handler)
	} else {
		a.logger.Warn("Attempted to add nil handler", "path", path)
	}
}

// Handler returns the routed and instrumented handler served by Start.
func (a *Api) Handler() http.Handler {
	mux := http.NewServeMux()
	for path, handler := range a.handlers {
		mux.Handle(path, handler)
	}

	// wrap the mux with an OpenTelemetry interceptor
	var h http.Handler = otelhttp.NewHandler(mux, "uefivars-http")

	if proxies := a.config.TrustedProxyList(); len(proxies) > 0 {
		xffmw, err := xff.New(xff.Options{AllowedSubnets: proxies})
		if err != nil {
			a.logger.Warn("Ignoring trusted proxies", "proxies", proxies, "error", err)
		} else {
			h = xffmw.Handler(h)
		}
	}

	logConfig := sloghttp.Config{
		WithRequestID:      true,
		WithUserAgent:      true,
		WithRequestBody:    false,
		WithResponseBody:   false,
		WithRequestHeader:  false,
		WithResponseHeader: false,

		// Filter health checks and scrapes
		Filters: []sloghttp.Filter{
			sloghttp.IgnorePathContains("/healthcheck"),
			sloghttp.IgnorePathContains("/metrics"),
		},
	}

	h = sloghttp.Recovery(h)
	return sloghttp.NewWithConfig(a.logger, logConfig)(h)
}

// Start serves HTTP until ctx is done, then shuts the server down.
func (a *Api) Start(ctx context.Context) error {
	a.httpServer = &http.Server{
		Addr:         a.config.ListenAddress(),
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server", "address", a.httpServer.Addr)
		errc <- a.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
		return a.Shutdown()
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (a *Api) Shutdown() error {
	if a.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.logger.Info("Shutting down HTTP server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
		return err
	}
	a.logger.Info("HTTP server shutdown complete")
	return nil
}
