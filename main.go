package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bmcpi/uefivars/api"
	"github.com/bmcpi/uefivars/api/health"
	"github.com/bmcpi/uefivars/api/metrics"
	"github.com/bmcpi/uefivars/api/variables"
	"github.com/bmcpi/uefivars/internal/config"
	"github.com/bmcpi/uefivars/internal/firmware"
	"github.com/bmcpi/uefivars/internal/firmware/manager"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
	"github.com/bmcpi/uefivars/internal/metric"
	"github.com/bmcpi/uefivars/internal/otel"
)

var (
	// GitRev is the git revision of the build. It is set by the Makefile.
	GitRev = "unknown (use make)"

	startTime = time.Now()
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		panic(err)
	}

	log := cfg.Log
	if err := cfg.Validate(); err != nil {
		log.Error(err, "invalid configuration")
		os.Exit(1)
	}

	ctx, done := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer done()

	oCfg := otel.Config{
		Servicename: "uefivarsd",
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		Logger:      log,
	}
	ctx, otelShutdown, err := otel.Init(ctx, oCfg)
	if err != nil {
		log.Error(err, "failed to initialize OpenTelemetry")
		panic(err)
	}
	defer otelShutdown()
	metric.Init()

	img, err := firmware.Open(ctx, firmware.Config{
		Source: firmware.Source{
			Location: cfg.Firmware.ImagePath,
			Member:   cfg.Firmware.ImageMember,
		},
		MaxNameLength:    cfg.Firmware.MaxNameLength,
		MaxDataLength:    cfg.Firmware.MaxDataLength,
		ExitBootServices: cfg.Firmware.ExitBootServices,
	}, log)
	if err != nil {
		log.Error(err, "failed to open firmware image", "path", cfg.Firmware.ImagePath)
		panic(fmt.Errorf("failed to open firmware image: %w", err))
	}
	svc := img.Services

	slogger := cfg.Slog()
	server := api.New(cfg, slogger)
	server.AddHandler("/healthcheck", health.New(slogger, GitRev, startTime, map[string]health.Check{
		"varstore": func(ctx context.Context) error {
			return svc.Locked(ctx, func(*varstore.Varstore) error { return nil })
		},
	}))
	server.AddHandler("/metrics", metrics.New(slogger, prometheus.DefaultGatherer))
	server.AddHandler(variables.Prefix, variables.New(slogger, svc, manager.NewBootManager(svc, log)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "failed running all services")
		panic(err)
	}
	log.Info("shutting down")
}
