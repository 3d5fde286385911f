// Package firmware loads an EDK2 variable store image into a variable store
// and serves it through the runtime variable services.
package firmware

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bmcpi/uefivars/internal/firmware/edk2"
	"github.com/bmcpi/uefivars/internal/firmware/runtime"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
	"github.com/bmcpi/uefivars/internal/metric"
)

const tracerName = "github.com/bmcpi/uefivars/internal/firmware"

type Config struct {
	Source
	// Limits default to varstore.DefaultMaxNameLength and
	// varstore.DefaultMaxDataLength when zero.
	MaxNameLength int
	MaxDataLength int
	// ExitBootServices switches the store to runtime semantics once loaded.
	ExitBootServices bool
}

// Image is a decoded image served by runtime services.
type Image struct {
	Services *runtime.Services
	Store    *edk2.Store
}

// Open reads the image named by c.Source and loads its active records.
func Open(ctx context.Context, c Config, logger logr.Logger) (*Image, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "firmware.Open")
	defer span.End()
	span.SetAttributes(attribute.String("firmware.source", c.Location))

	b, err := ReadImage(ctx, c.Source)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	img, err := Load(ctx, b, c, logger)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load %s: %w", c.Location, err)
	}
	span.SetStatus(codes.Ok, "")
	return img, nil
}

// Load decodes image bytes already in memory.
func Load(ctx context.Context, b []byte, c Config, logger logr.Logger) (*Image, error) {
	log := logger.WithName("firmware")

	vars, store, err := edk2.Decode(b)
	if err != nil {
		metric.Decodes.WithLabelValues("error").Inc()
		return nil, err
	}
	metric.Decodes.WithLabelValues("ok").Inc()

	var opts []varstore.Option
	if c.MaxNameLength > 0 || c.MaxDataLength > 0 {
		maxName, maxData := c.MaxNameLength, c.MaxDataLength
		if maxName <= 0 {
			maxName = varstore.DefaultMaxNameLength
		}
		if maxData <= 0 {
			maxData = varstore.DefaultMaxDataLength
		}
		opts = append(opts, varstore.WithLimits(maxName, maxData))
	}

	vs := varstore.New(opts...)
	vs.Load(vars...)

	log.Info("loaded variable store",
		"source", c.Location,
		"records", len(store.Records),
		"variables", vs.Len(),
		"used", store.End-edk2.FirmwareVolumeHeaderLength,
		"size", store.Header.Size,
	)
	svc := runtime.New(vs, logger)
	if c.ExitBootServices {
		if status := svc.ExitBootServices(ctx); status.IsError() {
			return nil, fmt.Errorf("exit boot services: %s", status)
		}
	}
	return &Image{Services: svc, Store: store}, nil
}
