// Package runtime exposes a variable store through calls shaped like the UEFI
// runtime variable services. Services owns the store and serializes every
// access to it with a single lock.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
	"github.com/bmcpi/uefivars/internal/metric"
)

const tracerName = "github.com/bmcpi/uefivars/internal/firmware/runtime"

type Services struct {
	store  *varstore.Varstore
	lock   *semaphore.Weighted
	logger logr.Logger
}

// New takes ownership of store. Callers must not use store directly afterwards.
func New(store *varstore.Varstore, logger logr.Logger) *Services {
	s := &Services{
		store:  store,
		lock:   semaphore.NewWeighted(1),
		logger: logger.WithName("runtime"),
	}
	metric.Variables.Set(float64(store.Len()))
	return s
}

// Locked runs fn with exclusive access to the store. If the lock cannot be
// acquired before ctx is done, fn is not run and the error wraps
// efi.ErrDeviceError.
func (s *Services) Locked(ctx context.Context, fn func(*varstore.Varstore) error) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: acquiring variable store lock: %w", efi.ErrDeviceError, err)
	}
	defer s.lock.Release(1)

	err := fn(s.store)
	metric.Variables.Set(float64(s.store.Len()))
	return err
}

// statusOf maps store errors onto the status returned across the service boundary.
func statusOf(err error) efi.Status {
	switch {
	case errors.Is(err, varstore.ErrEndReached):
		return efi.EfiNotFound
	case errors.Is(err, varstore.ErrInvalidCursor):
		return efi.EfiInvalidParameter
	}
	return efi.StatusFromError(err)
}

// call wraps one service call in a span and records its outcome.
func (s *Services) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) efi.Status {
	start := time.Now()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "runtime."+op, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	status := statusOf(err)

	span.SetAttributes(attribute.String("efi.status", status.String()))
	if status.IsError() {
		span.SetStatus(codes.Error, err.Error())
		s.logger.V(1).Info("variable service call failed", "op", op, "status", status.String(), "error", err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	metric.RuntimeCalls.WithLabelValues(op, status.String()).Inc()
	metric.RuntimeDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return status
}

// decodeName reads a NUL-terminated UCS-2 name from the first size bytes of
// b. When exact is set the terminator must be the last code unit of b.
func decodeName(b []byte, size int, exact bool) (string, error) {
	if size < 0 || size > len(b) {
		size = len(b)
	}
	b = b[:size]
	end := efi.FindUCS16NullTerminator(b)
	if end == len(b)&^1 {
		return "", fmt.Errorf("%w: variable name is not NUL terminated", efi.ErrInvalidParameter)
	}
	if exact && end+2 != len(b) {
		return "", fmt.Errorf("%w: %w: NUL at byte %d of %d", efi.ErrInvalidParameter, efi.ErrInvalidName, end, len(b))
	}
	name, err := efi.DecodeUCS16Name(b[:end])
	if err != nil {
		return "", fmt.Errorf("%w: %w", efi.ErrInvalidParameter, err)
	}
	return name, nil
}

func nameAttrs(name string, guid efi.GUID) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("efi.variable.name", name),
		attribute.String("efi.variable.guid", guid.String()),
	}
}

// GetVariable copies the data of the variable named by the NUL-terminated
// UCS-2 name into data.
//
// On entry *dataSize is the capacity of data. If the variable is larger,
// *dataSize is set to the required size, data is left untouched and
// EFI_BUFFER_TOO_SMALL is returned. On success *dataSize is the data length.
// Once the variable is found *attrs, when not nil, receives its attributes
// without APPEND_WRITE, also when the buffer is too small.
func (s *Services) GetVariable(ctx context.Context, name []byte, guid efi.GUID, attrs *efi.Attributes, dataSize *int, data []byte) efi.Status {
	varName, nameErr := decodeName(name, len(name), true)

	return s.call(ctx, metric.OpGetVariable, nameAttrs(varName, guid), func(ctx context.Context) error {
		if nameErr != nil {
			return nameErr
		}
		if dataSize == nil {
			return fmt.Errorf("%w: nil data size", efi.ErrInvalidParameter)
		}

		var v efi.Variable
		err := s.Locked(ctx, func(vs *varstore.Varstore) error {
			var err error
			v, err = vs.Get(varName, guid)
			return err
		})
		if err != nil {
			return err
		}

		if attrs != nil {
			*attrs = v.Attributes.Difference(efi.EfiAttrAppendWrite)
		}
		if len(v.Data) > *dataSize {
			*dataSize = len(v.Data)
			return &efi.BufferTooSmallError{Required: len(v.Data)}
		}
		if data == nil || len(data) < len(v.Data) {
			return fmt.Errorf("%w: data buffer holds %d of %d bytes", efi.ErrInvalidParameter, len(data), len(v.Data))
		}

		copy(data, v.Data)
		*dataSize = len(v.Data)
		return nil
	})
}

// GetNextVariableName advances an enumeration. On entry name holds the
// previous NUL-terminated UCS-2 name, empty to start, and *nameSize the
// capacity of name. On success the next name and its GUID replace the
// inputs. EFI_NOT_FOUND marks the end of the enumeration.
func (s *Services) GetNextVariableName(ctx context.Context, nameSize *int, name []byte, guid *efi.GUID) efi.Status {
	return s.call(ctx, metric.OpGetNextVariableName, nil, func(ctx context.Context) error {
		if nameSize == nil || name == nil || guid == nil {
			return fmt.Errorf("%w: nil argument", efi.ErrInvalidParameter)
		}
		prev, err := decodeName(name, *nameSize, false)
		if err != nil {
			return err
		}

		var next efi.Variable
		err = s.Locked(ctx, func(vs *varstore.Varstore) error {
			var err error
			next, err = vs.GetNext(prev, *guid)
			return err
		})
		if err != nil {
			return err
		}

		encoded := efi.UTF8ToUCS16(next.Name)
		if len(encoded) > *nameSize {
			*nameSize = len(encoded)
			return &efi.BufferTooSmallError{Required: len(encoded)}
		}
		if len(encoded) > len(name) {
			return fmt.Errorf("%w: name buffer holds %d of %d bytes", efi.ErrInvalidParameter, len(name), len(encoded))
		}

		copy(name, encoded)
		*nameSize = len(encoded)
		*guid = next.GUID
		return nil
	})
}

// SetVariable creates, updates, appends to or deletes a variable.
func (s *Services) SetVariable(ctx context.Context, name []byte, guid efi.GUID, attrs efi.Attributes, data []byte) efi.Status {
	varName, nameErr := decodeName(name, len(name), true)

	spanAttrs := append(nameAttrs(varName, guid),
		attribute.String("efi.variable.attributes", attrs.String()),
		attribute.Int("efi.variable.size", len(data)),
	)
	return s.call(ctx, metric.OpSetVariable, spanAttrs, func(ctx context.Context) error {
		if nameErr != nil {
			return nameErr
		}
		return s.Locked(ctx, func(vs *varstore.Varstore) error {
			return vs.Set(efi.Variable{Name: varName, GUID: guid, Data: data, Attributes: attrs})
		})
	})
}

// QueryVariableInfo is not supported and always returns EFI_UNSUPPORTED.
func (s *Services) QueryVariableInfo(ctx context.Context, attrs efi.Attributes) (varstore.VariableInfo, efi.Status) {
	var info varstore.VariableInfo
	status := s.call(ctx, metric.OpQueryVariableInfo, nil, func(ctx context.Context) error {
		return s.Locked(ctx, func(vs *varstore.Varstore) error {
			var err error
			info, err = vs.QueryVariableInfo(attrs)
			return err
		})
	})
	return info, status
}

// ExitBootServices switches the store to runtime semantics. Repeated calls
// succeed and have no further effect.
func (s *Services) ExitBootServices(ctx context.Context) efi.Status {
	return s.call(ctx, metric.OpExitBootServices, nil, func(ctx context.Context) error {
		return s.Locked(ctx, func(vs *varstore.Varstore) error {
			if !vs.BootServicesExited() {
				s.logger.Info("exiting boot services", "variables", vs.Len())
			}
			vs.ExitBootServices()
			metric.BootServicesExited.Set(1)
			return nil
		})
	})
}
