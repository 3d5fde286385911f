package efi

import (
	"errors"
	"fmt"
)

// Status is an EFI_STATUS value as returned across the runtime services boundary.
type Status uint64

const errorBit Status = 1 << 63

const (
	EfiSuccess           Status = 0
	EfiInvalidParameter  Status = errorBit | 2
	EfiUnsupported       Status = errorBit | 3
	EfiBufferTooSmall    Status = errorBit | 5
	EfiDeviceError       Status = errorBit | 7
	EfiNotFound          Status = errorBit | 14
	EfiSecurityViolation Status = errorBit | 26
)

// IsError reports whether the status has the error bit set.
func (s Status) IsError() bool {
	return s&errorBit != 0
}

func (s Status) String() string {
	switch s {
	case EfiSuccess:
		return "EFI_SUCCESS"
	case EfiInvalidParameter:
		return "EFI_INVALID_PARAMETER"
	case EfiUnsupported:
		return "EFI_UNSUPPORTED"
	case EfiBufferTooSmall:
		return "EFI_BUFFER_TOO_SMALL"
	case EfiDeviceError:
		return "EFI_DEVICE_ERROR"
	case EfiNotFound:
		return "EFI_NOT_FOUND"
	case EfiSecurityViolation:
		return "EFI_SECURITY_VIOLATION"
	}
	return fmt.Sprintf("EFI_STATUS(0x%x)", uint64(s))
}

// Errors returned by variable operations. StatusFromError maps them back to
// the Status codes above.
var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrUnsupported       = errors.New("unsupported")
	ErrSecurityViolation = errors.New("security violation")
	ErrNotFound          = errors.New("not found")
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrDeviceError       = errors.New("device error")
)

// BufferTooSmallError carries the buffer size a caller needs to retry with.
type BufferTooSmallError struct {
	Required int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("%s: %d bytes required", ErrBufferTooSmall, e.Required)
}

func (e *BufferTooSmallError) Is(target error) bool {
	return target == ErrBufferTooSmall
}

// StatusFromError maps an error returned by this package's callers to a Status.
// Errors that are not part of the taxonomy are reported as EfiDeviceError.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return EfiSuccess
	case errors.Is(err, ErrInvalidParameter):
		return EfiInvalidParameter
	case errors.Is(err, ErrUnsupported):
		return EfiUnsupported
	case errors.Is(err, ErrSecurityViolation):
		return EfiSecurityViolation
	case errors.Is(err, ErrNotFound):
		return EfiNotFound
	case errors.Is(err, ErrBufferTooSmall):
		return EfiBufferTooSmall
	}
	return EfiDeviceError
}
