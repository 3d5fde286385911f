package edk2

import (
	"fmt"
	"time"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
)

const (
	RecordStartID = 0x55aa
	// erasedStartID is flash in its erased state: the end of the record area.
	erasedStartID = 0xffff

	// RecordHeaderLength is the size of AUTHENTICATED_VARIABLE_HEADER.
	RecordHeaderLength = 60
	recordAlignment    = 4
)

// VariableState is the record state byte. Flash bits are only ever cleared,
// so a record moves through the states by and-ing in each marker.
type VariableState uint8

const (
	VarInDeletedTransition VariableState = 0xfe
	VarDeleted             VariableState = 0xfd
	VarHeaderValidOnly     VariableState = 0x7f
	VarAdded               VariableState = 0x3f
	VarAddedAndDeleted     VariableState = 0x3c
)

// IsAdded reports whether the record is live.
func (s VariableState) IsAdded() bool {
	return s == VarAdded
}

// Valid reports whether s is reachable by clearing the bits of the state
// markers: bits 2-5 are never cleared, and HEADER_VALID_ONLY (bit 7) is
// cleared before VAR_ADDED (bit 6).
func (s VariableState) Valid() bool {
	return s&VarAddedAndDeleted == VarAddedAndDeleted && (s&0x40 != 0 || s&0x80 == 0)
}

func (s VariableState) String() string {
	switch s {
	case VarInDeletedTransition:
		return "IN_DELETED_TRANSITION"
	case VarDeleted:
		return "DELETED"
	case VarHeaderValidOnly:
		return "HEADER_VALID_ONLY"
	case VarAdded:
		return "VAR_ADDED"
	case VarAddedAndDeleted:
		return "ADDED_AND_DELETED"
	default:
		return fmt.Sprintf("STATE(%#02x)", uint8(s))
	}
}

// UnspecifiedTimezone marks a Time as local time.
const UnspecifiedTimezone = 0x07ff

// Time is the EFI_TIME layout.
type Time struct {
	Year       uint16
	Month      uint8
	Day        uint8
	Hour       uint8
	Minute     uint8
	Second     uint8
	_          uint8
	Nanosecond uint32
	// TimeZone is the offset from UTC in minutes.
	TimeZone int16
	Daylight uint8
	_        uint8
}

func (t Time) IsZero() bool {
	return t == Time{}
}

// Time converts t. A zero EFI_TIME converts to the zero time.Time and an
// unspecified time zone is treated as UTC.
func (t Time) Time() time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	loc := time.UTC
	if t.TimeZone != UnspecifiedTimezone && t.TimeZone != 0 {
		loc = time.FixedZone("", int(t.TimeZone)*60)
	}
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day),
		int(t.Hour), int(t.Minute), int(t.Second), int(t.Nanosecond), loc)
}

// RecordHeader is AUTHENTICATED_VARIABLE_HEADER.
type RecordHeader struct {
	StartID        uint16
	State          VariableState
	Reserved       uint8
	Attributes     efi.Attributes
	MonotonicCount uint64
	TimeStamp      Time
	PubKeyIndex    uint32
	NameSize       uint32
	DataSize       uint32
	VendorGUID     efi.GUID
}

// Record is one variable record as found in the store, live or not.
type Record struct {
	// Offset of the record header from the start of the image.
	Offset int
	RecordHeader
	Name string
	Data []byte
}

// Variable converts r into a native variable.
func (r *Record) Variable() efi.Variable {
	return efi.NewVariableWithAttrs(r.Name, r.VendorGUID, r.Data, r.Attributes)
}

func (r *Record) String() string {
	return fmt.Sprintf("%#x %s-%s state=%s attrs=%s size=%d",
		r.Offset, r.VendorGUID, r.Name, r.State, r.Attributes, len(r.Data))
}
