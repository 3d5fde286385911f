// Package edk2 decodes the EDK2 firmware-volume variable store used by OVMF
// and AAVMF variable images.
//
// An image starts with a firmware volume header, followed by a variable store
// header and a sequence of 4-byte aligned variable records. Decode validates
// the headers, walks every record in the declared extent and returns the live
// ones as native variables.
package edk2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/ccoveille/go-safecast"
)

var (
	// ErrTruncated means a structure extends past the end of its container.
	ErrTruncated = errors.New("truncated")
	// ErrMismatch means a field holds a value other than the one required.
	ErrMismatch = errors.New("unexpected value")
)

// ParseError reports the first structural check an image failed.
type ParseError struct {
	Offset int
	Check  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("edk2: %s at offset %#x: %v", e.Check, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseError(offset int, check string, format string, args ...any) *ParseError {
	return &ParseError{Offset: offset, Check: check, Err: fmt.Errorf(format, args...)}
}

// Store is the full decoded structure of an image.
type Store struct {
	Volume FirmwareVolumeHeader
	Header VariableStoreHeader
	// Records holds every record in on-disk order, including deleted and
	// partially written ones.
	Records []Record
	// End is the offset at which record parsing stopped.
	End int
}

// Active returns the live records.
func (s *Store) Active() []Record {
	var out []Record
	for _, r := range s.Records {
		if r.State.IsAdded() {
			out = append(out, r)
		}
	}
	return out
}

// Decode parses an image. It returns the live variables in on-disk order and
// the full structure, or a *ParseError. No partial results are returned.
func Decode(b []byte) ([]efi.Variable, *Store, error) {
	store := &Store{}

	if err := decodeVolumeHeader(b, &store.Volume); err != nil {
		return nil, nil, err
	}

	end, err := decodeStoreHeader(b, &store.Header)
	if err != nil {
		return nil, nil, err
	}

	pos := FirmwareVolumeHeaderLength + VariableStoreHeaderLength
	for {
		pos = align(pos)
		if end-pos < 2 {
			break
		}
		id := binary.LittleEndian.Uint16(b[pos:])
		if id == erasedStartID {
			break
		}
		if id != RecordStartID {
			return nil, nil, parseError(pos, "record start id", "%w: %#04x", ErrMismatch, id)
		}

		rec, next, err := decodeRecord(b[:end], pos)
		if err != nil {
			return nil, nil, err
		}
		store.Records = append(store.Records, rec)
		pos = next
	}
	store.End = min(pos, end)

	var vars []efi.Variable
	for _, r := range store.Active() {
		vars = append(vars, r.Variable())
	}
	return vars, store, nil
}

func decodeVolumeHeader(b []byte, h *FirmwareVolumeHeader) error {
	if len(b) < FirmwareVolumeHeaderLength+VariableStoreHeaderLength {
		return parseError(0, "image size", "%w: %d bytes", ErrTruncated, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:FirmwareVolumeHeaderLength]), binary.LittleEndian, h); err != nil {
		return &ParseError{Offset: 0, Check: "firmware volume header", Err: err}
	}

	switch {
	case h.ZeroVector != [16]byte{}:
		return parseError(0x00, "zero vector", "%w: not zero", ErrMismatch)
	case h.FileSystemGUID != efi.EfiSystemNvDataFvGuid:
		return parseError(0x10, "file system guid", "%w: %s", ErrMismatch, h.FileSystemGUID)
	case h.Signature != FirmwareVolumeSignature:
		return parseError(0x28, "signature", "%w: %q", ErrMismatch, h.Signature[:])
	case h.Attributes.Unknown() != 0:
		return parseError(0x2c, "volume attributes", "%w: unknown bits %#x", ErrMismatch, uint32(h.Attributes.Unknown()))
	case h.HeaderLength != FirmwareVolumeHeaderLength:
		return parseError(0x30, "header length", "%w: %#x", ErrMismatch, h.HeaderLength)
	case h.Revision != FirmwareVolumeRevision:
		return parseError(0x37, "revision", "%w: %d", ErrMismatch, h.Revision)
	}
	if sum := checksum16(b[:FirmwareVolumeHeaderLength]); sum != 0 {
		return parseError(0x32, "header checksum", "%w: word sum %#04x", ErrMismatch, sum)
	}
	return nil
}

// decodeStoreHeader returns the end offset of the record area.
func decodeStoreHeader(b []byte, h *VariableStoreHeader) (int, error) {
	const base = FirmwareVolumeHeaderLength

	raw := b[base : base+VariableStoreHeaderLength]
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, h); err != nil {
		return 0, &ParseError{Offset: base, Check: "variable store header", Err: err}
	}

	switch {
	case h.GUID != efi.EfiAuthenticatedVariableGuid:
		return 0, parseError(base, "variable store guid", "%w: %s", ErrMismatch, h.GUID)
	case h.Format != VariableStoreFormatted:
		return 0, parseError(base+0x14, "variable store format", "%w: %#02x", ErrMismatch, h.Format)
	case h.State != VariableStoreHealthy:
		return 0, parseError(base+0x15, "variable store state", "%w: %#02x", ErrMismatch, h.State)
	}

	size, err := safecast.ToInt(h.Size)
	if err != nil {
		return 0, &ParseError{Offset: base + 0x10, Check: "variable store size", Err: err}
	}
	if size < VariableStoreHeaderLength || size > len(b)-base {
		return 0, parseError(base+0x10, "variable store size", "%w: %#x bytes declared, %#x available",
			ErrTruncated, size, len(b)-base)
	}
	return base + size, nil
}

// decodeRecord parses the record at pos; b ends at the record area limit.
// It returns the offset just past the record.
func decodeRecord(b []byte, pos int) (Record, int, error) {
	rec := Record{Offset: pos}

	if len(b)-pos < RecordHeaderLength {
		return rec, 0, parseError(pos, "record header", "%w: %d bytes left", ErrTruncated, len(b)-pos)
	}
	if err := binary.Read(bytes.NewReader(b[pos:pos+RecordHeaderLength]), binary.LittleEndian, &rec.RecordHeader); err != nil {
		return rec, 0, &ParseError{Offset: pos, Check: "record header", Err: err}
	}

	if !rec.State.Valid() {
		return rec, 0, parseError(pos+2, "record state", "%w: %#02x", ErrMismatch, uint8(rec.State))
	}
	if unknown := rec.Attributes.Difference(efi.EfiAttrValid); unknown != 0 {
		return rec, 0, parseError(pos+4, "record attributes", "%w: unknown bits %#x", ErrMismatch, uint32(unknown))
	}

	nameSize, err := safecast.ToInt(rec.NameSize)
	if err != nil {
		return rec, 0, &ParseError{Offset: pos + 0x24, Check: "name size", Err: err}
	}
	dataSize, err := safecast.ToInt(rec.DataSize)
	if err != nil {
		return rec, 0, &ParseError{Offset: pos + 0x28, Check: "data size", Err: err}
	}

	start := pos + RecordHeaderLength
	left := len(b) - start
	switch {
	case nameSize%2 != 0:
		return rec, 0, parseError(pos+0x24, "name size", "%w: odd length %d", ErrMismatch, nameSize)
	case nameSize > left:
		return rec, 0, parseError(pos+0x24, "name size", "%w: %d bytes declared, %d left", ErrTruncated, nameSize, left)
	case dataSize > left-nameSize:
		return rec, 0, parseError(pos+0x28, "data size", "%w: %d bytes declared, %d left", ErrTruncated, dataSize, left-nameSize)
	}

	name := b[start : start+nameSize]
	rec.Name, err = efi.DecodeUCS16Name(name)
	if err != nil {
		return rec, 0, &ParseError{Offset: start, Check: "name", Err: err}
	}
	rec.Data = bytes.Clone(b[start+nameSize : start+nameSize+dataSize])

	return rec, start + nameSize + dataSize, nil
}

func align(pos int) int {
	return (pos + recordAlignment - 1) &^ (recordAlignment - 1)
}
