package efi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ccoveille/go-safecast"
)

// Load option attribute bits.
const (
	LOAD_OPTION_ACTIVE          = 0x00000001
	LOAD_OPTION_FORCE_RECONNECT = 0x00000002
	LOAD_OPTION_HIDDEN          = 0x00000008
	LOAD_OPTION_CATEGORY        = 0x00001f00
	LOAD_OPTION_CATEGORY_BOOT   = 0x00000000
	LOAD_OPTION_CATEGORY_APP    = 0x00000100
)

const (
	BootOrderName = "BootOrder"
	BootNextName  = "BootNext"
	BootPrefix    = "Boot"
)

var errBootEntry = errors.New("invalid boot entry")

// BootEntry is a decoded EFI_LOAD_OPTION as stored in Boot#### variables.
type BootEntry struct {
	Description  string
	DevicePath   []byte
	OptionalData []byte
	Active       bool
	Hidden       bool
	Category     uint32
}

// ParseBootEntry decodes an EFI_LOAD_OPTION.
func ParseBootEntry(data []byte) (*BootEntry, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: boot entry data too short (%d bytes)", errBootEntry, len(data))
	}

	attr := binary.LittleEndian.Uint32(data[0:4])
	pathLen := int(binary.LittleEndian.Uint16(data[4:6]))

	descEnd := 6 + FindUCS16NullTerminator(data[6:])
	if descEnd+2 > len(data) {
		return nil, fmt.Errorf("%w: unterminated description", errBootEntry)
	}
	pathStart := descEnd + 2
	if pathStart+pathLen > len(data) {
		return nil, fmt.Errorf("%w: invalid device path length %d", errBootEntry, pathLen)
	}

	entry := &BootEntry{
		Description: UCS16ToUTF8(data[6:descEnd]),
		DevicePath:  append([]byte{}, data[pathStart:pathStart+pathLen]...),
		Active:      attr&LOAD_OPTION_ACTIVE != 0,
		Hidden:      attr&LOAD_OPTION_HIDDEN != 0,
		Category:    attr & LOAD_OPTION_CATEGORY,
	}
	if rest := data[pathStart+pathLen:]; len(rest) > 0 {
		entry.OptionalData = append([]byte{}, rest...)
	}
	return entry, nil
}

// Attributes returns the packed load option attribute word.
func (b *BootEntry) Attributes() uint32 {
	attr := b.Category & LOAD_OPTION_CATEGORY
	if b.Active {
		attr |= LOAD_OPTION_ACTIVE
	}
	if b.Hidden {
		attr |= LOAD_OPTION_HIDDEN
	}
	return attr
}

// ToBytes encodes the entry as an EFI_LOAD_OPTION.
func (b *BootEntry) ToBytes() ([]byte, error) {
	pathLen, err := safecast.ToUint16(len(b.DevicePath))
	if err != nil {
		return nil, fmt.Errorf("%w: device path too long: %w", errBootEntry, err)
	}

	out := binary.LittleEndian.AppendUint32(nil, b.Attributes())
	out = binary.LittleEndian.AppendUint16(out, pathLen)
	out = append(out, UTF8ToUCS16(b.Description)...)
	out = append(out, b.DevicePath...)
	out = append(out, b.OptionalData...)
	return out, nil
}

func (b *BootEntry) GetDevicePathString() (string, error) {
	return DevicePathString(b.DevicePath)
}

func (b *BootEntry) String() string {
	path, err := b.GetDevicePathString()
	if err != nil {
		path = fmt.Sprintf("<%v>", err)
	}
	return fmt.Sprintf("title=%q devpath=%s active=%t", b.Description, path, b.Active)
}

// BootOptionName returns the variable name for boot option id, e.g. Boot0003.
func BootOptionName(id uint16) string {
	return fmt.Sprintf("%s%04X", BootPrefix, id)
}

// ParseBootOptionName extracts the id from a Boot#### name.
func ParseBootOptionName(name string) (uint16, bool) {
	hexID, ok := strings.CutPrefix(name, BootPrefix)
	if !ok || len(hexID) != 4 {
		return 0, false
	}
	id, err := strconv.ParseUint(hexID, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(id), true
}

// ParseBootOrder decodes a BootOrder payload, an array of little-endian uint16.
func ParseBootOrder(data []byte) ([]uint16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty boot order")
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid boot order data length %d", len(data))
	}
	order := make([]uint16, len(data)/2)
	for i := range order {
		order[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return order, nil
}

func CreateBootOrderData(order []uint16) []byte {
	data := make([]byte, 0, len(order)*2)
	for _, id := range order {
		data = binary.LittleEndian.AppendUint16(data, id)
	}
	return data
}
