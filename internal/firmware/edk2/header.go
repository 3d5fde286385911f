package edk2

import (
	"fmt"
	"strings"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
)

const (
	// FirmwareVolumeHeaderLength is the size of a header with a two entry block map.
	FirmwareVolumeHeaderLength = 0x48
	VariableStoreHeaderLength  = 28
	FirmwareVolumeRevision     = 2

	VariableStoreFormatted = 0x5a
	VariableStoreHealthy   = 0xfe
)

// FirmwareVolumeSignature is "_FVH" read as a little-endian word.
var FirmwareVolumeSignature = [4]byte{'_', 'F', 'V', 'H'}

// FirmwareVolumeAttributes is the EFI_FVB_ATTRIBUTES_2 word.
type FirmwareVolumeAttributes uint32

const (
	FvbReadDisabledCap  FirmwareVolumeAttributes = 0x00000001
	FvbReadEnabledCap   FirmwareVolumeAttributes = 0x00000002
	FvbReadStatus       FirmwareVolumeAttributes = 0x00000004
	FvbWriteDisabledCap FirmwareVolumeAttributes = 0x00000008
	FvbWriteEnabledCap  FirmwareVolumeAttributes = 0x00000010
	FvbWriteStatus      FirmwareVolumeAttributes = 0x00000020
	FvbLockCap          FirmwareVolumeAttributes = 0x00000040
	FvbLockStatus       FirmwareVolumeAttributes = 0x00000080
	FvbStickyWrite      FirmwareVolumeAttributes = 0x00000200
	FvbMemoryMapped     FirmwareVolumeAttributes = 0x00000400
	FvbErasePolarity    FirmwareVolumeAttributes = 0x00000800
	FvbReadLockCap      FirmwareVolumeAttributes = 0x00001000
	FvbReadLockStatus   FirmwareVolumeAttributes = 0x00002000
	FvbWriteLockCap     FirmwareVolumeAttributes = 0x00004000
	FvbWriteLockStatus  FirmwareVolumeAttributes = 0x00008000
	// FvbAlignment is a five bit field holding log2 of the volume alignment.
	FvbAlignment     FirmwareVolumeAttributes = 0x001f0000
	FvbWeakAlignment FirmwareVolumeAttributes = 0x80000000

	fvbAlignmentShift = 16

	fvbKnown = FvbReadDisabledCap | FvbReadEnabledCap | FvbReadStatus |
		FvbWriteDisabledCap | FvbWriteEnabledCap | FvbWriteStatus |
		FvbLockCap | FvbLockStatus | FvbStickyWrite | FvbMemoryMapped |
		FvbErasePolarity | FvbReadLockCap | FvbReadLockStatus |
		FvbWriteLockCap | FvbWriteLockStatus | FvbAlignment | FvbWeakAlignment
)

var fvbNames = []struct {
	flag FirmwareVolumeAttributes
	name string
}{
	{FvbReadDisabledCap, "READ_DISABLED_CAP"},
	{FvbReadEnabledCap, "READ_ENABLED_CAP"},
	{FvbReadStatus, "READ_STATUS"},
	{FvbWriteDisabledCap, "WRITE_DISABLED_CAP"},
	{FvbWriteEnabledCap, "WRITE_ENABLED_CAP"},
	{FvbWriteStatus, "WRITE_STATUS"},
	{FvbLockCap, "LOCK_CAP"},
	{FvbLockStatus, "LOCK_STATUS"},
	{FvbStickyWrite, "STICKY_WRITE"},
	{FvbMemoryMapped, "MEMORY_MAPPED"},
	{FvbErasePolarity, "ERASE_POLARITY"},
	{FvbReadLockCap, "READ_LOCK_CAP"},
	{FvbReadLockStatus, "READ_LOCK_STATUS"},
	{FvbWriteLockCap, "WRITE_LOCK_CAP"},
	{FvbWriteLockStatus, "WRITE_LOCK_STATUS"},
	{FvbWeakAlignment, "WEAK_ALIGNMENT"},
}

func (a FirmwareVolumeAttributes) Contains(other FirmwareVolumeAttributes) bool {
	return a&other == other
}

// Unknown returns the bits that have no EFI_FVB2 meaning.
func (a FirmwareVolumeAttributes) Unknown() FirmwareVolumeAttributes {
	return a &^ fvbKnown
}

// Alignment returns the volume alignment in bytes.
func (a FirmwareVolumeAttributes) Alignment() uint64 {
	return 1 << ((a & FvbAlignment) >> fvbAlignmentShift)
}

func (a FirmwareVolumeAttributes) String() string {
	var parts []string
	for _, f := range fvbNames {
		if a.Contains(f.flag) {
			parts = append(parts, f.name)
		}
	}
	parts = append(parts, fmt.Sprintf("ALIGNMENT_%d", a.Alignment()))
	if unknown := a.Unknown(); unknown != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(unknown)))
	}
	return strings.Join(parts, "|")
}

type BlockMapEntry struct {
	NumBlocks uint32
	Length    uint32
}

// FirmwareVolumeHeader is EFI_FIRMWARE_VOLUME_HEADER with the block map
// terminator included.
type FirmwareVolumeHeader struct {
	ZeroVector      [16]byte
	FileSystemGUID  efi.GUID
	Length          uint64
	Signature       [4]byte
	Attributes      FirmwareVolumeAttributes
	HeaderLength    uint16
	Checksum        uint16
	ExtHeaderOffset uint16
	Reserved        uint8
	Revision        uint8
	BlockMap        [2]BlockMapEntry
}

// VariableStoreHeader follows the firmware volume header. Size counts from
// the start of this header.
type VariableStoreHeader struct {
	GUID      efi.GUID
	Size      uint32
	Format    uint8
	State     uint8
	Reserved  uint16
	Reserved1 uint32
}

// checksum16 returns the 16-bit word sum of b. A valid header sums to zero.
func checksum16(b []byte) uint16 {
	var sum uint16
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint16(b[i]) | uint16(b[i+1])<<8
	}
	return sum
}
