// Package edk2test builds small EDK2 variable store images for tests.
package edk2test

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bmcpi/uefivars/internal/firmware/edk2"
	"github.com/bmcpi/uefivars/internal/firmware/efi"
)

// StoreSize is the record area size used by Image.
const StoreSize = 0x4000

// VolumeAttributes are the firmware volume attributes of an OVMF image.
const VolumeAttributes = edk2.FirmwareVolumeAttributes(0x0004feff)

// Record is one variable record written by Build.
type Record struct {
	Name string
	// RawName, when set, is written as the name bytes instead of the UCS-2
	// encoding of Name.
	RawName    []byte
	GUID       efi.GUID
	Attributes efi.Attributes
	State      edk2.VariableState
	TimeStamp  edk2.Time
	Data       []byte
}

// Added returns a VAR_ADDED record holding v.
func Added(v efi.Variable) Record {
	return Record{Name: v.Name, GUID: v.GUID, Attributes: v.Attributes, State: edk2.VarAdded, Data: v.Data}
}

// Variable returns the native variable r decodes to.
func (r Record) Variable() efi.Variable {
	return efi.NewVariableWithAttrs(r.Name, r.GUID, r.Data, r.Attributes)
}

// Image returns a healthy image whose record area holds vars as added
// records, in order. It panics if the records do not fit.
func Image(vars ...efi.Variable) []byte {
	records := make([]Record, 0, len(vars))
	for _, v := range vars {
		records = append(records, Added(v))
	}
	b, err := Build(StoreSize, records...)
	if err != nil {
		panic(err)
	}
	return b
}

// Build assembles an image with a record area of storeSize bytes, erased
// (0xff) past the last record. Records get increasing monotonic counts.
func Build(storeSize int, records ...Record) ([]byte, error) {
	var buf bytes.Buffer
	volume := edk2.FirmwareVolumeHeader{
		FileSystemGUID: efi.EfiSystemNvDataFvGuid,
		Length:         uint64(edk2.FirmwareVolumeHeaderLength + storeSize),
		Signature:      edk2.FirmwareVolumeSignature,
		Attributes:     VolumeAttributes,
		HeaderLength:   edk2.FirmwareVolumeHeaderLength,
		Revision:       edk2.FirmwareVolumeRevision,
		BlockMap:       [2]edk2.BlockMapEntry{{NumBlocks: uint32(storeSize / 0x1000), Length: 0x1000}},
	}
	if err := binary.Write(&buf, binary.LittleEndian, volume); err != nil {
		return nil, err
	}
	store := edk2.VariableStoreHeader{
		GUID:   efi.EfiAuthenticatedVariableGuid,
		Size:   uint32(storeSize),
		Format: edk2.VariableStoreFormatted,
		State:  edk2.VariableStoreHealthy,
	}
	if err := binary.Write(&buf, binary.LittleEndian, store); err != nil {
		return nil, err
	}

	for i, r := range records {
		name := r.RawName
		if name == nil {
			name = efi.UTF8ToUCS16(r.Name)
		}
		header := edk2.RecordHeader{
			StartID:        edk2.RecordStartID,
			State:          r.State,
			Attributes:     r.Attributes,
			MonotonicCount: uint64(i),
			TimeStamp:      r.TimeStamp,
			NameSize:       uint32(len(name)),
			DataSize:       uint32(len(r.Data)),
			VendorGUID:     r.GUID,
		}
		if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.Write(r.Data)
		for buf.Len()%4 != 0 {
			buf.WriteByte(0xff)
		}
	}

	end := edk2.FirmwareVolumeHeaderLength + storeSize
	if buf.Len() > end {
		return nil, fmt.Errorf("records need %d bytes, store holds %d", buf.Len(), end)
	}
	img := append(buf.Bytes(), bytes.Repeat([]byte{0xff}, end-buf.Len())...)
	FixChecksum(img)
	return img, nil
}

// FixChecksum recomputes the firmware volume header checksum of img.
func FixChecksum(img []byte) {
	binary.LittleEndian.PutUint16(img[0x32:], 0)
	var sum uint16
	for i := 0; i < edk2.FirmwareVolumeHeaderLength; i += 2 {
		sum += binary.LittleEndian.Uint16(img[i:])
	}
	binary.LittleEndian.PutUint16(img[0x32:], -sum)
}
