package efi

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ccoveille/go-safecast"
)

// DeviceType is the type byte of a device path node.
type DeviceType uint8

const (
	DevTypeHardware DeviceType = 0x01
	DevTypeAcpi     DeviceType = 0x02
	DevTypeMessage  DeviceType = 0x03
	DevTypeMedia    DeviceType = 0x04
	DevTypeFile     DeviceType = 0x05
	DevTypeEnd      DeviceType = 0x7f
)

// DeviceSubType is the subtype byte of a device path node.
type DeviceSubType uint8

const (
	DevSubTypePCI        DeviceSubType = 0x01
	DevSubTypeACPI       DeviceSubType = 0x01
	DevSubTypeSATA       DeviceSubType = 0x12
	DevSubTypeMAC        DeviceSubType = 0x0b
	DevSubTypeIPv4       DeviceSubType = 0x0c
	DevSubTypeURI        DeviceSubType = 0x18
	DevSubTypePartition  DeviceSubType = 0x01
	DevSubTypeFilePath   DeviceSubType = 0x04
	DevSubTypeFVFilename DeviceSubType = 0x06
	DevSubTypeFVName     DeviceSubType = 0x07
	DevSubTypeEndEntire  DeviceSubType = 0xff
)

var errDevicePath = errors.New("malformed device path")

// DevicePathNode is one element of an EFI device path.
type DevicePathNode struct {
	Type    DeviceType
	SubType DeviceSubType
	Data    []byte
}

// ParseDevicePath splits a packed device path into nodes, stopping at the
// end-of-entire-path node.
func ParseDevicePath(b []byte) ([]DevicePathNode, error) {
	var nodes []DevicePathNode
	for off := 0; off < len(b); {
		if len(b)-off < 4 {
			return nil, fmt.Errorf("%w: truncated node header at %d", errDevicePath, off)
		}
		length := int(binary.LittleEndian.Uint16(b[off+2:]))
		if length < 4 || off+length > len(b) {
			return nil, fmt.Errorf("%w: node length %d at %d", errDevicePath, length, off)
		}
		n := DevicePathNode{
			Type:    DeviceType(b[off]),
			SubType: DeviceSubType(b[off+1]),
			Data:    b[off+4 : off+length],
		}
		off += length
		if n.Type == DevTypeEnd && n.SubType == DevSubTypeEndEntire {
			break
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// DevicePathBytes packs nodes and appends the end-of-entire-path node.
func DevicePathBytes(nodes ...DevicePathNode) ([]byte, error) {
	out := []byte{}
	for _, n := range nodes {
		length, err := safecast.ToUint16(len(n.Data) + 4)
		if err != nil {
			return nil, fmt.Errorf("%w: node too large: %w", errDevicePath, err)
		}
		out = append(out, byte(n.Type), byte(n.SubType))
		out = binary.LittleEndian.AppendUint16(out, length)
		out = append(out, n.Data...)
	}
	return append(out, byte(DevTypeEnd), byte(DevSubTypeEndEntire), 0x04, 0x00), nil
}

// URINode builds a messaging URI node, as used for HTTP boot entries.
func URINode(uri string) DevicePathNode {
	return DevicePathNode{Type: DevTypeMessage, SubType: DevSubTypeURI, Data: []byte(uri)}
}

// FilePathNode builds a media file path node.
func FilePathNode(path string) DevicePathNode {
	return DevicePathNode{Type: DevTypeMedia, SubType: DevSubTypeFilePath, Data: UTF8ToUCS16(path)}
}

func (n DevicePathNode) String() string {
	switch n.Type {
	case DevTypeHardware:
		if n.SubType == DevSubTypePCI && len(n.Data) >= 2 {
			return fmt.Sprintf("Pci(%d,%d)", n.Data[1], n.Data[0])
		}
	case DevTypeAcpi:
		if n.SubType == DevSubTypeACPI && len(n.Data) >= 8 {
			return fmt.Sprintf("PciRoot(%d)", binary.LittleEndian.Uint32(n.Data[4:8]))
		}
	case DevTypeMessage:
		switch n.SubType {
		case DevSubTypeSATA:
			if len(n.Data) >= 2 {
				return fmt.Sprintf("Sata(%d)", binary.LittleEndian.Uint16(n.Data[0:2]))
			}
		case DevSubTypeMAC:
			if len(n.Data) >= 6 {
				return fmt.Sprintf("MAC(%s)", hex.EncodeToString(n.Data[:6]))
			}
		case DevSubTypeIPv4:
			return "IPv4()"
		case DevSubTypeURI:
			return fmt.Sprintf("Uri(%s)", string(n.Data))
		}
	case DevTypeMedia:
		switch n.SubType {
		case DevSubTypePartition:
			if len(n.Data) >= 4 {
				return fmt.Sprintf("HD(%d)", binary.LittleEndian.Uint32(n.Data[0:4]))
			}
		case DevSubTypeFilePath:
			return UCS16ToUTF8(n.Data)
		case DevSubTypeFVFilename, DevSubTypeFVName:
			if g, err := GUIDFromBytes(n.Data); err == nil {
				if n.SubType == DevSubTypeFVName {
					return fmt.Sprintf("Fv(%s)", g)
				}
				return fmt.Sprintf("FvFile(%s)", g)
			}
		}
	}
	return fmt.Sprintf("Path(%d,%d,%s)", n.Type, n.SubType, hex.EncodeToString(n.Data))
}

// DevicePathString renders a packed device path in the usual textual form.
func DevicePathString(b []byte) (string, error) {
	nodes, err := ParseDevicePath(b)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, n.String())
	}
	return strings.Join(parts, "/"), nil
}
