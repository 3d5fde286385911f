package efi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Well-known namespace GUIDs in canonical text form.
const (
	EfiGlobalVariableGUID          = "8be4df61-93ca-11d2-aa0d-00e098032b8c"
	EfiImageSecurityDatabaseGUID   = "d719b2cb-3d3a-4596-a3bc-dad00e67656f"
	EfiSecureBootEnableDisableGUID = "f0a30bc7-af08-4556-99c4-001009c93a44"
	EfiSystemNvDataFvGUID          = "fff12b8d-7696-4c8b-a985-2747075b4f50"
	EfiAuthenticatedVariableGUID   = "aaf32c78-947b-439a-a180-2e144ec37792"
	EfiVariableGUID                = "ddcf3616-3275-4164-98b6-fe85707ffe7d"
	EfiCertDbGUID                  = "d9bee56e-75dc-49d9-b4d7-b534210f637a"
)

var knownGUIDs = map[string]string{
	EfiGlobalVariableGUID:          "EfiGlobalVariable",
	EfiImageSecurityDatabaseGUID:   "EfiImageSecurityDatabase",
	EfiSecureBootEnableDisableGUID: "EfiSecureBootEnableDisable",
	EfiSystemNvDataFvGUID:          "EfiSystemNvDataFv",
	EfiAuthenticatedVariableGUID:   "EfiAuthenticatedVariable",
	EfiVariableGUID:                "EfiVariable",
	EfiCertDbGUID:                  "EfiCertDb",
}

// GUID is a 128-bit identifier stored in the mixed-endian byte order used on
// the wire and in firmware images: the first three fields little-endian, the
// remaining eight bytes as-is.
type GUID [16]byte

var (
	EfiGlobalVariableGuid        = MustParseGUID(EfiGlobalVariableGUID)
	EfiImageSecurityDatabaseGuid = MustParseGUID(EfiImageSecurityDatabaseGUID)
	EfiSystemNvDataFvGuid        = MustParseGUID(EfiSystemNvDataFvGUID)
	EfiAuthenticatedVariableGuid = MustParseGUID(EfiAuthenticatedVariableGUID)
)

// ParseGUID parses a textual GUID into its wire form.
func ParseGUID(s string) (GUID, error) {
	if len(s) != 36 {
		return GUID{}, fmt.Errorf("invalid GUID %q: expected 36 characters, got %d", s, len(s))
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	return guidFromUUID(u), nil
}

// MustParseGUID is like ParseGUID but panics on malformed input. It is meant
// for package-level constants.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// GUIDFromBytes copies the first 16 bytes of b, which must already be in wire order.
func GUIDFromBytes(b []byte) (GUID, error) {
	var g GUID
	if len(b) < len(g) {
		return g, fmt.Errorf("GUID needs 16 bytes, got %d", len(b))
	}
	copy(g[:], b)
	return g, nil
}

func guidFromUUID(u uuid.UUID) GUID {
	var g GUID
	binary.LittleEndian.PutUint32(g[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(g[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(g[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(g[8:], u[8:])
	return g
}

// UUID returns the RFC 4122 (big-endian) form of the GUID.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(g[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(g[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(g[6:8]))
	copy(u[8:], g[8:])
	return u
}

func (g GUID) String() string {
	return g.UUID().String()
}

// Name returns the symbolic name for well-known GUIDs and the text form otherwise.
func (g GUID) Name() string {
	s := g.String()
	if name, ok := knownGUIDs[s]; ok {
		return name
	}
	return s
}

func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *GUID) UnmarshalText(text []byte) error {
	parsed, err := ParseGUID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// FormatGUID normalizes s to the canonical hyphenated lowercase form, accepting
// the 32-digit form without hyphens. Unparseable input is returned unchanged.
func FormatGUID(s string) string {
	if len(s) != 32 && len(s) != 36 {
		return s
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return u.String()
}
