package efi

import (
	"fmt"
	"strings"
)

// Attributes is the UEFI variable attribute bit set.
type Attributes uint32

const (
	EfiAttrNonVolatile                       Attributes = 0x00000001
	EfiAttrBootserviceAccess                 Attributes = 0x00000002
	EfiAttrRuntimeAccess                     Attributes = 0x00000004
	EfiAttrHardwareErrorRecord               Attributes = 0x00000008
	EfiAttrAuthenticatedWriteAccess          Attributes = 0x00000010 // deprecated
	EfiAttrTimeBasedAuthenticatedWriteAccess Attributes = 0x00000020
	EfiAttrAppendWrite                       Attributes = 0x00000040 // write intent only, never stored
	EfiAttrEnhancedAuthenticatedAccess       Attributes = 0x00000080

	EfiAttrNone Attributes = 0
	// EfiAttrValid is every defined attribute bit.
	EfiAttrValid Attributes = 0x000000ff
)

var attributeNames = []struct {
	attr Attributes
	name string
}{
	{EfiAttrNonVolatile, "NON_VOLATILE"},
	{EfiAttrBootserviceAccess, "BOOTSERVICE_ACCESS"},
	{EfiAttrRuntimeAccess, "RUNTIME_ACCESS"},
	{EfiAttrHardwareErrorRecord, "HARDWARE_ERROR_RECORD"},
	{EfiAttrAuthenticatedWriteAccess, "AUTHENTICATED_WRITE_ACCESS"},
	{EfiAttrTimeBasedAuthenticatedWriteAccess, "TIME_BASED_AUTHENTICATED_WRITE_ACCESS"},
	{EfiAttrAppendWrite, "APPEND_WRITE"},
	{EfiAttrEnhancedAuthenticatedAccess, "ENHANCED_AUTHENTICATED_ACCESS"},
}

// Contains reports whether every bit of other is set in a.
func (a Attributes) Contains(other Attributes) bool {
	return a&other == other
}

// Intersects reports whether a and other share at least one bit.
func (a Attributes) Intersects(other Attributes) bool {
	return a&other != 0
}

func (a Attributes) Union(other Attributes) Attributes {
	return a | other
}

func (a Attributes) Difference(other Attributes) Attributes {
	return a &^ other
}

// String renders the set as flag names joined by "|". Bits without a name
// are appended as a hex remainder.
func (a Attributes) String() string {
	if a == EfiAttrNone {
		return "NONE"
	}

	parts := []string{}
	rest := a
	for _, n := range attributeNames {
		if a.Contains(n.attr) {
			parts = append(parts, n.name)
			rest = rest.Difference(n.attr)
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}

	return strings.Join(parts, "|")
}
