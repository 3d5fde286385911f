package efi

import (
	"bytes"
	"fmt"
)

// VariableKey is the identity of a variable: at most one live record exists
// per (name, namespace) pair.
type VariableKey struct {
	Name string
	GUID GUID
}

func (k VariableKey) String() string {
	return fmt.Sprintf("%s-%s", k.GUID, k.Name)
}

// Variable is a named, namespaced, attribute-tagged UEFI variable.
type Variable struct {
	Name       string
	GUID       GUID
	Data       []byte
	Attributes Attributes
}

// NewVariable builds a variable with the attributes most variables carry:
// non-volatile and readable during boot services.
func NewVariable(name string, guid GUID, data []byte) Variable {
	return NewVariableWithAttrs(name, guid, data, EfiAttrNonVolatile|EfiAttrBootserviceAccess)
}

func NewVariableWithAttrs(name string, guid GUID, data []byte, attrs Attributes) Variable {
	return Variable{
		Name:       name,
		GUID:       guid,
		Data:       bytes.Clone(data),
		Attributes: attrs,
	}
}

func (v Variable) Key() VariableKey {
	return VariableKey{Name: v.Name, GUID: v.GUID}
}

// Clone returns a copy that shares no memory with v.
func (v Variable) Clone() Variable {
	v.Data = bytes.Clone(v.Data)
	return v
}

// NameSize is the length of the UCS-2 encoded name without its terminator.
func (v Variable) NameSize() int {
	return UCS16Size(v.Name) - 2
}

func (v Variable) String() string {
	return fmt.Sprintf("%s attrs=%s size=%d", v.Key(), v.Attributes, len(v.Data))
}
