// Package varstore implements the in-memory UEFI variable store: lookup,
// ordered enumeration and the SetVariable validation pipeline, including the
// one-way transition out of boot services.
//
// A Varstore performs no locking. Callers serialize access to it, see the
// runtime package.
package varstore

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
)

const (
	DefaultMaxNameLength = 10000
	DefaultMaxDataLength = 50000
)

// Enumeration outcomes of GetNext besides a found variable.
var (
	// ErrEndReached means the cursor named the last visible variable.
	ErrEndReached = errors.New("end of variable list reached")
	// ErrInvalidCursor means the cursor does not name a variable in the store.
	// Retrying with the same cursor will fail the same way.
	ErrInvalidCursor = errors.New("variable cursor not found")
)

// Varstore maps variable identities to their content and attributes.
type Varstore struct {
	variables map[efi.VariableKey]*efi.Variable
	// order holds identities in enumeration order; index maps back into it.
	order []efi.VariableKey
	index map[efi.VariableKey]int

	bootservicesExited bool

	maxNameLength int
	maxDataLength int
}

type Option func(*Varstore)

// WithLimits sets the name and data ceilings. The name limit is in bytes of
// the UCS-2 encoded name, terminator excluded.
func WithLimits(maxName, maxData int) Option {
	return func(vs *Varstore) {
		vs.maxNameLength = maxName
		vs.maxDataLength = maxData
	}
}

// New returns an empty store.
func New(opts ...Option) *Varstore {
	vs := &Varstore{
		variables:     make(map[efi.VariableKey]*efi.Variable),
		index:         make(map[efi.VariableKey]int),
		maxNameLength: DefaultMaxNameLength,
		maxDataLength: DefaultMaxDataLength,
	}
	for _, opt := range opts {
		opt(vs)
	}
	return vs
}

func (vs *Varstore) MaxNameLength() int { return vs.maxNameLength }

func (vs *Varstore) MaxDataLength() int { return vs.maxDataLength }

// ExitBootServices switches the store to runtime semantics. It cannot be undone.
func (vs *Varstore) ExitBootServices() {
	vs.bootservicesExited = true
}

func (vs *Varstore) BootServicesExited() bool {
	return vs.bootservicesExited
}

// Len returns the number of stored variables, including ones hidden after
// boot services exit.
func (vs *Varstore) Len() int {
	return len(vs.order)
}

// Variables returns a copy of every stored variable in enumeration order,
// regardless of visibility.
func (vs *Varstore) Variables() []efi.Variable {
	out := make([]efi.Variable, 0, len(vs.order))
	for _, key := range vs.order {
		out = append(out, vs.variables[key].Clone())
	}
	return out
}

// visible reports whether v may be observed in the current phase.
func (vs *Varstore) visible(v *efi.Variable) bool {
	return !vs.bootservicesExited || v.Attributes.Contains(efi.EfiAttrRuntimeAccess)
}

// Get returns a copy of the variable with the given identity.
func (vs *Varstore) Get(name string, guid efi.GUID) (efi.Variable, error) {
	if name == "" {
		return efi.Variable{}, fmt.Errorf("%w: empty variable name", efi.ErrNotFound)
	}

	key := efi.VariableKey{Name: name, GUID: guid}
	v, ok := vs.variables[key]
	if !ok || !vs.visible(v) {
		return efi.Variable{}, fmt.Errorf("%w: %s", efi.ErrNotFound, key)
	}
	return v.Clone(), nil
}

// GetNext returns the variable following (name, guid) in enumeration order.
// An empty name starts from the beginning. It returns ErrEndReached after the
// last variable and ErrInvalidCursor when the cursor is not in the store.
func (vs *Varstore) GetNext(name string, guid efi.GUID) (efi.Variable, error) {
	start := 0
	if name != "" {
		key := efi.VariableKey{Name: name, GUID: guid}
		i, ok := vs.index[key]
		if !ok || !vs.visible(vs.variables[key]) {
			return efi.Variable{}, fmt.Errorf("%w: %s", ErrInvalidCursor, key)
		}
		start = i + 1
	}

	for _, key := range vs.order[start:] {
		if v := vs.variables[key]; vs.visible(v) {
			return v.Clone(), nil
		}
	}
	return efi.Variable{}, ErrEndReached
}

// validate runs the checks that depend only on the incoming variable.
func (vs *Varstore) validate(v *efi.Variable) error {
	attrs := v.Attributes

	switch {
	case v.Name == "":
		return fmt.Errorf("%w: empty variable name", efi.ErrInvalidParameter)
	case v.NameSize() > vs.maxNameLength:
		return fmt.Errorf("%w: name length %d exceeds %d", efi.ErrInvalidParameter, v.NameSize(), vs.maxNameLength)
	case len(v.Data) > vs.maxDataLength:
		return fmt.Errorf("%w: data length %d exceeds %d", efi.ErrInvalidParameter, len(v.Data), vs.maxDataLength)
	case attrs.Contains(efi.EfiAttrHardwareErrorRecord):
		return fmt.Errorf("%w: hardware error records are not supported", efi.ErrInvalidParameter)
	case attrs.Contains(efi.EfiAttrAuthenticatedWriteAccess):
		return fmt.Errorf("%w: authenticated write access", efi.ErrUnsupported)
	case attrs.Contains(efi.EfiAttrTimeBasedAuthenticatedWriteAccess | efi.EfiAttrEnhancedAuthenticatedAccess):
		return fmt.Errorf("%w: time based and enhanced authentication are exclusive", efi.ErrSecurityViolation)
	case attrs.Contains(efi.EfiAttrEnhancedAuthenticatedAccess):
		return fmt.Errorf("%w: enhanced authenticated access", efi.ErrUnsupported)
	case attrs.Contains(efi.EfiAttrTimeBasedAuthenticatedWriteAccess):
		return fmt.Errorf("%w: time based authenticated write access", efi.ErrUnsupported)
	case attrs.Contains(efi.EfiAttrRuntimeAccess) && !attrs.Contains(efi.EfiAttrBootserviceAccess):
		return fmt.Errorf("%w: runtime access requires boot service access", efi.ErrInvalidParameter)
	}
	return nil
}

// Set creates, overwrites, appends to or deletes a variable. Either the whole
// change is applied or the store is left untouched and an error wrapping one
// of the efi error values is returned.
//
// A write with APPEND_WRITE concatenates onto the existing data; an empty
// write without it deletes an existing variable.
func (vs *Varstore) Set(v efi.Variable) error {
	if err := vs.validate(&v); err != nil {
		return err
	}

	appendWrite := v.Attributes.Contains(efi.EfiAttrAppendWrite)
	attrs := v.Attributes.Difference(efi.EfiAttrAppendWrite)
	key := v.Key()

	existing, ok := vs.variables[key]
	if !ok {
		vs.insert(efi.NewVariableWithAttrs(v.Name, v.GUID, v.Data, attrs))
		return nil
	}

	if existing.Attributes != attrs {
		return fmt.Errorf("%w: attributes of %s are %s, not %s", efi.ErrInvalidParameter, key, existing.Attributes, attrs)
	}
	if vs.bootservicesExited && !attrs.Contains(efi.EfiAttrRuntimeAccess) {
		return fmt.Errorf("%w: %s is not accessible at runtime", efi.ErrInvalidParameter, key)
	}

	switch {
	case appendWrite:
		if len(v.Data) == 0 {
			return nil
		}
		if len(existing.Data)+len(v.Data) > vs.maxDataLength {
			return fmt.Errorf("%w: appended length %d exceeds %d", efi.ErrInvalidParameter, len(existing.Data)+len(v.Data), vs.maxDataLength)
		}
		existing.Data = append(slices.Clip(existing.Data), v.Data...)
	case len(v.Data) == 0:
		vs.remove(key)
	default:
		existing.Data = slices.Clone(v.Data)
	}
	return nil
}

// VariableInfo mirrors the QueryVariableInfo output parameters.
type VariableInfo struct {
	MaximumVariableStorageSize   uint64
	RemainingVariableStorageSize uint64
	MaximumVariableSize          uint64
}

// QueryVariableInfo is not implemented for the in-memory store.
func (vs *Varstore) QueryVariableInfo(efi.Attributes) (VariableInfo, error) {
	return VariableInfo{}, fmt.Errorf("%w: query variable info", efi.ErrUnsupported)
}

// Load bulk-inserts persisted variables, for example the active records of a
// decoded firmware image. The SetVariable pipeline is bypassed so that
// authenticated variables are preserved as they were stored. A later record
// replaces an earlier one with the same identity in place.
func (vs *Varstore) Load(vars ...efi.Variable) {
	for _, v := range vars {
		v = v.Clone()
		v.Attributes = v.Attributes.Difference(efi.EfiAttrAppendWrite)
		if existing, ok := vs.variables[v.Key()]; ok {
			*existing = v
			continue
		}
		vs.insert(v)
	}
}

func (vs *Varstore) insert(v efi.Variable) {
	key := v.Key()
	if existing, ok := vs.variables[key]; ok {
		*existing = v
		return
	}
	vs.variables[key] = &v
	vs.index[key] = len(vs.order)
	vs.order = append(vs.order, key)
}

func (vs *Varstore) remove(key efi.VariableKey) {
	i, ok := vs.index[key]
	if !ok {
		return
	}
	delete(vs.variables, key)
	delete(vs.index, key)
	vs.order = slices.Delete(vs.order, i, i+1)
	for j := i; j < len(vs.order); j++ {
		vs.index[vs.order[j]] = j
	}
}
