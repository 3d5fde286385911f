// Package manager provides a boot configuration view over the variable
// services: BootOrder, BootNext and the Boot#### load options.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-logr/logr"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/bmcpi/uefivars/internal/firmware/runtime"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
)

// BootAttributes are the attributes of boot variables created by the manager.
const BootAttributes = efi.EfiAttrNonVolatile | efi.EfiAttrBootserviceAccess | efi.EfiAttrRuntimeAccess

// ErrNoFreeBootID is returned when all 65536 Boot#### names are taken.
var ErrNoFreeBootID = errors.New("no free boot option id")

// BootOption is a Boot#### variable with its place in BootOrder.
type BootOption struct {
	ID uint16
	efi.BootEntry
	// Position is the index in BootOrder, or -1 when not listed.
	Position int
}

func (o BootOption) Name() string {
	return efi.BootOptionName(o.ID)
}

// BootManager edits boot configuration through the SetVariable pipeline, so
// attribute and runtime access rules apply to every change.
type BootManager struct {
	svc    *runtime.Services
	logger logr.Logger
}

func NewBootManager(svc *runtime.Services, logger logr.Logger) *BootManager {
	return &BootManager{
		svc:    svc,
		logger: logger.WithName("boot-manager"),
	}
}

func getGlobal(vs *varstore.Varstore, name string) (efi.Variable, error) {
	return vs.Get(name, efi.EfiGlobalVariableGuid)
}

// put writes a global variable, keeping the attributes of an existing one.
func put(vs *varstore.Varstore, name string, data []byte) error {
	attrs := BootAttributes
	if existing, err := getGlobal(vs, name); err == nil {
		attrs = existing.Attributes
	}
	return vs.Set(efi.NewVariableWithAttrs(name, efi.EfiGlobalVariableGuid, data, attrs))
}

// remove deletes a global variable if present.
func remove(vs *varstore.Varstore, name string) error {
	existing, err := getGlobal(vs, name)
	if errors.Is(err, efi.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return vs.Set(efi.NewVariableWithAttrs(name, efi.EfiGlobalVariableGuid, nil, existing.Attributes))
}

func bootOrder(vs *varstore.Varstore) ([]uint16, error) {
	v, err := getGlobal(vs, efi.BootOrderName)
	if err != nil {
		return nil, err
	}
	order, err := efi.ParseBootOrder(v.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", efi.BootOrderName, err)
	}
	return order, nil
}

// writeBootOrder stores order, deleting BootOrder when it is empty.
func writeBootOrder(vs *varstore.Varstore, order []uint16) error {
	if len(order) == 0 {
		return remove(vs, efi.BootOrderName)
	}
	return put(vs, efi.BootOrderName, efi.CreateBootOrderData(order))
}

// bootVariables returns the visible Boot#### variables keyed by id.
func bootVariables(vs *varstore.Varstore) (map[uint16]efi.Variable, error) {
	out := make(map[uint16]efi.Variable)
	var name string
	var guid efi.GUID
	for {
		v, err := vs.GetNext(name, guid)
		if errors.Is(err, varstore.ErrEndReached) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		name, guid = v.Name, v.GUID

		if v.GUID != efi.EfiGlobalVariableGuid {
			continue
		}
		if id, ok := efi.ParseBootOptionName(v.Name); ok {
			out[id] = v
		}
	}
}

// BootOrder returns the ids in BootOrder.
func (m *BootManager) BootOrder(ctx context.Context) ([]uint16, error) {
	var order []uint16
	err := m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		var err error
		order, err = bootOrder(vs)
		return err
	})
	return order, err
}

// SetBootOrder replaces BootOrder. Every id must name an existing boot
// option and appear once.
func (m *BootManager) SetBootOrder(ctx context.Context, order []uint16) error {
	if len(order) == 0 {
		return fmt.Errorf("%w: empty boot order", efi.ErrInvalidParameter)
	}

	return m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		options, err := bootVariables(vs)
		if err != nil {
			return err
		}
		seen := make(map[uint16]bool, len(order))
		for _, id := range order {
			if _, ok := options[id]; !ok {
				return fmt.Errorf("%w: %s", efi.ErrNotFound, efi.BootOptionName(id))
			}
			if seen[id] {
				return fmt.Errorf("%w: %s listed twice", efi.ErrInvalidParameter, efi.BootOptionName(id))
			}
			seen[id] = true
		}

		m.logger.V(1).Info("setting boot order", "order", order)
		return writeBootOrder(vs, order)
	})
}

// BootNext returns the one-shot boot option.
func (m *BootManager) BootNext(ctx context.Context) (uint16, error) {
	var id uint16
	err := m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		v, err := getGlobal(vs, efi.BootNextName)
		if err != nil {
			return err
		}
		if len(v.Data) != 2 {
			return fmt.Errorf("invalid %s data length %d", efi.BootNextName, len(v.Data))
		}
		id = uint16(v.Data[0]) | uint16(v.Data[1])<<8
		return nil
	})
	return id, err
}

// SetBootNext selects the boot option used on the next boot only.
func (m *BootManager) SetBootNext(ctx context.Context, id uint16) error {
	return m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		if _, err := getGlobal(vs, efi.BootOptionName(id)); err != nil {
			return err
		}
		m.logger.V(1).Info("setting boot next", "id", efi.BootOptionName(id))
		return put(vs, efi.BootNextName, efi.CreateBootOrderData([]uint16{id}))
	})
}

// ClearBootNext deletes BootNext. It succeeds when BootNext is not set.
func (m *BootManager) ClearBootNext(ctx context.Context) error {
	return m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		return remove(vs, efi.BootNextName)
	})
}

// BootEntries returns the decodable boot options ordered by id. Options
// that fail to decode are logged and skipped.
func (m *BootManager) BootEntries(ctx context.Context) ([]BootOption, error) {
	var options []BootOption
	err := m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		vars, err := bootVariables(vs)
		if err != nil {
			return err
		}
		order, err := bootOrder(vs)
		if err != nil && !errors.Is(err, efi.ErrNotFound) {
			return err
		}

		for id, v := range vars {
			entry, err := efi.ParseBootEntry(v.Data)
			if err != nil {
				m.logger.Info("skipping invalid boot entry", "name", v.Name, "error", err.Error())
				continue
			}
			options = append(options, BootOption{
				ID:        id,
				BootEntry: *entry,
				Position:  slices.Index(order, id),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(options, func(a, b BootOption) int { return int(a.ID) - int(b.ID) })
	return options, nil
}

// AddBootEntry stores entry under the lowest free Boot#### name and appends
// it to BootOrder. It returns the allocated id.
func (m *BootManager) AddBootEntry(ctx context.Context, entry efi.BootEntry) (uint16, error) {
	data, err := entry.ToBytes()
	if err != nil {
		return 0, err
	}

	var id uint16
	err = m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		var err error
		id, err = freeBootID(vs)
		if err != nil {
			return err
		}
		order, err := bootOrder(vs)
		if err != nil && !errors.Is(err, efi.ErrNotFound) {
			return err
		}

		name := efi.BootOptionName(id)
		if err := vs.Set(efi.NewVariableWithAttrs(name, efi.EfiGlobalVariableGuid, data, BootAttributes)); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		if err := writeBootOrder(vs, append(order, id)); err != nil {
			if rerr := remove(vs, name); rerr != nil {
				m.logger.Error(rerr, "failed to roll back boot entry", "name", name)
			}
			return fmt.Errorf("failed to update %s: %w", efi.BootOrderName, err)
		}

		m.logger.Info("added boot entry", "name", name, "description", entry.Description)
		return nil
	})
	return id, err
}

// freeBootID returns the lowest id with no Boot#### variable. Variables
// hidden after ExitBootServices still own their names.
func freeBootID(vs *varstore.Varstore) (uint16, error) {
	taken := make(map[uint16]bool)
	for _, v := range vs.Variables() {
		if v.GUID != efi.EfiGlobalVariableGuid {
			continue
		}
		if id, ok := efi.ParseBootOptionName(v.Name); ok {
			taken[id] = true
		}
	}
	for id := range 1 << 16 {
		if !taken[uint16(id)] {
			return uint16(id), nil
		}
	}
	return 0, ErrNoFreeBootID
}

// DeleteBootEntry deletes Boot#### and removes it from BootOrder and BootNext.
func (m *BootManager) DeleteBootEntry(ctx context.Context, id uint16) error {
	name := efi.BootOptionName(id)
	return m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		if _, err := getGlobal(vs, name); err != nil {
			return err
		}
		if err := remove(vs, name); err != nil {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}

		order, err := bootOrder(vs)
		switch {
		case errors.Is(err, efi.ErrNotFound):
		case err != nil:
			return err
		case slices.Contains(order, id):
			order = slices.DeleteFunc(order, func(o uint16) bool { return o == id })
			if err := writeBootOrder(vs, order); err != nil {
				return fmt.Errorf("failed to update %s: %w", efi.BootOrderName, err)
			}
		}

		if next, err := getGlobal(vs, efi.BootNextName); err == nil && slices.Equal(next.Data, efi.CreateBootOrderData([]uint16{id})) {
			if err := remove(vs, efi.BootNextName); err != nil {
				return fmt.Errorf("failed to clear %s: %w", efi.BootNextName, err)
			}
		}

		m.logger.Info("deleted boot entry", "name", name)
		return nil
	})
}

// SetBootEntryActive sets or clears LOAD_OPTION_ACTIVE on Boot####.
func (m *BootManager) SetBootEntryActive(ctx context.Context, id uint16, active bool) error {
	name := efi.BootOptionName(id)
	return m.svc.Locked(ctx, func(vs *varstore.Varstore) error {
		v, err := getGlobal(vs, name)
		if err != nil {
			return err
		}
		entry, err := efi.ParseBootEntry(v.Data)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", name, err)
		}
		if entry.Active == active {
			return nil
		}
		entry.Active = active
		data, err := entry.ToBytes()
		if err != nil {
			return err
		}
		return put(vs, name, data)
	})
}
