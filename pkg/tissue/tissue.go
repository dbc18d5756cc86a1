// Package tissue holds the table of named, coloured and lockable tissue
// classes referenced by the label layers of a volume stack.
//
// Tissue ids start at 1; id 0 is reserved for unassigned voxels and is never
// stored in the table.
package tissue

import (
	"errors"
	"fmt"
	"sync"

	"tissueseg/internal/models"
)

var (
	// ErrTissueNotFound is returned for ids outside 1..Count.
	ErrTissueNotFound = errors.New("tissue not found")

	// ErrTooManyTissues is returned when the table is full.
	ErrTooManyTissues = errors.New("too many tissues")

	// ErrDuplicateName is returned when a tissue name is already in use.
	ErrDuplicateName = errors.New("duplicate tissue name")
)

// Color is an RGB colour with components in [0,1].
type Color struct {
	R, G, B float32
}

// Info describes one tissue class.
type Info struct {
	Name    string
	Color   Color
	Opacity float32
	Locked  bool
}

// RemapTable maps old label values to new ones; index is the old label.
type RemapTable []models.Label

// Apply rewrites buf in place. Labels beyond the table map to 0.
func (m RemapTable) Apply(buf []models.Label) {
	for i, l := range buf {
		if int(l) < len(m) {
			buf[i] = m[l]
		} else {
			buf[i] = 0
		}
	}
}

// Identity reports whether the table leaves every label unchanged.
func (m RemapTable) Identity() bool {
	for i, l := range m {
		if int(l) != i {
			return false
		}
	}
	return true
}

// Table is the tissue table shared by all slices of a stack.
// It is safe for concurrent use; writers are expected on one goroutine.
type Table struct {
	mu    sync.RWMutex
	infos []Info // infos[i] describes label i+1
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Count returns the number of tissues.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.infos)
}

// Add appends a tissue and returns its id.
func (t *Table) Add(info Info) (models.Label, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.infos) >= int(models.MaxLabel) {
		return 0, ErrTooManyTissues
	}
	for _, in := range t.infos {
		if in.Name == info.Name {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateName, info.Name)
		}
	}
	if info.Opacity == 0 {
		info.Opacity = 0.5
	}
	t.infos = append(t.infos, info)
	return models.Label(len(t.infos)), nil
}

// Info returns the description of tissue id.
func (t *Table) Info(id models.Label) (Info, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.validLocked(id) {
		return Info{}, fmt.Errorf("%w: %d", ErrTissueNotFound, id)
	}
	return t.infos[id-1], nil
}

// SetInfo replaces the description of tissue id.
func (t *Table) SetInfo(id models.Label, info Info) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(id) {
		return fmt.Errorf("%w: %d", ErrTissueNotFound, id)
	}
	t.infos[id-1] = info
	return nil
}

// Find returns the id of the tissue called name.
func (t *Table) Find(name string) (models.Label, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, in := range t.infos {
		if in.Name == name {
			return models.Label(i + 1), true
		}
	}
	return 0, false
}

// Valid reports whether id names a tissue in the table.
func (t *Table) Valid(id models.Label) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validLocked(id)
}

func (t *Table) validLocked(id models.Label) bool {
	return id >= 1 && int(id) <= len(t.infos)
}

// SetLocked changes the lock flag of tissue id.
func (t *Table) SetLocked(id models.Label, locked bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(id) {
		return fmt.Errorf("%w: %d", ErrTissueNotFound, id)
	}
	t.infos[id-1].Locked = locked
	return nil
}

// SetAllLocked locks or unlocks every tissue.
func (t *Table) SetAllLocked(locked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.infos {
		t.infos[i].Locked = locked
	}
}

// Locked reports whether label l is a locked tissue. Label 0 is never locked.
func (t *Table) Locked(l models.Label) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validLocked(l) && t.infos[l-1].Locked
}

// LockMask returns a snapshot of the lock flags indexed by label, for use
// inside parallel loops that must not touch the table.
func (t *Table) LockMask() []bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mask := make([]bool, len(t.infos)+1)
	for i, in := range t.infos {
		mask[i+1] = in.Locked
	}
	return mask
}

// Remove deletes tissue id and returns the remap table that compacts label
// layers: id maps to 0 and every later id moves down by one.
func (t *Table) Remove(id models.Label) (RemapTable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(id) {
		return nil, fmt.Errorf("%w: %d", ErrTissueNotFound, id)
	}

	remap := make(RemapTable, len(t.infos)+1)
	for l := range remap {
		switch {
		case l < int(id):
			remap[l] = models.Label(l)
		case l == int(id):
			remap[l] = 0
		default:
			remap[l] = models.Label(l - 1)
		}
	}
	t.infos = append(t.infos[:id-1], t.infos[id:]...)
	return remap, nil
}

// RemoveMany deletes several tissues at once and returns a single remap table.
func (t *Table) RemoveMany(ids []models.Label) (RemapTable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	drop := make([]bool, len(t.infos)+1)
	for _, id := range ids {
		if !t.validLocked(id) {
			return nil, fmt.Errorf("%w: %d", ErrTissueNotFound, id)
		}
		drop[id] = true
	}

	remap := make(RemapTable, len(t.infos)+1)
	kept := t.infos[:0]
	next := models.Label(1)
	for l := 1; l < len(remap); l++ {
		if drop[l] {
			continue
		}
		remap[l] = next
		next++
		kept = append(kept, t.infos[l-1])
	}
	t.infos = kept
	return remap, nil
}

// Clear removes every tissue.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.infos = nil
}

// Snapshot returns a copy of all tissue descriptions in id order.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, len(t.infos))
	copy(out, t.infos)
	return out
}

// Replace swaps the table contents for infos.
func (t *Table) Replace(infos []Info) error {
	if len(infos) > int(models.MaxLabel) {
		return ErrTooManyTissues
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.infos = append([]Info(nil), infos...)
	return nil
}
