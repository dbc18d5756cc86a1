// Package growth implements the region growing operations of the
// segmentation engine: thresholded flood fill in 2D and 3D, connected
// tissue add/subtract, skin band generation and per-slice island and hole
// cleanup.
//
// Every write into a label layer honours tissue locks: a voxel whose
// current label is a locked tissue is silently left alone.
package growth

import (
	"errors"
	"fmt"

	"tissueseg/internal/models"
	"tissueseg/pkg/pool"
	"tissueseg/pkg/tissue"
	"tissueseg/pkg/volume"
)

// ErrInvalidParameter is returned for out-of-range operation parameters.
var ErrInvalidParameter = errors.New("invalid parameter")

// Per-voxel traversal states kept in scratch label buffers.
const (
	stUnseen models.Label = iota
	stSeen
	stExterior
	stSkin
)

// scratch holds one pooled state buffer per slice of a range. Buffers are
// acquired lazily on the calling goroutine.
type scratch struct {
	pool  *pool.Pool[models.Label]
	start int
	bufs  []*pool.Handle[models.Label]
}

func newScratch(s *volume.Stack, r models.SliceRange) *scratch {
	return &scratch{
		pool:  s.LabelPool(),
		start: r.Start,
		bufs:  make([]*pool.Handle[models.Label], r.Len()),
	}
}

// acquireAll fetches every buffer up front so that parallel loops never
// touch the pool.
func (sc *scratch) acquireAll() *scratch {
	for i := range sc.bufs {
		sc.get(sc.start + i)
	}
	return sc
}

func (sc *scratch) get(slice int) []models.Label {
	k := slice - sc.start
	if sc.bufs[k] == nil {
		sc.bufs[k] = sc.pool.AcquireZeroed()
	}
	return sc.bufs[k].Data()
}

func (sc *scratch) release() {
	for _, h := range sc.bufs {
		h.Release()
	}
}

// flood runs an explicit-stack depth-first traversal from seed. admit is
// asked once per voxel whether the traversal may enter it; visit is called
// for every entered voxel, seed included. The seed is always entered.
func flood(s *volume.Stack, r models.SliceRange, seed models.Posit, threeD bool,
	admit func(p models.Posit) bool, visit func(p models.Posit)) int {

	w, h := s.Width(), s.Height()
	sc := newScratch(s, r)
	defer sc.release()

	stack := []models.Posit{seed}
	sc.get(seed.Slice)[seed.Pos] = stSeen
	n := 0

	try := func(p models.Posit) {
		st := sc.get(p.Slice)
		if st[p.Pos] != stUnseen {
			return
		}
		st[p.Pos] = stSeen
		if admit(p) {
			stack = append(stack, p)
		}
	}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(p)
		n++

		x, y := p.Pos%w, p.Pos/w
		if x > 0 {
			try(models.Posit{Pos: p.Pos - 1, Slice: p.Slice})
		}
		if x < w-1 {
			try(models.Posit{Pos: p.Pos + 1, Slice: p.Slice})
		}
		if y > 0 {
			try(models.Posit{Pos: p.Pos - w, Slice: p.Slice})
		}
		if y < h-1 {
			try(models.Posit{Pos: p.Pos + w, Slice: p.Slice})
		}
		if threeD {
			if p.Slice > r.Start {
				try(models.Posit{Pos: p.Pos, Slice: p.Slice - 1})
			}
			if p.Slice < r.End {
				try(models.Posit{Pos: p.Pos, Slice: p.Slice + 1})
			}
		}
	}
	return n
}

func checkSeed(s *volume.Stack, r models.SliceRange, seed models.Posit) error {
	if err := s.CheckRange(r); err != nil {
		return err
	}
	if !r.Contains(seed.Slice) {
		return fmt.Errorf("%w: seed slice %d outside %d..%d", ErrInvalidParameter, seed.Slice, r.Start, r.End)
	}
	if seed.Pos < 0 || seed.Pos >= s.Area() {
		return fmt.Errorf("%w: seed position %d", volume.ErrPointOutOfRange, seed.Pos)
	}
	return nil
}

// RegionGrow fills the 4-connected region around seed on one slice whose
// source values lie in [low, high], writing fill into the work buffer.
// It returns the number of filled voxels; a seed outside the interval
// fills nothing.
func RegionGrow(s *volume.Stack, slice int, seed models.Point, low, high, fill float32) (int, error) {
	if err := s.CheckSlice(slice); err != nil {
		return 0, err
	}
	if err := s.CheckPoint(seed); err != nil {
		return 0, err
	}
	r := models.SliceRange{Start: slice, End: slice}
	return regionGrow(s, r, models.Posit{Pos: seed.Index(s.Width()), Slice: slice}, false, low, high, fill)
}

// RegionGrow3D is RegionGrow with 6-connectivity across the slices of r.
func RegionGrow3D(s *volume.Stack, r models.SliceRange, seed models.Posit, low, high, fill float32) (int, error) {
	if err := checkSeed(s, r, seed); err != nil {
		return 0, err
	}
	return regionGrow(s, r, seed, true, low, high, fill)
}

func regionGrow(s *volume.Stack, r models.SliceRange, seed models.Posit, threeD bool, low, high, fill float32) (int, error) {
	if low > high {
		return 0, fmt.Errorf("%w: low %v above high %v", ErrInvalidParameter, low, high)
	}
	inRange := func(p models.Posit) bool {
		v := s.Source(p.Slice)[p.Pos]
		return v >= low && v <= high
	}
	if !inRange(seed) {
		return 0, nil
	}

	touched := make(map[int]bool)
	n := flood(s, r, seed, threeD, inRange, func(p models.Posit) {
		s.Work(p.Slice)[p.Pos] = fill
		touched[p.Slice] = true
	})
	for i := range touched {
		s.SetMode(i, volume.KindWork, models.Modified)
	}
	s.Logger().Debug("region grown", "seed", seed, "voxels", n, "threeD", threeD)
	return n, nil
}

// AddConnected assigns tissue id to the 6-connected region around seed
// within r. The region consists of voxels sharing the seed's work value
// whose label may be written: unassigned voxels, voxels already carrying
// id, and with override any voxel whose tissue is not locked. The seed
// itself may replace any unlocked label.
func AddConnected(s *volume.Stack, r models.SliceRange, seed models.Posit, id models.Label, override bool) (int, error) {
	if err := checkSeed(s, r, seed); err != nil {
		return 0, err
	}
	if !s.Tissues().Valid(id) {
		return 0, fmt.Errorf("%w: %d", tissue.ErrTissueNotFound, id)
	}
	locked := s.Tissues().LockMask()
	if lockedLabel(locked, s.Labels(seed.Slice)[seed.Pos]) {
		return 0, nil
	}

	value := s.Work(seed.Slice)[seed.Pos]
	admit := func(p models.Posit) bool {
		if s.Work(p.Slice)[p.Pos] != value {
			return false
		}
		l := s.Labels(p.Slice)[p.Pos]
		switch {
		case l == 0 || l == id:
			return true
		case override:
			return !lockedLabel(locked, l)
		default:
			return false
		}
	}

	touched := make(map[int]bool)
	n := flood(s, r, seed, true, admit, func(p models.Posit) {
		s.Labels(p.Slice)[p.Pos] = id
		touched[p.Slice] = true
	})
	for i := range touched {
		s.SetMode(i, volume.KindTissue, models.Modified)
	}
	s.Logger().Debug("tissue added", "tissue", id, "seed", seed, "voxels", n, "override", override)
	return n, nil
}

// SubtractConnected clears the 6-connected region of tissue id around seed
// within r. Nothing happens when the seed is not labelled id or id is locked.
func SubtractConnected(s *volume.Stack, r models.SliceRange, seed models.Posit, id models.Label) (int, error) {
	if err := checkSeed(s, r, seed); err != nil {
		return 0, err
	}
	if s.Labels(seed.Slice)[seed.Pos] != id || id == 0 || s.Tissues().Locked(id) {
		return 0, nil
	}

	touched := make(map[int]bool)
	n := flood(s, r, seed, true, func(p models.Posit) bool {
		return s.Labels(p.Slice)[p.Pos] == id
	}, func(p models.Posit) {
		s.Labels(p.Slice)[p.Pos] = 0
		touched[p.Slice] = true
	})
	for i := range touched {
		s.SetMode(i, volume.KindTissue, models.Modified)
	}
	s.Logger().Debug("tissue subtracted", "tissue", id, "seed", seed, "voxels", n)
	return n, nil
}

func lockedLabel(mask []bool, l models.Label) bool {
	return int(l) < len(mask) && mask[l]
}
