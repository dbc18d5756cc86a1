package growth

import (
	"context"
	"fmt"
	"sync/atomic"

	"tissueseg/internal/models"
	"tissueseg/pkg/volume"
)

// component collects the 4-connected component of voxels satisfying in that
// contains start, marking them in seen. members is reused between calls.
// It also reports whether the component touches the slice border.
func component(w, h, start int, seen []models.Label, in func(i int) bool, members []int) ([]int, bool) {
	members = append(members[:0], start)
	seen[start] = stSeen
	border := false
	for k := 0; k < len(members); k++ {
		i := members[k]
		x, y := i%w, i/w
		if x == 0 || y == 0 || x == w-1 || y == h-1 {
			border = true
		}
		visit := func(j int) {
			if seen[j] == stUnseen && in(j) {
				seen[j] = stSeen
				members = append(members, j)
			}
		}
		if x > 0 {
			visit(i - 1)
		}
		if x < w-1 {
			visit(i + 1)
		}
		if y > 0 {
			visit(i - w)
		}
		if y < h-1 {
			visit(i + w)
		}
	}
	return members, border
}

// RemoveIslands clears, on every slice of r, the 4-connected components of
// tissue id that have fewer than minSize voxels. Slices are processed in
// parallel. A locked tissue is left untouched.
func RemoveIslands(ctx context.Context, s *volume.Stack, r models.SliceRange, id models.Label, minSize int) (int, error) {
	if err := s.CheckRange(r); err != nil {
		return 0, err
	}
	if id == 0 || !s.Tissues().Valid(id) {
		return 0, fmt.Errorf("%w: tissue %d", ErrInvalidParameter, id)
	}
	if minSize <= 1 || s.Tissues().Locked(id) {
		return 0, nil
	}

	w, h := s.Width(), s.Height()
	seen := newScratch(s, r).acquireAll()
	defer seen.release()

	var removed atomic.Int64
	err := s.ForEachSlice(ctx, r, nil, func(i int) error {
		labels, st := s.Labels(i), seen.get(i)
		in := func(j int) bool { return labels[j] == id }
		var members []int
		n := 0
		for j := range labels {
			if st[j] != stUnseen || labels[j] != id {
				continue
			}
			members, _ = component(w, h, j, st, in, members)
			if len(members) < minSize {
				for _, m := range members {
					labels[m] = 0
				}
				n += len(members)
			}
		}
		if n > 0 {
			s.SetMode(i, volume.KindTissue, models.Modified)
			removed.Add(int64(n))
		}
		return nil
	})
	return int(removed.Load()), err
}

// FillHoles assigns tissue id, on every slice of r, to enclosed components
// of unassigned voxels with at most maxSize voxels whose neighbours all
// carry id. Components touching the slice border are never filled.
func FillHoles(ctx context.Context, s *volume.Stack, r models.SliceRange, id models.Label, maxSize int) (int, error) {
	if err := s.CheckRange(r); err != nil {
		return 0, err
	}
	if id == 0 || !s.Tissues().Valid(id) {
		return 0, fmt.Errorf("%w: tissue %d", ErrInvalidParameter, id)
	}
	if maxSize <= 0 {
		return 0, nil
	}

	w, h := s.Width(), s.Height()
	seen := newScratch(s, r).acquireAll()
	defer seen.release()

	var filled atomic.Int64
	err := s.ForEachSlice(ctx, r, nil, func(i int) error {
		labels, st := s.Labels(i), seen.get(i)
		in := func(j int) bool { return labels[j] == 0 }
		var members []int
		n := 0
		for j := range labels {
			if st[j] != stUnseen || labels[j] != 0 {
				continue
			}
			var border bool
			members, border = component(w, h, j, st, in, members)
			if border || len(members) > maxSize || !enclosedBy(w, h, labels, members, id) {
				continue
			}
			for _, m := range members {
				labels[m] = id
			}
			n += len(members)
		}
		if n > 0 {
			s.SetMode(i, volume.KindTissue, models.Modified)
			filled.Add(int64(n))
		}
		return nil
	})
	return int(filled.Load()), err
}

// enclosedBy reports whether every labelled 4-neighbour of members is id.
func enclosedBy(w, h int, labels []models.Label, members []int, id models.Label) bool {
	ok := func(j int) bool {
		l := labels[j]
		return l == 0 || l == id
	}
	for _, i := range members {
		x, y := i%w, i/w
		if (x > 0 && !ok(i-1)) || (x < w-1 && !ok(i+1)) ||
			(y > 0 && !ok(i-w)) || (y < h-1 && !ok(i+w)) {
			return false
		}
	}
	return true
}
