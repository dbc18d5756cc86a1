package growth

import (
	"context"
	"fmt"

	"tissueseg/internal/models"
	"tissueseg/pkg/treap"
	"tissueseg/pkg/volume"
)

// maxSkinExtent keeps the priority-ordered step budget inside uint32.
const maxSkinExtent = 1000

// SkinParams describes a skin band: its thickness in voxels along each
// axis, the tissue it is written as and the slices it is computed on.
type SkinParams struct {
	IX, IY, IZ int
	Label      models.Label
	Range      models.SliceRange
	Progress   volume.ProgressFunc
}

func (p SkinParams) validate(s *volume.Stack) error {
	if err := s.CheckRange(p.Range); err != nil {
		return err
	}
	for _, v := range []int{p.IX, p.IY, p.IZ} {
		if v < 0 || v > maxSkinExtent {
			return fmt.Errorf("%w: skin extent %d not in [0,%d]", ErrInvalidParameter, v, maxSkinExtent)
		}
	}
	if !s.Tissues().Valid(p.Label) {
		return fmt.Errorf("%w: skin tissue %d", ErrInvalidParameter, p.Label)
	}
	return nil
}

// SkinSimple adds a skin band of p.Label to unassigned voxels lying within
// IX voxels (rows), IY voxels (columns) or IZ slices of any tissue. Rows
// and columns are scanned in both directions per slice in parallel; the
// z band is then swept with a running per-voxel counter. It returns the
// number of voxels turned into skin.
func SkinSimple(ctx context.Context, s *volume.Stack, p SkinParams) (int, error) {
	if err := p.validate(s); err != nil {
		return 0, err
	}
	w, h := s.Width(), s.Height()
	r := p.Range

	marks := newScratch(s, r).acquireAll()
	defer marks.release()

	err := s.ForEachSlice(ctx, r, nil, func(i int) error {
		labels := s.Labels(i)
		mark := marks.get(i)
		for y := 0; y < h; y++ {
			scanLine(labels, mark, y*w, 1, w, p.IX)
		}
		for x := 0; x < w; x++ {
			scanLine(labels, mark, x, w, h, p.IY)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("skin row/column pass: %w", err)
	}

	if p.IZ > 0 {
		area := s.Area()
		counter := make([]int, area)
		// Forward and backward sweeps share the same counting rule.
		sweep := func(first, last, step int) error {
			for j := range counter {
				counter[j] = p.IZ + 1
			}
			for i := first; i != last+step; i += step {
				if err := ctx.Err(); err != nil {
					return err
				}
				labels, mark := s.Labels(i), marks.get(i)
				for j, l := range labels {
					if l != 0 {
						counter[j] = 0
						continue
					}
					if counter[j] <= p.IZ {
						counter[j]++
						if counter[j] <= p.IZ {
							mark[j] = stSkin
						}
					}
				}
			}
			return nil
		}
		if err := sweep(r.Start, r.End, 1); err != nil {
			return 0, err
		}
		if err := sweep(r.End, r.Start, -1); err != nil {
			return 0, err
		}
	}

	n := 0
	for i := r.Start; i <= r.End; i++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		labels, mark := s.Labels(i), marks.get(i)
		changed := false
		for j, m := range mark {
			if m == stSkin && labels[j] == 0 {
				labels[j] = p.Label
				n++
				changed = true
			}
		}
		if changed {
			s.SetMode(i, volume.KindTissue, models.Modified)
		}
		if p.Progress != nil {
			p.Progress(i-r.Start+1, r.Len(), "skin")
		}
	}
	s.Logger().Debug("simple skin added", "voxels", n, "ix", p.IX, "iy", p.IY, "iz", p.IZ)
	return n, nil
}

// scanLine marks, along one line of n voxels starting at off with the given
// stride, the first k unassigned voxels following a tissue voxel in either
// direction.
func scanLine(labels, mark []models.Label, off, stride, n, k int) {
	if k <= 0 {
		return
	}
	dist := k + 1
	for i, idx := 0, off; i < n; i, idx = i+1, idx+stride {
		if labels[idx] != 0 {
			dist = 0
			continue
		}
		if dist < k {
			dist++
			mark[idx] = stSkin
		} else {
			dist = k + 1
		}
	}
	dist = k + 1
	for i, idx := n-1, off+(n-1)*stride; i >= 0; i, idx = i-1, idx-stride {
		if labels[idx] != 0 {
			dist = 0
			continue
		}
		if dist < k {
			dist++
			mark[idx] = stSkin
		} else {
			dist = k + 1
		}
	}
}

// SkinPriority adds a skin band of p.Label outside the tissues, restricted
// to unassigned voxels connected to the border of the slices. Voxels are
// reached in order of an anisotropic step cost: a step along x costs
// (IY+1)(IZ+1), along y (IX+1)(IZ+1) and along z (IX+1)(IY+1), and a voxel
// joins the skin while its cheapest path cost stays below
// (IX+1)(IY+1)(IZ+1). The band is rounder than the one of SkinSimple.
func SkinPriority(ctx context.Context, s *volume.Stack, p SkinParams) (int, error) {
	if err := p.validate(s); err != nil {
		return 0, err
	}
	w, h := s.Width(), s.Height()
	r := p.Range

	state := newScratch(s, r).acquireAll()
	defer state.release()

	markExterior(s, r, state)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ix, iy, iz := uint32(p.IX), uint32(p.IY), uint32(p.IZ)
	subx := (iy + 1) * (iz + 1)
	suby := (ix + 1) * (iz + 1)
	subz := (ix + 1) * (iy + 1)
	budget := (ix + 1) * (iy + 1) * (iz + 1)

	queue := treap.New[struct{}](int64(s.Area()))
	relax := func(q models.Posit, cost uint32) {
		if cost >= budget || state.get(q.Slice)[q.Pos] != stExterior {
			return
		}
		if id, ok := queue.Lookup(q); ok {
			queue.DecreasePriority(id, cost)
			return
		}
		queue.Insert(q, cost, struct{}{})
	}

	// neighbours calls fn for the in-range 6-neighbours of q with their step cost.
	neighbours := func(q models.Posit, fn func(n models.Posit, step uint32)) {
		x, y := q.Pos%w, q.Pos/w
		if x > 0 {
			fn(models.Posit{Pos: q.Pos - 1, Slice: q.Slice}, subx)
		}
		if x < w-1 {
			fn(models.Posit{Pos: q.Pos + 1, Slice: q.Slice}, subx)
		}
		if y > 0 {
			fn(models.Posit{Pos: q.Pos - w, Slice: q.Slice}, suby)
		}
		if y < h-1 {
			fn(models.Posit{Pos: q.Pos + w, Slice: q.Slice}, suby)
		}
		if q.Slice > r.Start {
			fn(models.Posit{Pos: q.Pos, Slice: q.Slice - 1}, subz)
		}
		if q.Slice < r.End {
			fn(models.Posit{Pos: q.Pos, Slice: q.Slice + 1}, subz)
		}
	}

	// Seed the queue with exterior voxels next to tissue.
	for i := r.Start; i <= r.End; i++ {
		labels := s.Labels(i)
		for pos, l := range labels {
			if l == 0 {
				continue
			}
			neighbours(models.Posit{Pos: pos, Slice: i}, func(n models.Posit, step uint32) {
				relax(n, step)
			})
		}
	}

	pops := 0
	for !queue.Empty() {
		if pops++; pops%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		q, cost, _, _ := queue.PopMin()
		state.get(q.Slice)[q.Pos] = stSkin
		neighbours(q, func(n models.Posit, step uint32) {
			relax(n, cost+step)
		})
	}

	n := 0
	for i := r.Start; i <= r.End; i++ {
		labels, st := s.Labels(i), state.get(i)
		changed := false
		for j, v := range st {
			if v == stSkin && labels[j] == 0 {
				labels[j] = p.Label
				n++
				changed = true
			}
		}
		if changed {
			s.SetMode(i, volume.KindTissue, models.Modified)
		}
		if p.Progress != nil {
			p.Progress(i-r.Start+1, r.Len(), "skin")
		}
	}
	s.Logger().Debug("priority skin added", "voxels", n, "ix", p.IX, "iy", p.IY, "iz", p.IZ)
	return n, nil
}

// markExterior flags every unassigned voxel 6-connected to the border of
// a slice in r as stExterior.
func markExterior(s *volume.Stack, r models.SliceRange, state *scratch) {
	w, h := s.Width(), s.Height()
	var stack []models.Posit

	push := func(q models.Posit) {
		st := state.get(q.Slice)
		if st[q.Pos] != stUnseen || s.Labels(q.Slice)[q.Pos] != 0 {
			return
		}
		st[q.Pos] = stExterior
		stack = append(stack, q)
	}

	for i := r.Start; i <= r.End; i++ {
		for x := 0; x < w; x++ {
			push(models.Posit{Pos: x, Slice: i})
			push(models.Posit{Pos: (h-1)*w + x, Slice: i})
		}
		for y := 0; y < h; y++ {
			push(models.Posit{Pos: y * w, Slice: i})
			push(models.Posit{Pos: y*w + w - 1, Slice: i})
		}
	}

	for len(stack) > 0 {
		q := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := q.Pos%w, q.Pos/w
		if x > 0 {
			push(models.Posit{Pos: q.Pos - 1, Slice: q.Slice})
		}
		if x < w-1 {
			push(models.Posit{Pos: q.Pos + 1, Slice: q.Slice})
		}
		if y > 0 {
			push(models.Posit{Pos: q.Pos - w, Slice: q.Slice})
		}
		if y < h-1 {
			push(models.Posit{Pos: q.Pos + w, Slice: q.Slice})
		}
		if q.Slice > r.Start {
			push(models.Posit{Pos: q.Pos, Slice: q.Slice - 1})
		}
		if q.Slice < r.End {
			push(models.Posit{Pos: q.Pos, Slice: q.Slice + 1})
		}
	}
}
