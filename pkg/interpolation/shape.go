package interpolation

import (
	"fmt"

	"tissueseg/internal/models"
	"tissueseg/pkg/pool"
	"tissueseg/pkg/tissue"
	"tissueseg/pkg/volume"
)

// InterpolateTissue interpolates tissue id between slices s1 and s2 of the
// active label layer. The signed distance fields of the tissue on both
// boundary slices are blended linearly per in-between slice; voxels where
// the blend is positive get id, former id voxels elsewhere are cleared.
// It returns the number of changed voxels.
func InterpolateTissue(s *volume.Stack, s1, s2 int, id models.Label, opts Options) (int, error) {
	ok, err := checkGap(s, s1, s2)
	if !ok || err != nil {
		return 0, err
	}
	if id == 0 || !s.Tissues().Valid(id) {
		return 0, fmt.Errorf("%w: %d", tissue.ErrTissueNotFound, id)
	}

	w, h := s.Width(), s.Height()
	fp := s.FloatPool()
	h1, h2, hs := fp.Acquire(), fp.Acquire(), fp.Acquire()
	defer h1.Release()
	defer h2.Release()
	defer hs.Release()
	d1, d2 := h1.Data(), h2.Data()

	l1, l2 := s.Labels(s1), s.Labels(s2)
	SignedDistance(opts.Method, w, h, func(i int) bool { return l1[i] == id }, d1, hs.Data())
	SignedDistance(opts.Method, w, h, func(i int) bool { return l2[i] == id }, d2, hs.Data())

	locked := s.Tissues().LockMask()
	gap := float32(s2 - s1)
	total := s2 - s1 - 1
	n := 0
	for j := s1 + 1; j < s2; j++ {
		t := float32(j-s1) / gap
		labels := s.Labels(j)
		for i, l := range labels {
			if isLocked(locked, l) {
				continue
			}
			inside := (1-t)*d1[i]+t*d2[i] > 0
			switch {
			case inside && l != id:
				labels[i] = id
				n++
			case !inside && l == id:
				labels[i] = 0
				n++
			}
		}
		s.SetMode(j, volume.KindTissue, models.Computed)
		opts.report(j-s1, total, "tissue interpolation")
	}
	s.Logger().Debug("tissue interpolated", "tissue", id, "from", s1, "to", s2, "changed", n)
	return n, nil
}

// InterpolateLabels interpolates every label of the active layer between
// slices s1 and s2. A voxel labelled a on s1 and b on s2 switches from a to
// b at the fraction da/(da+db) of the gap, where da is its depth inside the
// region of a on s1 and db its depth inside the region of b on s2.
func InterpolateLabels(s *volume.Stack, s1, s2 int, opts Options) (int, error) {
	ok, err := checkGap(s, s1, s2)
	if !ok || err != nil {
		return 0, err
	}

	w, h := s.Width(), s.Height()
	fp := s.FloatPool()
	transform := distanceFunc(opts.Method)
	var handles []*pool.Handle[float32]
	defer func() {
		for _, hd := range handles {
			hd.Release()
		}
	}()

	// depth returns, per voxel, the distance to the nearest voxel of the
	// slice not labelled l.
	depth := func(labels []models.Label, l models.Label, cache map[models.Label][]float32) []float32 {
		if d, ok := cache[l]; ok {
			return d
		}
		hd := fp.Acquire()
		handles = append(handles, hd)
		transform(w, h, func(i int) bool { return labels[i] != l }, hd.Data())
		cache[l] = hd.Data()
		return hd.Data()
	}

	l1, l2 := s.Labels(s1), s.Labels(s2)
	depth1 := make(map[models.Label][]float32)
	depth2 := make(map[models.Label][]float32)

	ht := fp.Acquire()
	handles = append(handles, ht)
	cross := ht.Data()
	for i := range cross {
		a, b := l1[i], l2[i]
		if a == b {
			cross[i] = 2
			continue
		}
		da := depth(l1, a, depth1)[i]
		db := depth(l2, b, depth2)[i]
		cross[i] = da / (da + db)
	}

	locked := s.Tissues().LockMask()
	gap := float32(s2 - s1)
	total := s2 - s1 - 1
	n := 0
	for j := s1 + 1; j < s2; j++ {
		t := float32(j-s1) / gap
		labels := s.Labels(j)
		for i, l := range labels {
			if isLocked(locked, l) {
				continue
			}
			want := l2[i]
			if t < cross[i] {
				want = l1[i]
			}
			if want != l {
				labels[i] = want
				n++
			}
		}
		s.SetMode(j, volume.KindTissue, models.Computed)
		opts.report(j-s1, total, "label interpolation")
	}
	s.Logger().Debug("labels interpolated", "from", s1, "to", s2, "changed", n,
		"regions", len(depth1)+len(depth2))
	return n, nil
}

// InterpolateWork fills the work buffers between slices s1 and s2. The
// regions at or above threshold on both boundary slices define signed
// distance fields; each voxel copies its s1 value up to the fraction of the
// gap where the blended field changes sign, and its s2 value after it.
// Voxels on the same side on both slices switch at mid-gap.
func InterpolateWork(s *volume.Stack, s1, s2 int, threshold float32, opts Options) error {
	ok, err := checkGap(s, s1, s2)
	if !ok || err != nil {
		return err
	}

	w, h := s.Width(), s.Height()
	fp := s.FloatPool()
	h1, h2, hs := fp.Acquire(), fp.Acquire(), fp.Acquire()
	defer h1.Release()
	defer h2.Release()
	defer hs.Release()
	d1, d2, cross := h1.Data(), h2.Data(), hs.Data()

	w1, w2 := s.Work(s1), s.Work(s2)
	SignedDistance(opts.Method, w, h, func(i int) bool { return w1[i] >= threshold }, d1, cross)
	SignedDistance(opts.Method, w, h, func(i int) bool { return w2[i] >= threshold }, d2, cross)
	for i := range cross {
		if (d1[i] > 0) == (d2[i] > 0) {
			cross[i] = 0.5
		} else {
			cross[i] = d1[i] / (d1[i] - d2[i])
		}
	}

	gap := float32(s2 - s1)
	total := s2 - s1 - 1
	for j := s1 + 1; j < s2; j++ {
		t := float32(j-s1) / gap
		work := s.Work(j)
		for i := range work {
			if t < cross[i] {
				work[i] = w1[i]
			} else {
				work[i] = w2[i]
			}
		}
		s.SetMode(j, volume.KindWork, models.Computed)
		opts.report(j-s1, total, "work interpolation")
	}
	s.Logger().Debug("work interpolated", "from", s1, "to", s2, "threshold", threshold)
	return nil
}
