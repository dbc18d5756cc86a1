package interpolation

import (
	"fmt"
	"math"

	"tissueseg/internal/models"
	"tissueseg/pkg/pool"
	"tissueseg/pkg/tissue"
	"tissueseg/pkg/volume"
)

// Result reports how a median set interpolation ended. A run that hit the
// iteration bound is still written; Converged is then false.
type Result struct {
	Converged  bool
	Iterations int
	Slices     int
	// Vanished counts boundary voxels excluded as vanishing components.
	Vanished int
}

// Claim states of the median set growth.
const (
	unclaimed uint8 = iota
	inner           // reached from x∩y
	outer           // reached from the complement of x∪y
)

// neighbours calls fn for the 4-neighbours of i, and the diagonal ones too
// when eight is set.
func neighbours(w, h, i int, eight bool, fn func(k int)) {
	x, y := i%w, i/w
	if x > 0 {
		fn(i - 1)
	}
	if x < w-1 {
		fn(i + 1)
	}
	if y > 0 {
		fn(i - w)
	}
	if y < h-1 {
		fn(i + w)
	}
	if !eight {
		return
	}
	if x > 0 && y > 0 {
		fn(i - w - 1)
	}
	if x < w-1 && y > 0 {
		fn(i - w + 1)
	}
	if x > 0 && y < h-1 {
		fn(i + w - 1)
	}
	if x < w-1 && y < h-1 {
		fn(i + w + 1)
	}
}

// MedianSet computes into out the morphological median of the binary masks
// x and y (non-zero means member) of a w×h slice: the voxels reached by
// dilations of x∩y strictly before dilations of the complement of x∪y.
// Both sets grow one step per iteration, alternating 4- and
// 8-connectivity, and contested voxels go to the complement so that the
// two sets never hold more than w*h voxels together. Growth stops when a
// step changes nothing or after maxIter steps (the slice diagonal when
// maxIter <= 0). It returns the number of steps and whether growth
// converged.
func MedianSet(w, h int, x, y, out []models.Label, maxIter int) (int, bool) {
	n := w * h
	if maxIter <= 0 {
		maxIter = int(math.Ceil(math.Hypot(float64(w), float64(h))))
	}

	state := make([]uint8, n)
	stamp := make([]int32, n)
	var gFront, pFront []int
	for i := 0; i < n; i++ {
		switch {
		case x[i] != 0 && y[i] != 0:
			state[i] = inner
			gFront = append(gFront, i)
		case x[i] == 0 && y[i] == 0:
			state[i] = outer
			pFront = append(pFront, i)
		}
	}
	claimed := len(gFront) + len(pFront)

	iter := 0
	converged := claimed == n
	var cand, newG, newP []int
	for !converged && iter < maxIter {
		iter++
		eight := iter%2 == 0

		cand = cand[:0]
		for _, i := range gFront {
			neighbours(w, h, i, eight, func(k int) {
				if state[k] == unclaimed && stamp[k] != int32(iter) {
					stamp[k] = int32(iter)
					cand = append(cand, k)
				}
			})
		}
		newP = newP[:0]
		for _, i := range pFront {
			neighbours(w, h, i, eight, func(k int) {
				if state[k] == unclaimed {
					state[k] = outer
					newP = append(newP, k)
				}
			})
		}
		newG = newG[:0]
		for _, k := range cand {
			if state[k] == unclaimed {
				state[k] = inner
				newG = append(newG, k)
			}
		}

		claimed += len(newG) + len(newP)
		if (len(newG) == 0 && len(newP) == 0) || claimed == n {
			converged = true
		}
		gFront = append(gFront[:0], newG...)
		pFront = append(pFront[:0], newP...)
	}

	for i := 0; i < n; i++ {
		if state[i] == inner {
			out[i] = 1
		} else {
			out[i] = 0
		}
	}
	return iter, converged
}

// DropVanishing clears from a every 4-connected component that shares no
// voxel with b and returns the number of cleared voxels.
func DropVanishing(w, h int, a, b []models.Label) int {
	n := w * h
	seen := make([]bool, n)
	var members []int
	dropped := 0
	for start := 0; start < n; start++ {
		if seen[start] || a[start] == 0 {
			continue
		}
		members = append(members[:0], start)
		seen[start] = true
		overlaps := false
		for k := 0; k < len(members); k++ {
			i := members[k]
			if b[i] != 0 {
				overlaps = true
			}
			neighbours(w, h, i, false, func(j int) {
				if !seen[j] && a[j] != 0 {
					seen[j] = true
					members = append(members, j)
				}
			})
		}
		if !overlaps {
			for _, i := range members {
				a[i] = 0
			}
			dropped += len(members)
		}
	}
	return dropped
}

// bisection carries the shared state of one recursive median set run.
type bisection struct {
	w, h    int
	pool    *pool.Pool[models.Label]
	opts    Options
	res     *Result
	total   int
	written int
	write   func(j int, mask []models.Label)
}

// run fills the slices strictly between s1 and s2 from the masks x and y
// of the boundary slices. The mid slice mask is owned by this call and
// handed to both halves.
func (b *bisection) run(s1, s2 int, x, y []models.Label) {
	if s2 <= s1+1 {
		return
	}
	mid := (s1 + s2) / 2
	hm := b.pool.Acquire()
	defer hm.Release()

	iters, ok := MedianSet(b.w, b.h, x, y, hm.Data(), b.opts.MaxIterations)
	b.res.Iterations += iters
	if !ok {
		b.res.Converged = false
	}
	b.write(mid, hm.Data())
	b.written++
	b.res.Slices++
	b.opts.report(b.written, b.total, "median set")

	b.run(s1, mid, x, hm.Data())
	b.run(mid, s2, hm.Data(), y)
}

// medianSet builds the boundary masks with member, suppresses vanishing
// components and runs the bisection.
func medianSet(s *volume.Stack, s1, s2 int, opts Options, member func(slice, i int) bool,
	write func(j int, mask []models.Label)) (Result, error) {

	res := Result{Converged: true}
	ok, err := checkGap(s, s1, s2)
	if !ok || err != nil {
		return res, err
	}

	w, h := s.Width(), s.Height()
	lp := s.LabelPool()
	hx, hy := lp.Acquire(), lp.Acquire()
	defer hx.Release()
	defer hy.Release()
	x, y := hx.Data(), hy.Data()
	for i := range x {
		x[i], y[i] = 0, 0
		if member(s1, i) {
			x[i] = 1
		}
		if member(s2, i) {
			y[i] = 1
		}
	}
	res.Vanished = DropVanishing(w, h, x, y) + DropVanishing(w, h, y, x)

	b := &bisection{w: w, h: h, pool: lp, opts: opts, res: &res, total: s2 - s1 - 1, write: write}
	b.run(s1, s2, x, y)
	s.Logger().Debug("median set interpolated", "from", s1, "to", s2,
		"iterations", res.Iterations, "converged", res.Converged, "vanished", res.Vanished)
	return res, nil
}

// MedianSetTissue interpolates tissue id of the active label layer between
// slices s1 and s2 by median sets. Components of the tissue present on
// one boundary slice only are not carried into the gap.
func MedianSetTissue(s *volume.Stack, s1, s2 int, id models.Label, opts Options) (Result, error) {
	if id == 0 || !s.Tissues().Valid(id) {
		return Result{}, fmt.Errorf("%w: %d", tissue.ErrTissueNotFound, id)
	}
	locked := s.Tissues().LockMask()
	member := func(slice, i int) bool { return s.Labels(slice)[i] == id }
	return medianSet(s, s1, s2, opts, member, func(j int, mask []models.Label) {
		labels := s.Labels(j)
		for i, l := range labels {
			if isLocked(locked, l) {
				continue
			}
			if mask[i] != 0 {
				labels[i] = id
			} else if l == id {
				labels[i] = 0
			}
		}
		s.SetMode(j, volume.KindTissue, models.Computed)
	})
}

// MedianSetWork interpolates the region of the work buffers at or above
// threshold between slices s1 and s2 by median sets, writing fg inside the
// interpolated region and 0 outside.
func MedianSetWork(s *volume.Stack, s1, s2 int, threshold, fg float32, opts Options) (Result, error) {
	member := func(slice, i int) bool { return s.Work(slice)[i] >= threshold }
	return medianSet(s, s1, s2, opts, member, func(j int, mask []models.Label) {
		work := s.Work(j)
		for i := range work {
			if mask[i] != 0 {
				work[i] = fg
			} else {
				work[i] = 0
			}
		}
		s.SetMode(j, volume.KindWork, models.Computed)
	})
}
