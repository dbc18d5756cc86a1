package interpolation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissueseg/internal/models"
	"tissueseg/pkg/pool"
	"tissueseg/pkg/tissue"
	"tissueseg/pkg/volume"
)

func newStack(t *testing.T, w, h, n int, tissues ...string) *volume.Stack {
	t.Helper()
	tb := tissue.NewTable()
	for _, name := range tissues {
		_, err := tb.Add(tissue.Info{Name: name})
		require.NoError(t, err)
	}
	s, err := volume.New(pool.NewContext(true), tb, w, h, n, volume.Options{Workers: 2})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// fillBlock labels the square [x0,x1]×[y0,y1] of a slice.
func fillBlock(s *volume.Stack, slice, x0, y0, x1, y1 int, l models.Label) {
	labels := s.Labels(slice)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			labels[y*s.Width()+x] = l
		}
	}
}

func countLabel(labels []models.Label, l models.Label) int {
	n := 0
	for _, v := range labels {
		if v == l {
			n++
		}
	}
	return n
}

func TestDeadReckoningSinglePointIsExact(t *testing.T) {
	w, h := 10, 8
	target := 4*w + 3
	dist := make([]float32, w*h)
	DeadReckoning(w, h, func(i int) bool { return i == target }, dist)

	for i, d := range dist {
		want := math.Hypot(float64(i%w-3), float64(i/w-4))
		if math.Abs(float64(d)-want) > 1e-5 {
			t.Errorf("voxel (%d,%d): expected %.4f, got %.4f", i%w, i/w, want, d)
		}
	}
}

func TestDistanceMethodsAgree(t *testing.T) {
	w, h := 16, 12
	in := func(i int) bool {
		x, y := i%w, i/w
		return (x >= 3 && x <= 6 && y >= 2 && y <= 5) || (x == 12 && y == 9)
	}
	approx := make([]float32, w*h)
	exact := make([]float32, w*h)
	DeadReckoning(w, h, in, approx)
	EuclideanDistance(w, h, in, exact)

	for i := range exact {
		assert.GreaterOrEqual(t, approx[i]+1e-5, exact[i], "dead reckoning never undershoots")
		assert.InDelta(t, exact[i], approx[i], 1.0)
	}
	assert.Equal(t, float32(0), exact[2*w+3])
	assert.InDelta(t, 2.0, exact[11*w+12], 1e-5)
}

func TestDistanceWithoutTargets(t *testing.T) {
	dist := make([]float32, 12)
	DeadReckoning(4, 3, func(int) bool { return false }, dist)
	for _, d := range dist {
		assert.Equal(t, float32(7), d)
	}
	EuclideanDistance(4, 3, func(int) bool { return false }, dist)
	assert.Equal(t, float32(7), dist[5])
}

func TestSignedDistance(t *testing.T) {
	w, h := 11, 11
	in := func(i int) bool {
		x, y := i%w, i/w
		return x >= 3 && x <= 7 && y >= 3 && y <= 7
	}
	out := make([]float32, w*h)
	scratch := make([]float32, w*h)
	for _, m := range []DistanceMethod{DeadReckoningDistance, ExactDistance} {
		SignedDistance(m, w, h, in, out, scratch)
		assert.Equal(t, float32(2.5), out[5*w+5], m.String())
		assert.Equal(t, float32(0.5), out[3*w+5], m.String())
		assert.Equal(t, float32(-0.5), out[2*w+5], m.String())
		assert.Less(t, out[0], float32(-3), m.String())
	}
}

func TestInterpolateTissueKeepsEqualShapes(t *testing.T) {
	s := newStack(t, 12, 12, 5, "organ")
	fillBlock(s, 0, 3, 3, 7, 7, 1)
	fillBlock(s, 4, 3, 3, 7, 7, 1)

	n, err := InterpolateTissue(s, 0, 4, 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3*25, n)
	for j := 1; j <= 3; j++ {
		assert.Equal(t, s.Labels(0), s.Labels(j), "slice %d", j)
		assert.Equal(t, models.Computed, s.Mode(j, volume.KindTissue))
	}
	assert.Equal(t, models.Unchanged, s.Mode(0, volume.KindTissue))
}

func TestInterpolateTissueMovesBetweenShapes(t *testing.T) {
	s := newStack(t, 16, 8, 5, "organ")
	fillBlock(s, 0, 1, 2, 6, 5, 1)
	fillBlock(s, 4, 5, 2, 10, 5, 1)

	_, err := InterpolateTissue(s, 0, 4, 1, Options{Method: ExactDistance})
	require.NoError(t, err)

	// Halfway the shape sits between both ends and never outside rows 2..5.
	mid := s.Labels(2)
	for i, l := range mid {
		if l == 1 {
			y := i / 16
			assert.True(t, y >= 2 && y <= 5, "row %d", y)
		}
	}
	for x := 4; x <= 7; x++ {
		assert.Equal(t, models.Label(1), mid[3*16+x], "x=%d", x)
	}
	assert.Equal(t, models.Label(0), mid[3*16+1])
	assert.Equal(t, models.Label(0), mid[3*16+10])
}

func TestInterpolateTissueHonoursLocks(t *testing.T) {
	s := newStack(t, 8, 8, 3, "organ", "bone")
	fillBlock(s, 0, 1, 1, 6, 6, 1)
	fillBlock(s, 2, 1, 1, 6, 6, 1)
	s.Labels(1)[3*8+3] = 2
	require.NoError(t, s.Tissues().SetLocked(2, true))

	n, err := InterpolateTissue(s, 0, 2, 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, 35, n)
	assert.Equal(t, models.Label(2), s.Labels(1)[3*8+3])
}

func TestInterpolateGapEdgeCases(t *testing.T) {
	s := newStack(t, 4, 4, 4, "organ")
	fillBlock(s, 1, 0, 0, 3, 3, 1)

	n, err := InterpolateTissue(s, 1, 2, 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, countLabel(s.Labels(2), 1))

	res, err := MedianSetTissue(s, 2, 2, 1, Options{})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 0, res.Slices)

	_, err = InterpolateTissue(s, 3, 0, 1, Options{})
	assert.ErrorIs(t, err, ErrInvalidGap)
	_, err = InterpolateTissue(s, 0, 9, 1, Options{})
	assert.ErrorIs(t, err, volume.ErrSliceOutOfRange)
	_, err = InterpolateTissue(s, 0, 3, 7, Options{})
	assert.ErrorIs(t, err, tissue.ErrTissueNotFound)
}

func TestInterpolateLabelsSwitchesAtCrossing(t *testing.T) {
	s := newStack(t, 4, 4, 5, "a", "b")
	fillBlock(s, 0, 0, 0, 3, 3, 1)
	fillBlock(s, 4, 0, 0, 3, 3, 2)

	var calls int
	_, err := InterpolateLabels(s, 0, 4, Options{Progress: func(done, total int, _ string) {
		calls++
		assert.Equal(t, 3, total)
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 16, countLabel(s.Labels(1), 1))
	assert.Equal(t, 16, countLabel(s.Labels(2), 2))
	assert.Equal(t, 16, countLabel(s.Labels(3), 2))
}

func TestInterpolateWork(t *testing.T) {
	s := newStack(t, 6, 1, 5)
	copy(s.Work(0), []float32{10, 10, 10, 0, 0, 0})
	copy(s.Work(4), []float32{10, 10, 10, 10, 10, 0})

	require.NoError(t, InterpolateWork(s, 0, 4, 5, Options{}))
	// Voxels inside on both ends switch to the s2 value at mid-gap.
	assert.Equal(t, float32(10), s.Work(1)[0])
	// The last voxel is outside on both ends.
	for j := 1; j <= 3; j++ {
		assert.Equal(t, float32(0), s.Work(j)[5])
	}
	// The region boundary advances monotonically through the gap.
	count := func(j int) int {
		n := 0
		for _, v := range s.Work(j) {
			if v >= 5 {
				n++
			}
		}
		return n
	}
	for j := 1; j <= 4; j++ {
		assert.GreaterOrEqual(t, count(j), count(j-1))
	}
	assert.Equal(t, models.Computed, s.Mode(2, volume.KindWork))
}

func TestMedianSetBasics(t *testing.T) {
	w, h := 12, 12
	block := func(x0, y0, x1, y1 int) []models.Label {
		m := make([]models.Label, w*h)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				m[y*w+x] = 1
			}
		}
		return m
	}
	out := make([]models.Label, w*h)

	x := block(2, 2, 6, 6)
	_, ok := MedianSet(w, h, x, x, out, 0)
	assert.True(t, ok)
	assert.Equal(t, x, out)

	_, ok = MedianSet(w, h, block(0, 0, 2, 2), block(8, 8, 10, 10), out, 0)
	assert.True(t, ok)
	assert.Equal(t, 0, countLabel(out, 1))

	a, b := block(1, 1, 6, 6), block(4, 4, 9, 9)
	iters, ok := MedianSet(w, h, a, b, out, 0)
	assert.True(t, ok)
	assert.Greater(t, iters, 0)
	for i := range out {
		inter := a[i] != 0 && b[i] != 0
		union := a[i] != 0 || b[i] != 0
		if inter {
			assert.Equal(t, models.Label(1), out[i], "intersection voxel %d", i)
		}
		if !union {
			assert.Equal(t, models.Label(0), out[i], "outside voxel %d", i)
		}
	}
	assert.Greater(t, countLabel(out, 1), 9)
}

func TestMedianSetIterationBound(t *testing.T) {
	w, h := 30, 1
	x := make([]models.Label, w)
	y := make([]models.Label, w)
	for i := range x {
		x[i] = 1
	}
	y[0] = 1
	out := make([]models.Label, w)
	iters, ok := MedianSet(w, h, x, y, out, 2)
	assert.False(t, ok)
	assert.Equal(t, 2, iters)
}

func TestDropVanishing(t *testing.T) {
	w, h := 8, 4
	a := make([]models.Label, w*h)
	b := make([]models.Label, w*h)
	a[0], a[1] = 1, 1
	a[6], a[7], a[15] = 1, 1, 1
	b[1] = 1

	assert.Equal(t, 3, DropVanishing(w, h, a, b))
	assert.Equal(t, models.Label(1), a[0])
	assert.Equal(t, models.Label(0), a[7])
	assert.Equal(t, 0, DropVanishing(w, h, b, a))
}

// A block on the first and last slice that never overlaps its counterpart
// is a vanishing component on both sides and leaves the gap empty.
func TestMedianSetVanishingBlocks(t *testing.T) {
	s := newStack(t, 10, 10, 5, "organ")
	fillBlock(s, 0, 0, 0, 3, 3, 1)
	fillBlock(s, 4, 6, 6, 9, 9, 1)

	var calls int
	res, err := MedianSetTissue(s, 0, 4, 1, Options{Progress: func(int, int, string) { calls++ }})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 32, res.Vanished)
	assert.Equal(t, 3, res.Slices)
	assert.Equal(t, 3, calls)
	for j := 1; j <= 3; j++ {
		assert.Equal(t, 0, countLabel(s.Labels(j), 1), "slice %d", j)
	}
	assert.Equal(t, 16, countLabel(s.Labels(0), 1))
	assert.Equal(t, 16, countLabel(s.Labels(4), 1))
}

func TestMedianSetTissueIsIdempotent(t *testing.T) {
	s := newStack(t, 16, 16, 9, "organ", "bone")
	fillBlock(s, 0, 2, 2, 9, 9, 1)
	fillBlock(s, 8, 5, 5, 13, 13, 1)
	s.Labels(4)[0] = 2
	require.NoError(t, s.Tissues().SetLocked(2, true))

	_, err := MedianSetTissue(s, 0, 8, 1, Options{})
	require.NoError(t, err)
	first := make([][]models.Label, 9)
	for j := range first {
		first[j] = append([]models.Label(nil), s.Labels(j)...)
	}
	for j := 1; j < 8; j++ {
		assert.Greater(t, countLabel(s.Labels(j), 1), 0, "slice %d", j)
	}
	assert.Equal(t, models.Label(2), s.Labels(4)[0])

	_, err = MedianSetTissue(s, 0, 8, 1, Options{})
	require.NoError(t, err)
	for j := range first {
		assert.Equal(t, first[j], s.Labels(j), "slice %d", j)
	}
}

func TestMedianSetWork(t *testing.T) {
	s := newStack(t, 6, 6, 3)
	for _, j := range []int{0, 2} {
		work := s.Work(j)
		for y := 1; y <= 4; y++ {
			for x := 1; x <= 4; x++ {
				work[y*6+x] = 7
			}
		}
	}
	res, err := MedianSetWork(s, 0, 2, 1, 255, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Slices)
	assert.Equal(t, float32(255), s.Work(1)[2*6+2])
	assert.Equal(t, float32(0), s.Work(1)[0])
	assert.Equal(t, models.Computed, s.Mode(1, volume.KindWork))
}
