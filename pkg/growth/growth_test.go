package growth

import (
	"context"
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

func posit(s *volume.Stack, x, y, slice int) models.Posit {
	return models.Posit{Pos: y*s.Width() + x, Slice: slice}
}

func countLabel(s *volume.Stack, l models.Label) int {
	n := 0
	for i := 0; i < s.SliceCount(); i++ {
		for _, v := range s.Labels(i) {
			if v == l {
				n++
			}
		}
	}
	return n
}

func snapshotLabels(s *volume.Stack) [][]models.Label {
	out := make([][]models.Label, s.SliceCount())
	for i := range out {
		out[i] = append([]models.Label(nil), s.Labels(i)...)
	}
	return out
}

// A seed of 150 inside a ring of 50 fills exactly the in-range voxels
// enclosed by the ring, not the in-range voxels beyond it.
func TestRegionGrowStopsAtRing(t *testing.T) {
	s := newStack(t, 7, 7, 1)
	src := s.Source(0)
	for y := 0; y < 7; y++ {
		for x := 0; x < 7; x++ {
			v := float32(150)
			inBox := x >= 1 && x <= 5 && y >= 1 && y <= 5
			onEdge := x == 1 || x == 5 || y == 1 || y == 5
			if inBox && onEdge {
				v = 50
			}
			src[y*7+x] = v
		}
	}

	n, err := RegionGrow(s, 0, models.Point{X: 3, Y: 3}, 100, 200, 255)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	work := s.Work(0)
	for y := 0; y < 7; y++ {
		for x := 0; x < 7; x++ {
			inside := x >= 2 && x <= 4 && y >= 2 && y <= 4
			if inside {
				assert.Equal(t, float32(255), work[y*7+x], "(%d,%d)", x, y)
			} else {
				assert.Equal(t, float32(0), work[y*7+x], "(%d,%d)", x, y)
			}
		}
	}
	assert.Equal(t, models.Modified, s.Mode(0, volume.KindWork))
}

func TestRegionGrowSeedOutsideInterval(t *testing.T) {
	s := newStack(t, 3, 3, 1)
	n, err := RegionGrow(s, 0, models.Point{X: 1, Y: 1}, 100, 200, 255)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = RegionGrow(s, 0, models.Point{X: 3, Y: 1}, 0, 1, 1)
	assert.ErrorIs(t, err, volume.ErrPointOutOfRange)
	_, err = RegionGrow(s, 0, models.Point{X: 1, Y: 1}, 5, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestRegionGrow3DCrossesSlices(t *testing.T) {
	s := newStack(t, 4, 4, 4)
	// A column of in-range voxels at (1,1) through slices 0..2.
	for i := 0; i < 3; i++ {
		s.Source(i)[1*4+1] = 10
	}
	s.Source(3)[1*4+1] = 10

	n, err := RegionGrow3D(s, models.SliceRange{Start: 0, End: 2}, posit(s, 1, 1, 0), 5, 15, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, float32(0), s.Work(3)[5], "slice outside the range stays untouched")
}

func TestAddConnectedRespectsLocks(t *testing.T) {
	for _, override := range []bool{false, true} {
		s := newStack(t, 6, 6, 3, "target", "locked", "free")
		require.NoError(t, s.Tissues().SetLocked(2, true))
		for i := 0; i < 3; i++ {
			labels := s.Labels(i)
			labels[posit(s, 2, 2, 0).Pos] = 2
			labels[posit(s, 3, 3, 0).Pos] = 3
		}
		before := snapshotLabels(s)

		r := s.All()
		n, err := AddConnected(s, r, posit(s, 0, 0, 1), 1, override)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			for j, l := range before[i] {
				if l == 2 {
					assert.Equal(t, models.Label(2), s.Labels(i)[j], "locked voxel changed")
				}
			}
		}
		if override {
			assert.Equal(t, 3*36-3, n)
			assert.Equal(t, 0, countLabel(s, 3))
		} else {
			assert.Equal(t, 3*36-6, n)
			assert.Equal(t, 3, countLabel(s, 3))
		}
	}
}

func TestAddConnectedFollowsWorkRegion(t *testing.T) {
	s := newStack(t, 5, 1, 2, "t")
	for i := 0; i < 2; i++ {
		copy(s.Work(i), []float32{1, 1, 0, 1, 1})
	}
	n, err := AddConnected(s, s.All(), posit(s, 0, 0, 0), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []models.Label{1, 1, 0, 0, 0}, s.Labels(1))
}

func TestAddConnectedLockedSeedIsSkipped(t *testing.T) {
	s := newStack(t, 3, 3, 1, "a", "b")
	s.Labels(0)[4] = 2
	require.NoError(t, s.Tissues().SetLocked(2, true))

	n, err := AddConnected(s, s.All(), posit(s, 1, 1, 0), 1, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = AddConnected(s, s.All(), posit(s, 1, 1, 0), 9, true)
	assert.ErrorIs(t, err, tissue.ErrTissueNotFound)
}

func TestSubtractConnected(t *testing.T) {
	s := newStack(t, 4, 1, 2, "a", "b")
	copy(s.Labels(0), []models.Label{1, 1, 2, 1})
	copy(s.Labels(1), []models.Label{0, 1, 1, 1})

	n, err := SubtractConnected(s, s.All(), posit(s, 0, 0, 0), 1)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []models.Label{0, 0, 2, 0}, s.Labels(0))
	assert.Equal(t, []models.Label{0, 0, 0, 0}, s.Labels(1))

	copy(s.Labels(0), []models.Label{1, 1, 1, 1})
	require.NoError(t, s.Tissues().SetLocked(1, true))
	n, err = SubtractConnected(s, s.All(), posit(s, 0, 0, 0), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSkinSimpleSingleVoxel(t *testing.T) {
	s := newStack(t, 9, 9, 3, "organ", "skin")
	s.Labels(1)[posit(s, 4, 4, 1).Pos] = 1

	n, err := SkinSimple(context.Background(), s, SkinParams{IX: 1, IY: 1, IZ: 0, Label: 2, Range: s.All()})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	s2 := newStack(t, 9, 9, 3, "organ", "skin")
	s2.Labels(1)[posit(s2, 4, 4, 1).Pos] = 1
	n, err = SkinSimple(context.Background(), s2, SkinParams{IX: 1, IY: 1, IZ: 1, Label: 2, Range: s2.All()})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, models.Label(2), s2.Labels(0)[posit(s2, 4, 4, 0).Pos])
	assert.Equal(t, models.Label(2), s2.Labels(2)[posit(s2, 4, 4, 2).Pos])
}

func blockStack(t *testing.T) *volume.Stack {
	s := newStack(t, 16, 16, 7, "organ", "skin")
	for i := 2; i <= 4; i++ {
		for y := 5; y <= 9; y++ {
			for x := 6; x <= 8; x++ {
				s.Labels(i)[y*16+x] = 1
			}
		}
	}
	return s
}

func TestSkinMonotonicity(t *testing.T) {
	variants := map[string]func(context.Context, *volume.Stack, SkinParams) (int, error){
		"simple":   SkinSimple,
		"priority": SkinPriority,
	}
	for name, fn := range variants {
		t.Run(name, func(t *testing.T) {
			// Growing one extent at a time never shrinks the band.
			for axis := 0; axis < 3; axis++ {
				prev := -1
				for k := 0; k <= 3; k++ {
					ext := [3]int{1, 1, 1}
					ext[axis] = k
					s := blockStack(t)
					n, err := fn(context.Background(), s, SkinParams{IX: ext[0], IY: ext[1], IZ: ext[2], Label: 2, Range: s.All()})
					require.NoError(t, err)
					assert.Equal(t, 45, countLabel(s, 1))
					assert.GreaterOrEqual(t, n, prev, "axis %d extent %d", axis, k)
					prev = n
				}
			}
		})
	}
}

func TestSkinPriorityStaysOutside(t *testing.T) {
	s := newStack(t, 9, 9, 1, "ring", "skin")
	labels := s.Labels(0)
	for y := 2; y <= 6; y++ {
		for x := 2; x <= 6; x++ {
			if x == 2 || x == 6 || y == 2 || y == 6 {
				labels[y*9+x] = 1
			}
		}
	}

	n, err := SkinPriority(context.Background(), s, SkinParams{IX: 1, IY: 1, IZ: 0, Label: 2, Range: s.All()})
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	for y := 3; y <= 5; y++ {
		for x := 3; x <= 5; x++ {
			assert.Equal(t, models.Label(0), labels[y*9+x], "enclosed background (%d,%d) must stay", x, y)
		}
	}
	assert.Equal(t, models.Label(0), labels[1*9+1], "corner is beyond the step budget")
	assert.Equal(t, models.Label(2), labels[1*9+4])
}

func TestSkinRejectsBadParameters(t *testing.T) {
	s := newStack(t, 4, 4, 1, "a")
	_, err := SkinSimple(context.Background(), s, SkinParams{IX: -1, Label: 1, Range: s.All()})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = SkinPriority(context.Background(), s, SkinParams{IX: 1, Label: 5, Range: s.All()})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSkinCancelled(t *testing.T) {
	s := blockStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SkinSimple(ctx, s, SkinParams{IX: 1, IY: 1, IZ: 1, Label: 2, Range: s.All()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoveIslands(t *testing.T) {
	s := newStack(t, 6, 6, 2, "a")
	for i := 0; i < 2; i++ {
		labels := s.Labels(i)
		// 2x2 block kept, single voxel removed.
		for _, p := range []int{0, 1, 6, 7, 35} {
			labels[p] = 1
		}
	}

	n, err := RemoveIslands(context.Background(), s, s.All(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 8, countLabel(s, 1))
	assert.Equal(t, models.Label(0), s.Labels(1)[35])

	require.NoError(t, s.Tissues().SetLocked(1, true))
	n, err = RemoveIslands(context.Background(), s, s.All(), 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFillHoles(t *testing.T) {
	s := newStack(t, 7, 7, 1, "a", "b")
	labels := s.Labels(0)
	// Ring of tissue 1 around a one-voxel hole at (2,2).
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 3; x++ {
			if x != 2 || y != 2 {
				labels[y*7+x] = 1
			}
		}
	}
	// A second hole at (5,4) touches tissue 2 on one side.
	for y := 3; y <= 5; y++ {
		for x := 4; x <= 6; x++ {
			if x != 5 || y != 4 {
				labels[y*7+x] = 1
			}
		}
	}
	labels[4*7+6] = 2

	n, err := FillHoles(context.Background(), s, s.All(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.Label(1), labels[2*7+2])
	assert.Equal(t, models.Label(0), labels[4*7+5])
	assert.Equal(t, models.Label(0), labels[0], "background touching the border is never filled")
}
