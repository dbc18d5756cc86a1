package volume

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tissueseg/internal/models"
)

// Stats summarises the source intensities of one slice.
type Stats struct {
	Min, Max     float64
	Mean, StdDev float64
}

// SliceStats computes intensity statistics of the source buffer of slice i.
func (s *Stack) SliceStats(i int) (Stats, error) {
	if err := s.CheckSlice(i); err != nil {
		return Stats{}, err
	}
	x := toFloat64(s.Source(i))
	mean, std := stat.MeanStdDev(x, nil)
	return Stats{
		Min:    floats.Min(x),
		Max:    floats.Max(x),
		Mean:   mean,
		StdDev: std,
	}, nil
}

// Histogram bins the source values of slice i into bins equal-width bins
// spanning [min, max]. It returns the bin counts and the bins+1 dividers.
func (s *Stack) Histogram(i, bins int) ([]float64, []float64, error) {
	if err := s.CheckSlice(i); err != nil {
		return nil, nil, err
	}
	if bins < 1 {
		bins = 1
	}
	x := toFloat64(s.Source(i))
	sort.Float64s(x)

	lo, hi := x[0], x[len(x)-1]
	if hi <= lo {
		hi = lo + 1
	}
	dividers := make([]float64, bins+1)
	floats.Span(dividers, lo, hi)
	// stat.Histogram wants every value strictly below the last divider.
	dividers[bins] = math.Nextafter(hi, math.Inf(1))

	counts := stat.Histogram(nil, dividers, x, nil)
	return counts, dividers, nil
}

// LabelVolume counts the voxels of tissue l on the active layer over all
// slices and returns the count and the physical volume in mm³.
func (s *Stack) LabelVolume(l models.Label) (int, float64) {
	n := 0
	for i := range s.slices {
		for _, v := range s.Labels(i) {
			if v == l {
				n++
			}
		}
	}
	return n, float64(n) * s.geometry.VoxelVolume()
}

func toFloat64(buf []float32) []float64 {
	out := make([]float64, len(buf))
	for i, v := range buf {
		out[i] = float64(v)
	}
	return out
}
