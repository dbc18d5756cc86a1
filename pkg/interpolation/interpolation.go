// Package interpolation fills the slices between two boundary slices of a
// stack: shape-based interpolation driven by signed distance fields, and
// morphological median-set interpolation with recursive bisection.
//
// Boundary slices are never modified. Voxels whose current label is a
// locked tissue are left untouched on every written slice.
package interpolation

import (
	"errors"
	"fmt"

	"tissueseg/internal/models"
	"tissueseg/pkg/volume"
)

// ErrInvalidGap is returned when the first boundary slice follows the second.
var ErrInvalidGap = errors.New("invalid interpolation gap")

// ProgressCallback is a function that reports progress during interpolation
type ProgressCallback func(completed, total int, message string)

// Options configures the interpolators.
type Options struct {
	// Method selects the distance transform of the shape-based interpolators.
	Method DistanceMethod
	// MaxIterations bounds the dilation steps of one median set computation.
	// Zero selects the slice diagonal.
	MaxIterations int
	// Progress, if set, is called once per written slice.
	Progress ProgressCallback
}

func (o Options) report(done, total int, msg string) {
	if o.Progress != nil {
		o.Progress(done, total, msg)
	}
}

// checkGap validates the boundary slices and reports whether there is at
// least one slice between them.
func checkGap(s *volume.Stack, s1, s2 int) (bool, error) {
	if err := s.CheckSlice(s1); err != nil {
		return false, err
	}
	if err := s.CheckSlice(s2); err != nil {
		return false, err
	}
	if s1 > s2 {
		return false, fmt.Errorf("%w: slice %d after slice %d", ErrInvalidGap, s1, s2)
	}
	return s2 > s1+1, nil
}

func isLocked(mask []bool, l models.Label) bool {
	return int(l) < len(mask) && mask[l]
}

func distanceFunc(m DistanceMethod) func(w, h int, in func(i int) bool, dist []float32) {
	if m == ExactDistance {
		return EuclideanDistance
	}
	return DeadReckoning
}
