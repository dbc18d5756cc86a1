package volume

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"tissueseg/internal/models"
)

// Geometry carries voxel spacing and the image-to-patient transform.
// The voxel algorithms never need it; it is used for physical-unit
// reporting and to turn millimetre thicknesses into voxel counts.
type Geometry struct {
	// Spacing is the voxel size in mm along x, y and z.
	Spacing [3]float64

	// Transform is a 4x4 homogeneous matrix mapping voxel coordinates
	// (x, y, slice, 1) to patient coordinates.
	Transform *mat.Dense
}

// DefaultGeometry returns unit spacing and an identity transform.
func DefaultGeometry() Geometry {
	return Geometry{
		Spacing:   [3]float64{1, 1, 1},
		Transform: identity4(),
	}
}

// NewGeometry builds a geometry from spacing and a row-major 4x4 transform.
// A zero transform is replaced by the identity and non-positive spacing by 1.
func NewGeometry(spacing [3]float64, transform [16]float64) Geometry {
	for i, v := range spacing {
		if v <= 0 {
			spacing[i] = 1
		}
	}
	g := Geometry{Spacing: spacing}
	if transform == ([16]float64{}) {
		g.Transform = identity4()
	} else {
		g.Transform = mat.NewDense(4, 4, transform[:])
	}
	return g
}

func identity4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// VoxelVolume returns the volume of one voxel in mm³.
func (g Geometry) VoxelVolume() float64 {
	return g.Spacing[0] * g.Spacing[1] * g.Spacing[2]
}

// PhysicalPoint maps an in-slice point on slice to patient coordinates.
func (g Geometry) PhysicalPoint(p models.Point, slice int) [3]float64 {
	t := g.Transform
	if t == nil {
		t = identity4()
	}
	in := mat.NewVecDense(4, []float64{
		float64(p.X) * g.Spacing[0],
		float64(p.Y) * g.Spacing[1],
		float64(slice) * g.Spacing[2],
		1,
	})
	var out mat.VecDense
	out.MulVec(t, in)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// SkinVoxels converts a physical thickness in mm into per-axis voxel counts.
// Every axis gets at least one voxel when mm is positive.
func (g Geometry) SkinVoxels(mm float64) (ix, iy, iz int) {
	conv := func(spacing float64) int {
		if mm <= 0 {
			return 0
		}
		if spacing <= 0 {
			spacing = 1
		}
		n := int(math.Round(mm / spacing))
		if n < 1 {
			n = 1
		}
		return n
	}
	return conv(g.Spacing[0]), conv(g.Spacing[1]), conv(g.Spacing[2])
}
