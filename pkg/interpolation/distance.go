package interpolation

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// DistanceMethod selects the distance transform used by the shape-based
// interpolators.
type DistanceMethod int

const (
	// DeadReckoningDistance propagates nearest-voxel references in two
	// raster passes. Fast, with a small error on some concave shapes.
	DeadReckoningDistance DistanceMethod = iota
	// ExactDistance queries a k-d tree of the target voxels for every
	// voxel. Slower, exact Euclidean distances.
	ExactDistance
)

func (m DistanceMethod) String() string {
	switch m {
	case DeadReckoningDistance:
		return "deadreckoning"
	case ExactDistance:
		return "exact"
	default:
		return "unknown"
	}
}

const diagStep = float32(math.Sqrt2)

// farDistance is reported for every voxel of a slice with no target voxel.
func farDistance(w, h int) float32 { return float32(w + h) }

// DeadReckoning computes, for every voxel of a w×h slice, the approximate
// Euclidean distance to the nearest voxel for which in reports true
// (Grevera's dead-reckoning algorithm). dist must hold w*h values.
func DeadReckoning(w, h int, in func(i int) bool, dist []float32) {
	n := w * h
	near := make([]int32, n)
	inf := float32(math.Inf(1))
	found := false
	for i := 0; i < n; i++ {
		if in(i) {
			dist[i] = 0
			near[i] = int32(i)
			found = true
		} else {
			dist[i] = inf
			near[i] = -1
		}
	}
	if !found {
		far := farDistance(w, h)
		for i := 0; i < n; i++ {
			dist[i] = far
		}
		return
	}

	relax := func(x, y, nx, ny int, step float32) {
		if nx < 0 || ny < 0 || nx >= w || ny >= h {
			return
		}
		c, k := y*w+x, ny*w+nx
		if near[k] < 0 || dist[k]+step >= dist[c] {
			return
		}
		p := int(near[k])
		near[c] = near[k]
		dist[c] = float32(math.Hypot(float64(x-p%w), float64(y-p/w)))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			relax(x, y, x-1, y-1, diagStep)
			relax(x, y, x, y-1, 1)
			relax(x, y, x+1, y-1, diagStep)
			relax(x, y, x-1, y, 1)
		}
	}
	for y := h - 1; y >= 0; y-- {
		for x := w - 1; x >= 0; x-- {
			relax(x, y, x+1, y, 1)
			relax(x, y, x-1, y+1, diagStep)
			relax(x, y, x, y+1, 1)
			relax(x, y, x+1, y+1, diagStep)
		}
	}
}

// voxel is a target voxel stored in the k-d tree.
type voxel struct {
	X, Y float64
}

// Compare implements the kdtree.Comparable interface
func (p voxel) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(voxel)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p voxel) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two voxels
func (p voxel) Distance(c kdtree.Comparable) float64 {
	q := c.(voxel)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// voxels satisfies kdtree.Interface
type voxels []voxel

func (p voxels) Index(i int) kdtree.Comparable         { return p[i] }
func (p voxels) Len() int                              { return len(p) }
func (p voxels) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p voxels) Pivot(d kdtree.Dim) int {
	plane := voxelPlane{voxels: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

// voxelPlane implements sort.Interface and kdtree.SortSlicer for voxels
type voxelPlane struct {
	voxels
	kdtree.Dim
}

func (p voxelPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.voxels[i].X < p.voxels[j].X
	case 1:
		return p.voxels[i].Y < p.voxels[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p voxelPlane) Slice(start, end int) kdtree.SortSlicer {
	return voxelPlane{voxels: p.voxels[start:end], Dim: p.Dim}
}

func (p voxelPlane) Swap(i, j int) {
	p.voxels[i], p.voxels[j] = p.voxels[j], p.voxels[i]
}

// EuclideanDistance computes the same field as DeadReckoning with exact
// distances, using a k-d tree over the target voxels.
func EuclideanDistance(w, h int, in func(i int) bool, dist []float32) {
	n := w * h
	var pts voxels
	for i := 0; i < n; i++ {
		if in(i) {
			pts = append(pts, voxel{X: float64(i % w), Y: float64(i / w)})
		}
	}
	if len(pts) == 0 {
		far := farDistance(w, h)
		for i := 0; i < n; i++ {
			dist[i] = far
		}
		return
	}

	tree := kdtree.New(pts, false)
	for i := 0; i < n; i++ {
		if in(i) {
			dist[i] = 0
			continue
		}
		_, d2 := tree.Nearest(voxel{X: float64(i % w), Y: float64(i / w)})
		dist[i] = float32(math.Sqrt(d2))
	}
}

// SignedDistance writes into out a signed distance to the boundary of the
// set described by in: positive inside, negative outside, with voxels on
// either side of the boundary at ±0.5. scratch must hold w*h values.
func SignedDistance(m DistanceMethod, w, h int, in func(i int) bool, out, scratch []float32) {
	transform := distanceFunc(m)
	transform(w, h, func(i int) bool { return !in(i) }, out)
	transform(w, h, in, scratch)
	for i := 0; i < w*h; i++ {
		if in(i) {
			out[i] -= 0.5
		} else {
			out[i] = 0.5 - scratch[i]
		}
	}
}
