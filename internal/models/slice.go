package models

import "fmt"

// Label is a tissue id stored in a label layer. Zero means "unassigned".
type Label uint16

// MaxLabel is the largest tissue id a label layer can hold.
const MaxLabel = Label(^uint16(0))

// Point is a voxel position inside a single slice.
type Point struct {
	X, Y int
}

// Index returns the linear row-major offset of p in a slice of the given width.
func (p Point) Index(width int) int {
	return p.Y*width + p.X
}

// PointAt converts a linear in-slice offset back to a Point.
func PointAt(pos, width int) Point {
	return Point{X: pos % width, Y: pos / width}
}

// Posit identifies a voxel in the stack by its linear in-slice position
// and its slice index. Posits order lexicographically by (Slice, Pos).
type Posit struct {
	Pos   int
	Slice int
}

// Less reports whether p sorts before q.
func (p Posit) Less(q Posit) bool {
	if p.Slice != q.Slice {
		return p.Slice < q.Slice
	}
	return p.Pos < q.Pos
}

// Compare returns -1, 0 or +1 following the (Slice, Pos) order.
func (p Posit) Compare(q Posit) int {
	switch {
	case p.Less(q):
		return -1
	case q.Less(p):
		return 1
	default:
		return 0
	}
}

func (p Posit) String() string {
	return fmt.Sprintf("(%d@%d)", p.Pos, p.Slice)
}

// SliceRange is an inclusive range of slice indices.
type SliceRange struct {
	Start, End int
}

// Len returns the number of slices in the range.
func (r SliceRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether slice i lies inside the range.
func (r SliceRange) Contains(i int) bool {
	return i >= r.Start && i <= r.End
}

// Mode describes the edit state of one buffer kind of a slice.
type Mode int

const (
	// Unchanged buffers still hold what was loaded.
	Unchanged Mode = iota
	// Modified buffers were edited by the user or an operation.
	Modified
	// Computed buffers were produced by a derived computation
	// (thresholding, interpolation) and not edited since.
	Computed
)

func (m Mode) String() string {
	switch m {
	case Unchanged:
		return "unchanged"
	case Modified:
		return "modified"
	case Computed:
		return "computed"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Mark is a named, labelled point placed by the user on a slice.
// The same shape is used for VVM points.
type Mark struct {
	Point Point
	Label uint32
	Name  string
}

// Polyline is an ordered list of in-slice points; used for limits.
type Polyline []Point

// Clone returns a deep copy of the polyline.
func (p Polyline) Clone() Polyline {
	if p == nil {
		return nil
	}
	out := make(Polyline, len(p))
	copy(out, p)
	return out
}
