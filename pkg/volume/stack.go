// Package volume holds the slice stack of a segmentation: for every slice a
// source intensity buffer, an editable work buffer and one or more tissue
// label layers, plus per-slice marks, limits and VVM points.
//
// All slices of a stack share the same width and height. Buffers are drawn
// from the pools of an explicit pool.Context so that stacks of equal
// dimensions share memory.
package volume

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"tissueseg/internal/models"
	"tissueseg/pkg/pool"
	"tissueseg/pkg/tissue"
)

var (
	// ErrDimensionMismatch is returned when data does not match the stack size.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrSliceOutOfRange is returned for slice indices outside the stack.
	ErrSliceOutOfRange = errors.New("slice index out of range")

	// ErrLayerOutOfRange is returned for label layer indices outside the stack.
	ErrLayerOutOfRange = errors.New("label layer out of range")

	// ErrPointOutOfRange is returned for points outside the slice.
	ErrPointOutOfRange = errors.New("point out of range")

	// ErrEmptyStack is returned when a stack would have no voxels.
	ErrEmptyStack = errors.New("stack has no voxels")
)

// BufferKind names one of the per-slice buffer families.
type BufferKind int

const (
	KindSource BufferKind = iota
	KindWork
	KindTissue
	numKinds
)

// Slice owns the buffers of one slice of the stack.
type Slice struct {
	source *pool.Handle[float32]
	work   *pool.Handle[float32]
	layers []*pool.Handle[models.Label]
	modes  [numKinds]models.Mode

	Marks  []models.Mark
	Limits []models.Polyline
	VVM    []models.Mark
}

func (s *Slice) release() {
	s.source.Release()
	s.work.Release()
	for _, l := range s.layers {
		l.Release()
	}
	s.source, s.work, s.layers = nil, nil, nil
}

// Options configures a Stack.
type Options struct {
	// Workers bounds the number of slices processed concurrently.
	// Zero means runtime.NumCPU().
	Workers int

	// Layers is the number of label layers per slice; at least one.
	Layers int

	Geometry *Geometry
	Logger   *slog.Logger
}

// Stack is the ordered sequence of slices with the active slice and
// active label layer cursors.
//
// A Stack is driven from one goroutine. Per-slice loops started by the
// stack itself (ForEachSlice) touch disjoint buffers and never the pools
// or the tissue table.
type Stack struct {
	width, height int
	slices        []*Slice
	layerCount    int
	active        int
	activeLayer   int

	pctx    *pool.Context
	floats  *pool.Pool[float32]
	labels  *pool.Pool[models.Label]
	tissues *tissue.Table

	geometry Geometry
	workers  int
	logger   *slog.Logger
}

// New creates a stack of count zeroed slices of width×height voxels.
// A nil pctx gives the stack a pool context of its own.
func New(pctx *pool.Context, tissues *tissue.Table, width, height, count int, opts Options) (*Stack, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Layers <= 0 {
		opts.Layers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if tissues == nil {
		tissues = tissue.NewTable()
	}
	if pctx == nil {
		pctx = pool.NewContext(true)
	}
	geom := DefaultGeometry()
	if opts.Geometry != nil {
		geom = *opts.Geometry
	}

	s := &Stack{
		layerCount: opts.Layers,
		pctx:       pctx,
		tissues:    tissues,
		geometry:   geom,
		workers:    opts.Workers,
		logger:     opts.Logger,
	}
	if err := s.Resize(width, height, count); err != nil {
		return nil, err
	}
	return s, nil
}

// Width returns the slice width in voxels.
func (s *Stack) Width() int { return s.width }

// Height returns the slice height in voxels.
func (s *Stack) Height() int { return s.height }

// Area returns width*height.
func (s *Stack) Area() int { return s.width * s.height }

// SliceCount returns the number of slices.
func (s *Stack) SliceCount() int { return len(s.slices) }

// Tissues returns the tissue table shared by the stack.
func (s *Stack) Tissues() *tissue.Table { return s.tissues }

// Geometry returns the spacing and transform of the stack.
func (s *Stack) Geometry() Geometry { return s.geometry }

// SetGeometry replaces the spacing and transform of the stack.
func (s *Stack) SetGeometry(g Geometry) { s.geometry = g }

// Workers returns the concurrency bound of per-slice loops.
func (s *Stack) Workers() int { return s.workers }

// Logger returns the stack's logger.
func (s *Stack) Logger() *slog.Logger { return s.logger }

// FloatPool returns the pool serving intensity buffers of this stack's area.
func (s *Stack) FloatPool() *pool.Pool[float32] { return s.floats }

// LabelPool returns the pool serving label buffers of this stack's area.
func (s *Stack) LabelPool() *pool.Pool[models.Label] { return s.labels }

// Resize reallocates every buffer for a stack of count slices of
// width×height voxels. Contents, marks and modes are reset. Resizing is all
// or nothing: on error the stack is unchanged.
func (s *Stack) Resize(width, height, count int) error {
	if width <= 0 || height <= 0 || count <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrEmptyStack, width, height, count)
	}
	area := width * height

	floats, err := s.pctx.Floats.Install(area)
	if err != nil {
		return fmt.Errorf("installing intensity pool: %w", err)
	}
	labels, err := s.pctx.Labels.Install(area)
	if err != nil {
		s.pctx.Floats.Uninstall(floats)
		return fmt.Errorf("installing label pool: %w", err)
	}

	fresh := make([]*Slice, count)
	for i := range fresh {
		sl := &Slice{
			source: floats.AcquireZeroed(),
			work:   floats.AcquireZeroed(),
			layers: make([]*pool.Handle[models.Label], s.layerCount),
		}
		for l := range sl.layers {
			sl.layers[l] = labels.AcquireZeroed()
		}
		fresh[i] = sl
	}

	s.releaseAll()
	s.width, s.height = width, height
	s.slices = fresh
	s.floats, s.labels = floats, labels
	s.active = 0
	s.activeLayer = 0
	s.logger.Debug("stack resized", "width", width, "height", height, "slices", count, "layers", s.layerCount)
	return nil
}

func (s *Stack) releaseAll() {
	for _, sl := range s.slices {
		sl.release()
	}
	s.slices = nil
	if s.floats != nil {
		s.pctx.Floats.Uninstall(s.floats)
		s.floats = nil
	}
	if s.labels != nil {
		s.pctx.Labels.Uninstall(s.labels)
		s.labels = nil
	}
}

// Close returns every buffer to the pools and releases the pools.
func (s *Stack) Close() {
	s.releaseAll()
	s.width, s.height = 0, 0
}

// CheckSlice validates a slice index.
func (s *Stack) CheckSlice(i int) error {
	if i < 0 || i >= len(s.slices) {
		return fmt.Errorf("%w: %d (have %d)", ErrSliceOutOfRange, i, len(s.slices))
	}
	return nil
}

// CheckRange validates an inclusive slice range.
func (s *Stack) CheckRange(r models.SliceRange) error {
	if r.Start > r.End {
		return fmt.Errorf("%w: empty range %d..%d", ErrSliceOutOfRange, r.Start, r.End)
	}
	if err := s.CheckSlice(r.Start); err != nil {
		return err
	}
	return s.CheckSlice(r.End)
}

// CheckPoint validates an in-slice point.
func (s *Stack) CheckPoint(p models.Point) error {
	if p.X < 0 || p.Y < 0 || p.X >= s.width || p.Y >= s.height {
		return fmt.Errorf("%w: (%d,%d) in %dx%d", ErrPointOutOfRange, p.X, p.Y, s.width, s.height)
	}
	return nil
}

// All returns the range covering every slice.
func (s *Stack) All() models.SliceRange {
	return models.SliceRange{Start: 0, End: len(s.slices) - 1}
}

// ActiveSlice returns the slice cursor.
func (s *Stack) ActiveSlice() int { return s.active }

// SetActiveSlice moves the slice cursor.
func (s *Stack) SetActiveSlice(i int) error {
	if err := s.CheckSlice(i); err != nil {
		return err
	}
	s.active = i
	return nil
}

// LayerCount returns the number of label layers per slice.
func (s *Stack) LayerCount() int { return s.layerCount }

// ActiveLayer returns the label layer cursor.
func (s *Stack) ActiveLayer() int { return s.activeLayer }

// SetActiveLayer selects the label layer used by Labels and the engines.
func (s *Stack) SetActiveLayer(l int) error {
	if l < 0 || l >= s.layerCount {
		return fmt.Errorf("%w: %d (have %d)", ErrLayerOutOfRange, l, s.layerCount)
	}
	s.activeLayer = l
	return nil
}

// AddLayer appends an empty label layer to every slice and returns its index.
func (s *Stack) AddLayer() int {
	for _, sl := range s.slices {
		sl.layers = append(sl.layers, s.labels.AcquireZeroed())
	}
	s.layerCount++
	return s.layerCount - 1
}

// RemoveLayer drops label layer l from every slice. The last layer cannot
// be removed.
func (s *Stack) RemoveLayer(l int) error {
	if l < 0 || l >= s.layerCount || s.layerCount == 1 {
		return fmt.Errorf("%w: %d (have %d)", ErrLayerOutOfRange, l, s.layerCount)
	}
	for _, sl := range s.slices {
		sl.layers[l].Release()
		sl.layers = append(sl.layers[:l], sl.layers[l+1:]...)
	}
	s.layerCount--
	if s.activeLayer >= s.layerCount {
		s.activeLayer = s.layerCount - 1
	}
	return nil
}

// Source returns the source buffer of slice i.
func (s *Stack) Source(i int) []float32 { return s.slices[i].source.Data() }

// Work returns the work buffer of slice i.
func (s *Stack) Work(i int) []float32 { return s.slices[i].work.Data() }

// Labels returns the active label layer of slice i.
func (s *Stack) Labels(i int) []models.Label { return s.slices[i].layers[s.activeLayer].Data() }

// Layer returns label layer l of slice i.
func (s *Stack) Layer(i, l int) []models.Label { return s.slices[i].layers[l].Data() }

// Slice returns slice i for access to its marks, limits and VVM points.
func (s *Stack) Slice(i int) *Slice { return s.slices[i] }

// SourceAt reads the source value at p on slice i.
func (s *Stack) SourceAt(p models.Point, i int) (float32, error) {
	if err := s.checkVoxel(p, i); err != nil {
		return 0, err
	}
	return s.Source(i)[p.Index(s.width)], nil
}

// SetSourceAt writes the source value at p on slice i.
func (s *Stack) SetSourceAt(p models.Point, i int, v float32) error {
	if err := s.checkVoxel(p, i); err != nil {
		return err
	}
	s.Source(i)[p.Index(s.width)] = v
	s.slices[i].modes[KindSource] = models.Modified
	return nil
}

// WorkAt reads the work value at p on slice i.
func (s *Stack) WorkAt(p models.Point, i int) (float32, error) {
	if err := s.checkVoxel(p, i); err != nil {
		return 0, err
	}
	return s.Work(i)[p.Index(s.width)], nil
}

// SetWorkAt writes the work value at p on slice i.
func (s *Stack) SetWorkAt(p models.Point, i int, v float32) error {
	if err := s.checkVoxel(p, i); err != nil {
		return err
	}
	s.Work(i)[p.Index(s.width)] = v
	s.slices[i].modes[KindWork] = models.Modified
	return nil
}

// LabelAt reads the active-layer label at p on slice i.
func (s *Stack) LabelAt(p models.Point, i int) (models.Label, error) {
	if err := s.checkVoxel(p, i); err != nil {
		return 0, err
	}
	return s.Labels(i)[p.Index(s.width)], nil
}

// SetLabelAt writes the active-layer label at p on slice i. Writing a
// label that is not in the tissue table, or overwriting a locked tissue,
// is refused.
func (s *Stack) SetLabelAt(p models.Point, i int, l models.Label) error {
	if err := s.checkVoxel(p, i); err != nil {
		return err
	}
	if l != 0 && !s.tissues.Valid(l) {
		return fmt.Errorf("%w: %d", tissue.ErrTissueNotFound, l)
	}
	buf := s.Labels(i)
	idx := p.Index(s.width)
	if s.tissues.Locked(buf[idx]) {
		return nil
	}
	buf[idx] = l
	s.slices[i].modes[KindTissue] = models.Modified
	return nil
}

func (s *Stack) checkVoxel(p models.Point, i int) error {
	if err := s.CheckSlice(i); err != nil {
		return err
	}
	return s.CheckPoint(p)
}

// Mode returns the edit state of one buffer kind of slice i.
func (s *Stack) Mode(i int, k BufferKind) models.Mode { return s.slices[i].modes[k] }

// SetMode sets the edit state of one buffer kind of slice i.
func (s *Stack) SetMode(i int, k BufferKind, m models.Mode) { s.slices[i].modes[k] = m }

// MarkRange sets the edit state of one buffer kind on every slice of r.
func (s *Stack) MarkRange(r models.SliceRange, k BufferKind, m models.Mode) {
	for i := r.Start; i <= r.End; i++ {
		s.slices[i].modes[k] = m
	}
}

// Modified reports whether any buffer of any slice differs from what was loaded.
func (s *Stack) Modified() bool {
	for _, sl := range s.slices {
		for _, m := range sl.modes {
			if m != models.Unchanged {
				return true
			}
		}
	}
	return false
}

// LoadSlice copies src, a width×height intensity image, into the source
// buffer of slice i. A size mismatch is rejected before anything changes.
func (s *Stack) LoadSlice(i int, src []float32, width, height int) error {
	if err := s.CheckSlice(i); err != nil {
		return err
	}
	if width != s.width || height != s.height || len(src) != s.Area() {
		return fmt.Errorf("%w: slice %d is %dx%d (%d values), stack is %dx%d",
			ErrDimensionMismatch, i, width, height, len(src), s.width, s.height)
	}
	copy(s.Source(i), src)
	s.slices[i].modes[KindSource] = models.Unchanged
	return nil
}

// LoadLabels copies a label image into the active layer of slice i.
func (s *Stack) LoadLabels(i int, src []models.Label) error {
	if err := s.CheckSlice(i); err != nil {
		return err
	}
	if len(src) != s.Area() {
		return fmt.Errorf("%w: %d labels for area %d", ErrDimensionMismatch, len(src), s.Area())
	}
	copy(s.Labels(i), src)
	s.slices[i].modes[KindTissue] = models.Unchanged
	return nil
}

// CopySourceToWork initialises the work buffers of r from the source buffers.
func (s *Stack) CopySourceToWork(r models.SliceRange) error {
	if err := s.CheckRange(r); err != nil {
		return err
	}
	for i := r.Start; i <= r.End; i++ {
		copy(s.Work(i), s.Source(i))
		s.slices[i].modes[KindWork] = models.Unchanged
	}
	return nil
}

// ClearLabels zeroes the active layer on every slice of r, sparing locked tissues.
func (s *Stack) ClearLabels(r models.SliceRange) error {
	if err := s.CheckRange(r); err != nil {
		return err
	}
	locked := s.tissues.LockMask()
	for i := r.Start; i <= r.End; i++ {
		buf := s.Labels(i)
		for j, l := range buf {
			if !isLocked(locked, l) {
				buf[j] = 0
			}
		}
		s.slices[i].modes[KindTissue] = models.Modified
	}
	return nil
}

func isLocked(mask []bool, l models.Label) bool {
	return int(l) < len(mask) && mask[l]
}
