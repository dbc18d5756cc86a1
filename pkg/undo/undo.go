// Package undo records snapshots of slice buffers around editing operations
// and replays them on Undo and Redo.
//
// An operation is bracketed by Start (captures the "before" state of the
// selected data on the affected slices) and End (captures the "after"
// state and pushes the pair). Abort drops a recording without pushing it.
// Both the number of retained steps and the number of captured buffer
// arrays are bounded; a recording that cannot fit is dropped silently and
// the operation simply has no undo step.
package undo

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"tissueseg/internal/models"
	"tissueseg/pkg/pool"
)

var (
	// ErrNothingToUndo indicates the undo stack is empty.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo indicates the redo stack is empty.
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrNotRecording is returned by End, Abort and Extend outside a recording.
	ErrNotRecording = errors.New("no undo recording in progress")

	// ErrAlreadyRecording is returned by Start while a recording is open.
	ErrAlreadyRecording = errors.New("undo recording already in progress")
)

// DataSelection selects which per-slice data an undo step captures.
type DataSelection uint8

const (
	SelSource DataSelection = 1 << iota
	SelWork
	SelTissue
	SelMarks
	SelLimits
	SelVVM

	SelNone DataSelection = 0
	SelAll                = SelSource | SelWork | SelTissue | SelMarks | SelLimits | SelVVM
)

// Has reports whether every bit of f is set in s.
func (s DataSelection) Has(f DataSelection) bool {
	return s&f == f && f != 0
}

func (s DataSelection) String() string {
	if s == SelNone {
		return "none"
	}
	names := []string{"source", "work", "tissue", "marks", "limits", "vvm"}
	var parts []string
	for i, n := range names {
		if s&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// SliceState is a snapshot of the selected data of one slice.
// Buffer snapshots are drawn from the stack's pools.
type SliceState struct {
	Slice     int
	Selection DataSelection
	Source    *pool.Handle[float32]
	Work      *pool.Handle[float32]
	Layers    []*pool.Handle[models.Label]
	Marks     []models.Mark
	Limits    []models.Polyline
	VVM       []models.Mark
}

// Arrays returns the number of voxel buffers held by the snapshot.
func (s *SliceState) Arrays() int {
	n := len(s.Layers)
	if s.Source != nil {
		n++
	}
	if s.Work != nil {
		n++
	}
	return n
}

// Release returns the snapshot buffers to their pools.
func (s *SliceState) Release() {
	s.Source.Release()
	s.Work.Release()
	for _, l := range s.Layers {
		l.Release()
	}
	s.Source, s.Work, s.Layers = nil, nil, nil
}

// Target is the data an undo queue records; implemented by volume.Stack.
type Target interface {
	SliceCount() int
	// ArraysPerSlice returns how many buffers a capture of sel needs.
	ArraysPerSlice(sel DataSelection) int
	Capture(slice int, sel DataSelection) (*SliceState, error)
	Restore(st *SliceState) error
}

type element struct {
	sel    DataSelection
	slices []int
	before []*SliceState
	after  []*SliceState
}

func (e *element) arrays() int {
	n := 0
	for _, s := range e.before {
		n += s.Arrays()
	}
	for _, s := range e.after {
		n += s.Arrays()
	}
	return n
}

func (e *element) release() {
	for _, s := range e.before {
		s.Release()
	}
	for _, s := range e.after {
		s.Release()
	}
	e.before, e.after = nil, nil
}

type state int

const (
	idle state = iota
	recording
	discarding
)

// Options configures a Queue.
type Options struct {
	// MaxSteps bounds the number of retained undo steps.
	MaxSteps int
	// MaxArrays bounds the total number of captured buffer arrays.
	MaxArrays int
	Logger    *slog.Logger
}

// Queue is a bounded undo/redo history. It is not safe for concurrent use.
type Queue struct {
	target    Target
	maxSteps  int
	maxArrays int
	logger    *slog.Logger

	undo   []*element
	redo   []*element
	cur    *element
	state  state
	arrays int
}

// NewQueue creates an empty history recording into target.
func NewQueue(target Target, opts Options) *Queue {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 20
	}
	if opts.MaxArrays <= 0 {
		opts.MaxArrays = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		target:    target,
		maxSteps:  opts.MaxSteps,
		maxArrays: opts.MaxArrays,
		logger:    opts.Logger,
	}
}

// Recording reports whether Start has been called without End or Abort.
func (q *Queue) Recording() bool { return q.state != idle }

// CanUndo reports whether Undo has a step to replay.
func (q *Queue) CanUndo() bool { return len(q.undo) > 0 && q.state == idle }

// CanRedo reports whether Redo has a step to replay.
func (q *Queue) CanRedo() bool { return len(q.redo) > 0 && q.state == idle }

// Len returns the number of undo steps.
func (q *Queue) Len() int { return len(q.undo) }

// RedoLen returns the number of redo steps.
func (q *Queue) RedoLen() int { return len(q.redo) }

// Arrays returns the number of buffer arrays held by pushed steps.
func (q *Queue) Arrays() int { return q.arrays }

// SetLimits changes both bounds and evicts old steps as needed.
func (q *Queue) SetLimits(maxSteps, maxArrays int) {
	if maxSteps > 0 {
		q.maxSteps = maxSteps
	}
	if maxArrays > 0 {
		q.maxArrays = maxArrays
	}
	q.evict()
}

// Start opens a recording of sel on the given slices.
func (q *Queue) Start(sel DataSelection, idx ...int) error {
	if q.state != idle {
		return ErrAlreadyRecording
	}
	q.cur = &element{sel: sel}
	q.state = recording
	if err := q.capture(idx); err != nil {
		q.cur.release()
		q.cur = nil
		q.state = idle
		return err
	}
	return nil
}

// StartAll opens a recording of sel on every slice of the target.
func (q *Queue) StartAll(sel DataSelection) error {
	all := make([]int, q.target.SliceCount())
	for i := range all {
		all[i] = i
	}
	return q.Start(sel, all...)
}

// Extend merges more slices into the open recording. Slices already
// captured keep their original "before" state.
func (q *Queue) Extend(idx ...int) error {
	switch q.state {
	case idle:
		return ErrNotRecording
	case discarding:
		return nil
	}
	var fresh []int
	for _, s := range idx {
		if !slices.Contains(q.cur.slices, s) && !slices.Contains(fresh, s) {
			fresh = append(fresh, s)
		}
	}
	return q.capture(fresh)
}

func (q *Queue) capture(list []int) error {
	need := 2 * len(list) * q.target.ArraysPerSlice(q.cur.sel)
	if q.cur.arrays()+need > q.maxArrays {
		q.logger.Debug("undo step exceeds array budget, dropping",
			"slices", len(q.cur.slices)+len(list), "arrays", q.cur.arrays()+need, "max", q.maxArrays)
		q.cur.release()
		q.state = discarding
		return nil
	}
	for _, s := range list {
		st, err := q.target.Capture(s, q.cur.sel)
		if err != nil {
			return fmt.Errorf("capturing slice %d: %w", s, err)
		}
		q.cur.slices = append(q.cur.slices, s)
		q.cur.before = append(q.cur.before, st)
	}
	return nil
}

// End captures the "after" state and pushes the step. The redo history is
// cleared.
func (q *Queue) End() error {
	switch q.state {
	case idle:
		return ErrNotRecording
	case discarding:
		q.cur = nil
		q.state = idle
		q.clearRedo()
		return nil
	}

	e := q.cur
	for _, s := range e.slices {
		st, err := q.target.Capture(s, e.sel)
		if err != nil {
			e.release()
			q.cur = nil
			q.state = idle
			return fmt.Errorf("capturing slice %d: %w", s, err)
		}
		e.after = append(e.after, st)
	}
	q.cur = nil
	q.state = idle

	q.clearRedo()
	q.undo = append(q.undo, e)
	q.arrays += e.arrays()
	q.evict()
	q.logger.Debug("undo step recorded", "selection", e.sel, "slices", len(e.slices), "arrays", q.arrays)
	return nil
}

// Abort drops the open recording.
func (q *Queue) Abort() error {
	if q.state == idle {
		return ErrNotRecording
	}
	if q.cur != nil {
		q.cur.release()
	}
	q.cur = nil
	q.state = idle
	return nil
}

// Undo restores the "before" state of the most recent step.
func (q *Queue) Undo() error {
	if q.state != idle {
		return ErrAlreadyRecording
	}
	if len(q.undo) == 0 {
		return ErrNothingToUndo
	}
	e := q.undo[len(q.undo)-1]
	for _, st := range e.before {
		if err := q.target.Restore(st); err != nil {
			return fmt.Errorf("undo slice %d: %w", st.Slice, err)
		}
	}
	q.undo = q.undo[:len(q.undo)-1]
	q.redo = append(q.redo, e)
	return nil
}

// Redo replays the "after" state of the most recently undone step.
func (q *Queue) Redo() error {
	if q.state != idle {
		return ErrAlreadyRecording
	}
	if len(q.redo) == 0 {
		return ErrNothingToRedo
	}
	e := q.redo[len(q.redo)-1]
	for _, st := range e.after {
		if err := q.target.Restore(st); err != nil {
			return fmt.Errorf("redo slice %d: %w", st.Slice, err)
		}
	}
	q.redo = q.redo[:len(q.redo)-1]
	q.undo = append(q.undo, e)
	return nil
}

// Clear drops the whole history, including an open recording.
func (q *Queue) Clear() {
	if q.cur != nil {
		q.cur.release()
		q.cur = nil
	}
	q.state = idle
	for _, e := range q.undo {
		e.release()
	}
	q.undo = nil
	q.clearRedo()
	q.arrays = 0
}

func (q *Queue) clearRedo() {
	for _, e := range q.redo {
		q.arrays -= e.arrays()
		e.release()
	}
	q.redo = nil
}

// evict drops the oldest undo steps until both bounds hold.
func (q *Queue) evict() {
	for len(q.undo) > 0 && (len(q.undo)+len(q.redo) > q.maxSteps || q.arrays > q.maxArrays) {
		old := q.undo[0]
		q.arrays -= old.arrays()
		old.release()
		q.undo[0] = nil
		q.undo = q.undo[1:]
	}
}
