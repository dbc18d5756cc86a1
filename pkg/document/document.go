// Package document ties a volume stack, its tissue table and its undo
// history together. Every mutating command records the buffers it touches
// so that it can be undone and redone.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tissueseg/internal/models"
	"tissueseg/pkg/config"
	"tissueseg/pkg/pool"
	"tissueseg/pkg/tissue"
	"tissueseg/pkg/undo"
	"tissueseg/pkg/volume"
)

// Options configures a Document. Zero values select defaults.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Pools lets several documents share buffer pools.
	Pools *pool.Context
}

// Document is one open segmentation. It is not safe for concurrent use.
type Document struct {
	cfg      *config.Config
	logger   *slog.Logger
	pools    *pool.Context
	tissues  *tissue.Table
	stack    *volume.Stack
	history  *undo.Queue
	progress volume.ProgressFunc
}

// New creates a document holding an empty width×height×count volume.
func New(width, height, count int, opts Options) (*Document, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pools == nil {
		opts.Pools = pool.NewContext(opts.Config.Pool.DeleteUnused)
	}
	cfg := opts.Config

	d := &Document{
		cfg:     cfg,
		logger:  opts.Logger,
		pools:   opts.Pools,
		tissues: tissue.NewTable(),
	}
	geom := volume.NewGeometry([3]float64{cfg.Input.PixelSpacing, cfg.Input.PixelSpacing, cfg.Input.SliceGap}, [16]float64{})
	stack, err := volume.New(d.pools, d.tissues, width, height, count, volume.Options{
		Workers:  cfg.Processing.NumWorkers,
		Geometry: &geom,
		Logger:   d.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating volume: %w", err)
	}
	d.stack = stack
	d.history = undo.NewQueue(stack, undo.Options{
		MaxSteps:  cfg.Undo.MaxSteps,
		MaxArrays: cfg.Undo.MaxArrays,
		Logger:    d.logger,
	})
	return d, nil
}

// Close releases every buffer of the document.
func (d *Document) Close() {
	d.history.Clear()
	d.stack.Close()
}

// Stack returns the volume.
func (d *Document) Stack() *volume.Stack { return d.stack }

// Tissues returns the tissue table.
func (d *Document) Tissues() *tissue.Table { return d.tissues }

// History returns the undo queue.
func (d *Document) History() *undo.Queue { return d.history }

// Config returns the configuration the document was created with.
func (d *Document) Config() *config.Config { return d.cfg }

// SetProgress installs a callback for long multi-slice commands.
func (d *Document) SetProgress(fn volume.ProgressFunc) { d.progress = fn }

// StartUndo opens an undo recording of sel on the given slices.
func (d *Document) StartUndo(sel undo.DataSelection, slices ...int) error {
	return d.history.Start(sel, slices...)
}

// ExtendUndo adds slices to the open recording. Slices already recorded
// keep their first snapshot.
func (d *Document) ExtendUndo(slices ...int) error {
	return d.history.Extend(slices...)
}

// SetUndoLimits changes the bounds of the undo history; non-positive
// values keep the current bound. Old steps are evicted right away.
func (d *Document) SetUndoLimits(maxSteps, maxArrays int) {
	if maxSteps > 0 {
		d.cfg.Undo.MaxSteps = maxSteps
	}
	if maxArrays > 0 {
		d.cfg.Undo.MaxArrays = maxArrays
	}
	d.history.SetLimits(maxSteps, maxArrays)
	d.logger.Debug("undo limits changed", "maxSteps", d.cfg.Undo.MaxSteps, "maxArrays", d.cfg.Undo.MaxArrays,
		"steps", d.history.Len())
}

// EndUndo closes the open recording and pushes it.
func (d *Document) EndUndo() error { return d.history.End() }

// AbortUndo drops the open recording.
func (d *Document) AbortUndo() error { return d.history.Abort() }

// Undo reverts the most recent command.
func (d *Document) Undo() error {
	if err := d.history.Undo(); err != nil {
		return err
	}
	d.logger.Debug("undo", "remaining", d.history.Len())
	return nil
}

// Redo replays the most recently undone command.
func (d *Document) Redo() error {
	if err := d.history.Redo(); err != nil {
		return err
	}
	d.logger.Debug("redo", "remaining", d.history.RedoLen())
	return nil
}

func rangeSlices(r models.SliceRange) []int {
	out := make([]int, 0, r.Len())
	for i := r.Start; i <= r.End; i++ {
		out = append(out, i)
	}
	return out
}

// record runs fn inside an undo recording of sel over r. A failed command
// that was cancelled midway keeps its recording so the slices it already
// changed can be undone; any other failure happened before mutation and
// drops the recording.
func (d *Document) record(name string, sel undo.DataSelection, r models.SliceRange, fn func() error) error {
	if err := d.stack.CheckRange(r); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := d.history.Start(sel, rangeSlices(r)...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := fn(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if endErr := d.history.End(); endErr != nil {
				return errors.Join(err, endErr)
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		if abortErr := d.history.Abort(); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := d.history.End(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	d.logger.Info("command done", "command", name, "start", r.Start, "end", r.End)
	return nil
}

// Resize reallocates the volume. Labels are reset, the tissue table is
// kept and the undo history is cleared. Idle pooled buffers of the old
// size are dropped.
func (d *Document) Resize(width, height, count int) error {
	if err := d.stack.Resize(width, height, count); err != nil {
		return err
	}
	d.history.Clear()
	d.pools.Trim()
	return nil
}

// Load replaces the volume by the one read from path. The undo history is
// cleared on success.
func (d *Document) Load(ctx context.Context, r volume.Reader, path string) error {
	if err := d.stack.Load(ctx, r, path); err != nil {
		return err
	}
	d.history.Clear()
	d.pools.Trim()
	return nil
}
