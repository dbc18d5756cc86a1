package document

import (
	"context"
	"fmt"

	"tissueseg/internal/models"
	"tissueseg/pkg/config"
	"tissueseg/pkg/growth"
	"tissueseg/pkg/interpolation"
	"tissueseg/pkg/tissue"
	"tissueseg/pkg/undo"
)

// Threshold marks the work buffers of r where the source lies in [low, high].
func (d *Document) Threshold(ctx context.Context, r models.SliceRange, low, high, fg float32) error {
	return d.record("threshold", undo.SelWork, r, func() error {
		return d.stack.Threshold(ctx, r, low, high, fg)
	})
}

// RegionGrow fills the in-range region around seed on one slice.
func (d *Document) RegionGrow(slice int, seed models.Point, low, high, fill float32) (int, error) {
	var n int
	err := d.record("region grow", undo.SelWork, models.SliceRange{Start: slice, End: slice}, func() error {
		var err error
		n, err = growth.RegionGrow(d.stack, slice, seed, low, high, fill)
		return err
	})
	return n, err
}

// RegionGrow3D fills the in-range 3D region around seed within r.
func (d *Document) RegionGrow3D(r models.SliceRange, seed models.Posit, low, high, fill float32) (int, error) {
	var n int
	err := d.record("region grow 3d", undo.SelWork, r, func() error {
		var err error
		n, err = growth.RegionGrow3D(d.stack, r, seed, low, high, fill)
		return err
	})
	return n, err
}

// AddConnected assigns tissue id to the connected region around seed.
func (d *Document) AddConnected(r models.SliceRange, seed models.Posit, id models.Label, override bool) (int, error) {
	var n int
	err := d.record("add tissue", undo.SelTissue, r, func() error {
		var err error
		n, err = growth.AddConnected(d.stack, r, seed, id, override)
		return err
	})
	return n, err
}

// SubtractConnected clears the connected region of tissue id around seed.
func (d *Document) SubtractConnected(r models.SliceRange, seed models.Posit, id models.Label) (int, error) {
	var n int
	err := d.record("subtract tissue", undo.SelTissue, r, func() error {
		var err error
		n, err = growth.SubtractConnected(d.stack, r, seed, id)
		return err
	})
	return n, err
}

// AddSkin adds a skin band of tissue id with the given voxel extents.
func (d *Document) AddSkin(ctx context.Context, r models.SliceRange, ix, iy, iz int, id models.Label, priority bool) (int, error) {
	p := growth.SkinParams{IX: ix, IY: iy, IZ: iz, Label: id, Range: r, Progress: d.progress}
	skin := growth.SkinSimple
	if priority {
		skin = growth.SkinPriority
	}
	var n int
	err := d.record("add skin", undo.SelTissue, r, func() error {
		var err error
		n, err = skin(ctx, d.stack, p)
		return err
	})
	return n, err
}

// AddSkinMM adds a skin band of the configured physical thickness. The
// skin tissue is looked up by name and created when missing.
func (d *Document) AddSkinMM(ctx context.Context, r models.SliceRange) (int, error) {
	name := d.cfg.Skin.Tissue
	id, ok := d.tissues.Find(name)
	if !ok {
		var err error
		id, err = d.tissues.Add(tissue.Info{Name: name, Color: tissue.Color{R: 0.9, G: 0.7, B: 0.6}})
		if err != nil {
			return 0, fmt.Errorf("creating skin tissue: %w", err)
		}
	}
	ix, iy, iz := d.stack.Geometry().SkinVoxels(d.cfg.Skin.ThicknessMM)
	return d.AddSkin(ctx, r, ix, iy, iz, id, d.cfg.Skin.PriorityOrdered)
}

// RemoveIslands clears components of tissue id smaller than minSize.
func (d *Document) RemoveIslands(ctx context.Context, r models.SliceRange, id models.Label, minSize int) (int, error) {
	var n int
	err := d.record("remove islands", undo.SelTissue, r, func() error {
		var err error
		n, err = growth.RemoveIslands(ctx, d.stack, r, id, minSize)
		return err
	})
	return n, err
}

// FillHoles fills enclosed background components of at most maxSize voxels.
func (d *Document) FillHoles(ctx context.Context, r models.SliceRange, id models.Label, maxSize int) (int, error) {
	var n int
	err := d.record("fill holes", undo.SelTissue, r, func() error {
		var err error
		n, err = growth.FillHoles(ctx, d.stack, r, id, maxSize)
		return err
	})
	return n, err
}

func (d *Document) interpolationOptions() interpolation.Options {
	opts := interpolation.Options{
		MaxIterations: d.cfg.Interpolation.MaxIterations,
		Progress:      interpolation.ProgressCallback(d.progress),
	}
	if d.cfg.Interpolation.ExactDistance {
		opts.Method = interpolation.ExactDistance
	}
	return opts
}

// InterpolateTissue fills tissue id between slices s1 and s2 with the
// configured method. Only the slices strictly inside the gap are recorded.
func (d *Document) InterpolateTissue(s1, s2 int, id models.Label) (interpolation.Result, error) {
	res := interpolation.Result{Converged: true}
	if s2 <= s1+1 {
		if err := d.stack.CheckRange(models.SliceRange{Start: s1, End: s2}); err != nil {
			return res, err
		}
		return res, nil
	}
	opts := d.interpolationOptions()
	err := d.record("interpolate tissue", undo.SelTissue, models.SliceRange{Start: s1 + 1, End: s2 - 1}, func() error {
		var err error
		switch d.cfg.Interpolation.Method {
		case config.MethodDeadReckoning:
			_, err = interpolation.InterpolateTissue(d.stack, s1, s2, id, opts)
			res.Slices = s2 - s1 - 1
		default:
			res, err = interpolation.MedianSetTissue(d.stack, s1, s2, id, opts)
		}
		return err
	})
	if err == nil && !res.Converged {
		d.logger.Warn("median set interpolation hit the iteration bound", "from", s1, "to", s2,
			"iterations", res.Iterations)
	}
	return res, err
}

// InterpolateLabels interpolates every label of the active layer between
// slices s1 and s2 by distance crossing.
func (d *Document) InterpolateLabels(s1, s2 int) (int, error) {
	if s2 <= s1+1 {
		return 0, d.stack.CheckRange(models.SliceRange{Start: s1, End: s2})
	}
	var n int
	err := d.record("interpolate labels", undo.SelTissue, models.SliceRange{Start: s1 + 1, End: s2 - 1}, func() error {
		var err error
		n, err = interpolation.InterpolateLabels(d.stack, s1, s2, d.interpolationOptions())
		return err
	})
	return n, err
}

// InterpolateWork fills the work buffers between slices s1 and s2 from the
// regions at or above threshold. Median set interpolation writes fg inside
// the interpolated region; dead reckoning copies boundary values.
func (d *Document) InterpolateWork(s1, s2 int, threshold, fg float32) error {
	if s2 <= s1+1 {
		return d.stack.CheckRange(models.SliceRange{Start: s1, End: s2})
	}
	return d.record("interpolate work", undo.SelWork, models.SliceRange{Start: s1 + 1, End: s2 - 1}, func() error {
		switch d.cfg.Interpolation.Method {
		case config.MethodDeadReckoning:
			return interpolation.InterpolateWork(d.stack, s1, s2, threshold, d.interpolationOptions())
		default:
			_, err := interpolation.MedianSetWork(d.stack, s1, s2, threshold, fg, d.interpolationOptions())
			return err
		}
	})
}

// RemoveTissue deletes tissue id and compacts every label layer. Undo
// steps refer to the old ids, so the history is cleared. The compaction
// runs to completion even when ctx is cancelled.
func (d *Document) RemoveTissue(ctx context.Context, id models.Label) error {
	count := d.tissues.Count()
	err := d.stack.RemoveTissue(ctx, id)
	if d.tissues.Count() != count {
		d.history.Clear()
	}
	return err
}

// RemoveTissues deletes several tissues with one compaction pass and
// clears the history.
func (d *Document) RemoveTissues(ctx context.Context, ids []models.Label) error {
	count := d.tissues.Count()
	err := d.stack.RemoveTissues(ctx, ids)
	if d.tissues.Count() != count {
		d.history.Clear()
	}
	return err
}

// LockAllTissues sets the lock flag of every tissue.
func (d *Document) LockAllTissues(locked bool) {
	d.tissues.SetAllLocked(locked)
	d.logger.Debug("tissue locks changed", "locked", locked, "tissues", d.tissues.Count())
}

// LoadTissues replaces the tissue table with the one stored at path.
// Labels referring to tissues beyond the new table are cleared and the
// undo history is dropped.
func (d *Document) LoadTissues(ctx context.Context, path string) error {
	if err := d.tissues.LoadFile(path); err != nil {
		return err
	}
	d.history.Clear()
	n, err := d.stack.DropStaleLabels(ctx)
	if err != nil {
		return fmt.Errorf("clearing stale labels: %w", err)
	}
	d.logger.Info("tissues loaded", "path", path, "tissues", d.tissues.Count(), "cleared", n)
	return nil
}

// SaveTissues writes the tissue table to path.
func (d *Document) SaveTissues(path string) error {
	return d.tissues.SaveFile(path)
}
