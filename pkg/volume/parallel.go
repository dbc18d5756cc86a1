package volume

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"tissueseg/internal/models"
	"tissueseg/pkg/tissue"
)

// ProgressFunc reports progress of a multi-slice operation.
type ProgressFunc func(completed, total int, message string)

// ForEachSlice runs fn for every slice of r on up to Workers goroutines.
// fn must only touch buffers of its own slice. Cancelling ctx stops
// scheduling further slices; slices already processed stay mutated and
// ctx.Err() is returned. progress, if set, is called once per finished
// slice, never concurrently.
func (s *Stack) ForEachSlice(ctx context.Context, r models.SliceRange, progress ProgressFunc, fn func(i int) error) error {
	if err := s.CheckRange(r); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	var mu sync.Mutex
	done := 0
	total := r.Len()

	for i := r.Start; i <= r.End; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(i); err != nil {
				return fmt.Errorf("slice %d: %w", i, err)
			}
			if progress != nil {
				mu.Lock()
				done++
				progress(done, total, "")
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Threshold sets the work buffer of every slice of r to fg where the source
// value lies in [low, high] and to 0 elsewhere.
func (s *Stack) Threshold(ctx context.Context, r models.SliceRange, low, high, fg float32) error {
	err := s.ForEachSlice(ctx, r, nil, func(i int) error {
		src, work := s.Source(i), s.Work(i)
		for j, v := range src {
			if v >= low && v <= high {
				work[j] = fg
			} else {
				work[j] = 0
			}
		}
		s.slices[i].modes[KindWork] = models.Computed
		return nil
	})
	if err != nil {
		return fmt.Errorf("threshold: %w", err)
	}
	s.logger.Debug("threshold applied", "start", r.Start, "end", r.End, "low", low, "high", high)
	return nil
}

// MapIndices rewrites every label of every layer of every slice through
// remap. Slices are processed in parallel. The rewrite ignores cancellation
// of ctx: once started, every slice is remapped.
func (s *Stack) MapIndices(ctx context.Context, remap tissue.RemapTable) error {
	if remap.Identity() {
		return nil
	}
	return s.ForEachSlice(context.WithoutCancel(ctx), s.All(), nil, func(i int) error {
		sl := s.slices[i]
		for _, layer := range sl.layers {
			remap.Apply(layer.Data())
		}
		sl.modes[KindTissue] = models.Modified
		return nil
	})
}

// DropStaleLabels clears every label that does not name a tissue of the
// table, on every layer of every slice. Like MapIndices it runs to
// completion even when ctx is cancelled. It returns the number of cleared
// voxels.
func (s *Stack) DropStaleLabels(ctx context.Context) (int, error) {
	limit := models.Label(s.tissues.Count())
	var mu sync.Mutex
	cleared := 0
	err := s.ForEachSlice(context.WithoutCancel(ctx), s.All(), nil, func(i int) error {
		sl := s.slices[i]
		n := 0
		for _, layer := range sl.layers {
			buf := layer.Data()
			for j, l := range buf {
				if l > limit {
					buf[j] = 0
					n++
				}
			}
		}
		if n > 0 {
			sl.modes[KindTissue] = models.Modified
			mu.Lock()
			cleared += n
			mu.Unlock()
		}
		return nil
	})
	return cleared, err
}

// RemoveTissue deletes tissue id from the table and compacts all label
// layers so that no voxel refers to a removed or shifted id.
func (s *Stack) RemoveTissue(ctx context.Context, id models.Label) error {
	remap, err := s.tissues.Remove(id)
	if err != nil {
		return err
	}
	if err := s.MapIndices(ctx, remap); err != nil {
		return fmt.Errorf("remapping labels after removing tissue %d: %w", id, err)
	}
	s.logger.Info("tissue removed", "id", id, "remaining", s.tissues.Count())
	return nil
}

// RemoveTissues deletes several tissues with a single compaction pass.
func (s *Stack) RemoveTissues(ctx context.Context, ids []models.Label) error {
	remap, err := s.tissues.RemoveMany(ids)
	if err != nil {
		return err
	}
	if err := s.MapIndices(ctx, remap); err != nil {
		return fmt.Errorf("remapping labels after removing %d tissues: %w", len(ids), err)
	}
	s.logger.Info("tissues removed", "count", len(ids), "remaining", s.tissues.Count())
	return nil
}

// Extent maps the first voxel of the first slice and the last voxel of
// the last slice to patient coordinates.
func (s *Stack) Extent() (origin, corner [3]float64) {
	origin = s.geometry.PhysicalPoint(models.Point{}, 0)
	corner = s.geometry.PhysicalPoint(models.Point{X: s.width - 1, Y: s.height - 1}, len(s.slices)-1)
	return origin, corner
}
