package volume

import (
	"context"
	"fmt"
)

// Info describes a volume available from a Reader.
type Info struct {
	Width, Height, Count int
	Spacing              [3]float64
	// Transform is a row-major 4x4 image-to-patient matrix; zero means identity.
	Transform [16]float64
}

// Reader is the image source collaborator: it describes and decodes a
// stack of slices stored at path. DICOM and other wire formats live behind
// this interface.
type Reader interface {
	Info(path string) (Info, error)
	// ReadVolume fills out[i] (Width*Height values each) with slice i.
	ReadVolume(ctx context.Context, path string, out [][]float32) error
}

// Load resizes the stack to the volume at path and reads it into the
// source buffers; the work buffers start as a copy of the source. The stack
// is left unchanged if the volume cannot be described or decoded.
func (s *Stack) Load(ctx context.Context, r Reader, path string) error {
	info, err := r.Info(path)
	if err != nil {
		return fmt.Errorf("reading volume info: %w", err)
	}
	if info.Width <= 0 || info.Height <= 0 || info.Count <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrEmptyStack, info.Width, info.Height, info.Count)
	}

	// Decode into scratch buffers first so a failed read leaves the stack intact.
	area := info.Width * info.Height
	scratch := make([][]float32, info.Count)
	for i := range scratch {
		scratch[i] = make([]float32, area)
	}
	if err := r.ReadVolume(ctx, path, scratch); err != nil {
		return fmt.Errorf("reading volume: %w", err)
	}

	if err := s.Resize(info.Width, info.Height, info.Count); err != nil {
		return err
	}
	for i, buf := range scratch {
		if err := s.LoadSlice(i, buf, info.Width, info.Height); err != nil {
			return err
		}
	}
	if err := s.CopySourceToWork(s.All()); err != nil {
		return err
	}
	s.geometry = NewGeometry(info.Spacing, info.Transform)
	s.logger.Info("volume loaded", "path", path, "width", info.Width, "height", info.Height, "slices", info.Count)
	return nil
}
