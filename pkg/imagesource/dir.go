// Package imagesource reads slice stacks stored as one image per slice.
package imagesource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"

	"tissueseg/pkg/volume"
)

// ErrNoImages is returned for a directory without supported slice images.
var ErrNoImages = errors.New("no slice images found")

// Extensions lists the file extensions DirReader picks up.
var Extensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff"}

// DirReader reads a volume from a directory holding one image per slice.
// Slices are ordered by the number embedded in their file names and
// decoded to grey values in the 0..255 range.
type DirReader struct {
	// SliceGap is the distance between slices in mm.
	SliceGap float64
	// PixelSpacing is the in-plane voxel size in mm.
	PixelSpacing float64
	// Workers bounds the number of images decoded concurrently.
	Workers int
}

var _ volume.Reader = (*DirReader)(nil)

// Files returns the slice image paths of dir in slice order.
func (d *DirReader) Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range Extensions {
			if ext == want {
				imageFiles = append(imageFiles, e.Name())
				break
			}
		}
	}
	if len(imageFiles) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}

	// Numbers in the names give the anatomical order; names break ties.
	sort.SliceStable(imageFiles, func(i, j int) bool {
		numI := extractNumber(imageFiles[i])
		numJ := extractNumber(imageFiles[j])
		if numI != numJ {
			return numI < numJ
		}
		return imageFiles[i] < imageFiles[j]
	})
	for i, name := range imageFiles {
		imageFiles[i] = filepath.Join(dir, name)
	}
	return imageFiles, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

// Info implements volume.Reader. Only the first image header is decoded.
func (d *DirReader) Info(dir string) (volume.Info, error) {
	files, err := d.Files(dir)
	if err != nil {
		return volume.Info{}, err
	}
	f, err := os.Open(files[0])
	if err != nil {
		return volume.Info{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return volume.Info{}, fmt.Errorf("failed to read image header %s: %w", files[0], err)
	}

	return volume.Info{
		Width:   cfg.Width,
		Height:  cfg.Height,
		Count:   len(files),
		Spacing: [3]float64{d.PixelSpacing, d.PixelSpacing, d.SliceGap},
	}, nil
}

// ReadVolume implements volume.Reader. Every image must have the size of
// the first one.
func (d *DirReader) ReadVolume(ctx context.Context, dir string, out [][]float32) error {
	files, err := d.Files(dir)
	if err != nil {
		return err
	}
	info, err := d.Info(dir)
	if err != nil {
		return err
	}
	if len(files) != len(out) {
		return fmt.Errorf("%w: %d images for %d slices", volume.ErrDimensionMismatch, len(files), len(out))
	}

	workers := d.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := loadImage(path)
			if err != nil {
				return fmt.Errorf("failed to load image %s: %w", filepath.Base(path), err)
			}
			return imageToFloat(img, info.Width, info.Height, out[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// imageToFloat converts a width×height image to grey values in 0..255 and
// stores them row-major in dst.
func imageToFloat(img image.Image, width, height int, dst []float32) error {
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height || len(dst) != width*height {
		return fmt.Errorf("%w: image %dx%d, expected %dx%d", volume.ErrDimensionMismatch,
			bounds.Dx(), bounds.Dy(), width, height)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			// Convert 16-bit grey to the 8-bit range
			dst[y*width+x] = float32(g.Y) / 257.0
		}
	}
	return nil
}
