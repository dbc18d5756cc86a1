package imagesource

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"tissueseg/pkg/pool"
	"tissueseg/pkg/volume"
)

// createTestImage creates a grayscale test image with the specified dimensions and pattern
func createTestImage(width, height int, pattern func(x, y int) uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.Gray{Y: pattern(x, y)})
		}
	}
	return img
}

func writeImage(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()

	switch filepath.Ext(path) {
	case ".png":
		err = png.Encode(f, img)
	case ".bmp":
		err = bmp.Encode(f, img)
	case ".tif":
		err = tiff.Encode(f, img, nil)
	}
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

// createTestSlices writes three slices whose voxels hold the slice number.
func createTestSlices(t *testing.T, dir string) {
	t.Helper()
	names := map[string]uint8{"slice10.png": 30, "slice2.bmp": 10, "slice3.tif": 20}
	for name, v := range names {
		writeImage(t, filepath.Join(dir, name), createTestImage(4, 3, func(x, y int) uint8 {
			return v + uint8(x)
		}))
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestExtractNumber(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"slice001.jpg", 1},
		{"img_12.png", 12},
		{"/tmp/a/b7c3.tif", 73},
		{"noNumber.bmp", 0},
	}
	for _, tt := range tests {
		if got := extractNumber(tt.name); got != tt.expected {
			t.Errorf("extractNumber(%q) = %d, expected %d", tt.name, got, tt.expected)
		}
	}
}

func TestFilesAreOrderedBySliceNumber(t *testing.T) {
	dir := t.TempDir()
	createTestSlices(t, dir)

	r := &DirReader{}
	files, err := r.Files(dir)
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	expected := []string{"slice2.bmp", "slice3.tif", "slice10.png"}
	if len(files) != len(expected) {
		t.Fatalf("Expected %d files, got %d", len(expected), len(files))
	}
	for i, name := range expected {
		if filepath.Base(files[i]) != name {
			t.Errorf("file %d: expected %s, got %s", i, name, filepath.Base(files[i]))
		}
	}
}

func TestInfoAndReadVolume(t *testing.T) {
	dir := t.TempDir()
	createTestSlices(t, dir)

	r := &DirReader{SliceGap: 3, PixelSpacing: 0.5, Workers: 2}
	info, err := r.Info(dir)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Width != 4 || info.Height != 3 || info.Count != 3 {
		t.Fatalf("Unexpected info %+v", info)
	}
	if info.Spacing != [3]float64{0.5, 0.5, 3} {
		t.Errorf("Unexpected spacing %v", info.Spacing)
	}

	out := make([][]float32, 3)
	for i := range out {
		out[i] = make([]float32, 12)
	}
	if err := r.ReadVolume(context.Background(), dir, out); err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	for i, base := range []float32{10, 20, 30} {
		for x := 0; x < 4; x++ {
			if got := out[i][2*4+x]; got != base+float32(x) {
				t.Errorf("slice %d x %d: expected %v, got %v", i, x, base+float32(x), got)
			}
		}
	}
}

func TestReadVolumeRejectsMismatchedImages(t *testing.T) {
	dir := t.TempDir()
	createTestSlices(t, dir)
	writeImage(t, filepath.Join(dir, "slice20.png"), createTestImage(3, 4, func(x, y int) uint8 { return 1 }))

	r := &DirReader{}
	out := make([][]float32, 4)
	for i := range out {
		out[i] = make([]float32, 12)
	}
	err := r.ReadVolume(context.Background(), dir, out)
	if !errors.Is(err, volume.ErrDimensionMismatch) {
		t.Errorf("Expected dimension mismatch, got %v", err)
	}
}

func TestEmptyDirectory(t *testing.T) {
	r := &DirReader{}
	if _, err := r.Info(t.TempDir()); !errors.Is(err, ErrNoImages) {
		t.Errorf("Expected ErrNoImages, got %v", err)
	}
}

func TestStackLoadsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	createTestSlices(t, dir)

	s, err := volume.New(pool.NewContext(true), nil, 1, 1, 1, volume.Options{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Load(context.Background(), &DirReader{SliceGap: 2, PixelSpacing: 1}, dir); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.SliceCount() != 3 || s.Width() != 4 || s.Height() != 3 {
		t.Fatalf("Unexpected stack size %dx%dx%d", s.Width(), s.Height(), s.SliceCount())
	}
	if got := s.Work(1)[0]; got != 20 {
		t.Errorf("Expected work copy of source, got %v", got)
	}
	if got := s.Geometry().Spacing[2]; got != 2 {
		t.Errorf("Expected slice spacing 2, got %v", got)
	}
}

func TestReadVolumeCancelled(t *testing.T) {
	dir := t.TempDir()
	createTestSlices(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make([][]float32, 3)
	for i := range out {
		out[i] = make([]float32, 12)
	}
	if err := (&DirReader{}).ReadVolume(ctx, dir, out); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
