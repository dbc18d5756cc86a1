// Package visualization renders slices of a segmentation volume to images:
// grey source or work intensities, and source intensities with the tissue
// labels blended on top in their table colours.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"tissueseg/internal/models"
	"tissueseg/pkg/volume"
)

// Layer selects what a rendered slice shows.
type Layer int

const (
	// Source renders the loaded intensities.
	Source Layer = iota
	// Work renders the editable intensities.
	Work
	// Overlay renders the source intensities with tissue colours on top.
	Overlay
)

func (l Layer) String() string {
	switch l {
	case Source:
		return "source"
	case Work:
		return "work"
	case Overlay:
		return "overlay"
	default:
		return fmt.Sprintf("Layer(%d)", int(l))
	}
}

// ParseLayer converts a layer name back to a Layer.
func ParseLayer(name string) (Layer, error) {
	for _, l := range []Layer{Source, Work, Overlay} {
		if strings.EqualFold(name, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("invalid layer: %s (must be source, work or overlay)", name)
}

// Viewer extracts and saves 2D views of a volume stack along any axis.
type Viewer struct {
	stack *volume.Stack
}

// NewViewer creates a viewer on s. The stack must not be resized while
// the viewer is in use.
func NewViewer(s *volume.Stack) *Viewer {
	return &Viewer{stack: s}
}

// plane describes the voxels of one axis-aligned cut through the stack.
type plane struct {
	width, height int
	// at maps an image pixel to (in-slice position, slice).
	at func(x, y int) models.Posit
}

func (v *Viewer) plane(axis string, position int) (plane, error) {
	if position < 0 {
		return plane{}, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.stack.Width(), v.stack.Height(), v.stack.SliceCount()

	switch axis {
	case "x", "X":
		// Slice along the YZ plane
		if position >= w {
			return plane{}, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		return plane{width: d, height: h, at: func(x, y int) models.Posit {
			return models.Posit{Pos: y*w + position, Slice: x}
		}}, nil

	case "y", "Y":
		// Slice along the XZ plane
		if position >= h {
			return plane{}, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		return plane{width: w, height: d, at: func(x, y int) models.Posit {
			return models.Posit{Pos: position*w + x, Slice: y}
		}}, nil

	case "z", "Z":
		// Slice along the XY plane
		if position >= d {
			return plane{}, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		return plane{width: w, height: h, at: func(x, y int) models.Posit {
			return models.Posit{Pos: y*w + x, Slice: position}
		}}, nil

	default:
		return plane{}, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// intensities reads the grey values of a plane and rescales them to 0..1
// using their own minimum and maximum.
func (v *Viewer) intensities(p plane, layer Layer) []float64 {
	values := make([]float64, p.width*p.height)
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			q := p.at(x, y)
			var val float32
			if layer == Work {
				val = v.stack.Work(q.Slice)[q.Pos]
			} else {
				val = v.stack.Source(q.Slice)[q.Pos]
			}
			values[y*p.width+x] = float64(val)
		}
	}
	lo, hi := floats.Min(values), floats.Max(values)
	if hi > lo {
		floats.AddConst(-lo, values)
		floats.Scale(1/(hi-lo), values)
	} else {
		for i := range values {
			values[i] = 0
		}
	}
	return values
}

// ExtractSlice renders the plane at position along axis.
func (v *Viewer) ExtractSlice(axis string, position int, layer Layer) (image.Image, error) {
	p, err := v.plane(axis, position)
	if err != nil {
		return nil, err
	}
	grey := v.intensities(p, layer)

	if layer != Overlay {
		img := image.NewGray16(image.Rect(0, 0, p.width, p.height))
		for y := 0; y < p.height; y++ {
			for x := 0; x < p.width; x++ {
				value := uint16(math.Max(0, math.Min(65535, grey[y*p.width+x]*65535)))
				img.SetGray16(x, y, color.Gray16{Y: value})
			}
		}
		return img, nil
	}

	infos := v.stack.Tissues().Snapshot()
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			g := grey[y*p.width+x]
			r, gr, b := g, g, g
			q := p.at(x, y)
			if l := v.stack.Labels(q.Slice)[q.Pos]; l > 0 && int(l) <= len(infos) {
				info := infos[l-1]
				a := float64(info.Opacity)
				r = (1-a)*g + a*float64(info.Color.R)
				gr = (1-a)*g + a*float64(info.Color.G)
				b = (1-a)*g + a*float64(info.Color.B)
			}
			img.SetRGBA(x, y, color.RGBA{R: to8(r), G: to8(gr), B: to8(b), A: 255})
		}
	}
	return img, nil
}

func to8(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v*255))))
}

// ExtractRegion extracts a 3D subregion of the work buffers, x fastest.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) ([]float32, error) {
	// Validate parameters
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}

	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	w := v.stack.Width()
	if startX+sizeX > w || startY+sizeY > v.stack.Height() || startZ+sizeZ > v.stack.SliceCount() {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]float32, sizeX*sizeY*sizeZ)
	for z := 0; z < sizeZ; z++ {
		work := v.stack.Work(startZ + z)
		for y := 0; y < sizeY; y++ {
			src := work[(startY+y)*w+startX : (startY+y)*w+startX+sizeX]
			copy(region[(z*sizeY+y)*sizeX:], src)
		}
	}
	return region, nil
}

// SaveSlice saves an image as PNG or JPEG depending on the file extension.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return png.Encode(file, img)
	default:
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
}

// SaveSliceSequence extracts and saves every slice along axis as PNG files.
func (v *Viewer) SaveSliceSequence(axis string, layer Layer, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.stack.Width()
	case "y", "Y":
		maxPos = v.stack.Height()
	case "z", "Z":
		maxPos = v.stack.SliceCount()
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos, layer)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", layer, strings.ToLower(axis), pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
