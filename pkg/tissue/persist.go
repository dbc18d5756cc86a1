package tissue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// On-disk versions. The stored version integer combines both: the low byte
// is the file format version and the remaining bits the tissue-table version.
const (
	// FormatV1 stores names and colours only; tissue ids are implicit.
	FormatV1 = 1
	// FormatV2 adds explicit ids, opacity and lock flags.
	FormatV2 = 2

	// TableVersion is the current tissue-table layout.
	TableVersion = 1
)

// ErrUnsupportedVersion is returned when a file carries an unknown version.
var ErrUnsupportedVersion = errors.New("unsupported tissue file version")

// CombineVersion packs a format and table version into one integer.
func CombineVersion(format, table int) int {
	return format&0xff | table<<8
}

// SplitVersion undoes CombineVersion.
func SplitVersion(v int) (format, table int) {
	return v & 0xff, v >> 8
}

type fileTissue struct {
	ID      int        `yaml:"id,omitempty"`
	Name    string     `yaml:"name"`
	Color   [3]float32 `yaml:"color,flow"`
	Opacity float32    `yaml:"opacity,omitempty"`
	Locked  bool       `yaml:"locked,omitempty"`
}

type fileTable struct {
	Version int          `yaml:"version"`
	Tissues []fileTissue `yaml:"tissues"`
}

// Save writes the table in the current format.
func (t *Table) Save(w io.Writer) error {
	infos := t.Snapshot()
	doc := fileTable{
		Version: CombineVersion(FormatV2, TableVersion),
		Tissues: make([]fileTissue, len(infos)),
	}
	for i, in := range infos {
		doc.Tissues[i] = fileTissue{
			ID:      i + 1,
			Name:    in.Name,
			Color:   [3]float32{in.Color.R, in.Color.G, in.Color.B},
			Opacity: in.Opacity,
			Locked:  in.Locked,
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("error encoding tissue table: %w", err)
	}
	return enc.Close()
}

// Load replaces the table contents with the tissues read from r.
// Both file formats are accepted.
func (t *Table) Load(r io.Reader) error {
	var doc fileTable
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("error parsing tissue table: %w", err)
	}

	format, table := SplitVersion(doc.Version)
	if table > TableVersion {
		return fmt.Errorf("%w: table version %d", ErrUnsupportedVersion, table)
	}

	infos := make([]Info, len(doc.Tissues))
	switch format {
	case FormatV1:
		for i, ft := range doc.Tissues {
			infos[i] = Info{
				Name:    ft.Name,
				Color:   Color{R: ft.Color[0], G: ft.Color[1], B: ft.Color[2]},
				Opacity: 0.5,
			}
		}
	case FormatV2:
		seen := make([]bool, len(doc.Tissues)+1)
		for _, ft := range doc.Tissues {
			if ft.ID < 1 || ft.ID > len(doc.Tissues) || seen[ft.ID] {
				return fmt.Errorf("invalid tissue id %d in table", ft.ID)
			}
			seen[ft.ID] = true
			opacity := ft.Opacity
			if opacity == 0 {
				opacity = 0.5
			}
			infos[ft.ID-1] = Info{
				Name:    ft.Name,
				Color:   Color{R: ft.Color[0], G: ft.Color[1], B: ft.Color[2]},
				Opacity: opacity,
				Locked:  ft.Locked,
			}
		}
	default:
		return fmt.Errorf("%w: format %d", ErrUnsupportedVersion, format)
	}
	return t.Replace(infos)
}

// SaveFile writes the table to path, creating parent directories.
func (t *Table) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating tissue directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating tissue file: %w", err)
	}
	if err := t.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads the table from path.
func (t *Table) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening tissue file: %w", err)
	}
	defer f.Close()
	return t.Load(f)
}
