package tissue

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissueseg/internal/models"
)

func newTestTable(t *testing.T, names ...string) *Table {
	t.Helper()
	tb := NewTable()
	for i, n := range names {
		id, err := tb.Add(Info{Name: n, Color: Color{R: float32(i) / 10}})
		require.NoError(t, err)
		require.Equal(t, models.Label(i+1), id)
	}
	return tb
}

func TestAddAndFind(t *testing.T) {
	tb := newTestTable(t, "bone", "muscle", "fat")

	id, ok := tb.Find("muscle")
	require.True(t, ok)
	assert.Equal(t, models.Label(2), id)

	_, err := tb.Add(Info{Name: "fat"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = tb.Info(0)
	assert.ErrorIs(t, err, ErrTissueNotFound)
}

func TestLockFlags(t *testing.T) {
	tb := newTestTable(t, "bone", "muscle")
	require.NoError(t, tb.SetLocked(2, true))

	assert.False(t, tb.Locked(0), "label 0 is never locked")
	assert.False(t, tb.Locked(1))
	assert.True(t, tb.Locked(2))
	assert.Equal(t, []bool{false, false, true}, tb.LockMask())

	assert.ErrorIs(t, tb.SetLocked(9, true), ErrTissueNotFound)
}

func TestRemoveCompactsIds(t *testing.T) {
	tb := newTestTable(t, "a", "b", "c", "d")
	remap, err := tb.Remove(2)
	require.NoError(t, err)

	assert.Equal(t, RemapTable{0, 1, 0, 2, 3}, remap)
	assert.Equal(t, 3, tb.Count())

	buf := []models.Label{0, 1, 2, 3, 4, 9}
	remap.Apply(buf)
	assert.Equal(t, []models.Label{0, 1, 0, 2, 3, 0}, buf)

	info, err := tb.Info(2)
	require.NoError(t, err)
	assert.Equal(t, "c", info.Name)
}

func TestRemoveMany(t *testing.T) {
	tb := newTestTable(t, "a", "b", "c", "d", "e")
	remap, err := tb.RemoveMany([]models.Label{2, 4})
	require.NoError(t, err)

	assert.Equal(t, RemapTable{0, 1, 0, 2, 0, 3}, remap)
	names := []string{}
	for _, in := range tb.Snapshot() {
		names = append(names, in.Name)
	}
	assert.Equal(t, []string{"a", "c", "e"}, names)
}

func TestRemapIdentity(t *testing.T) {
	assert.True(t, RemapTable{0, 1, 2}.Identity())
	assert.False(t, RemapTable{0, 2, 1}.Identity())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tb := newTestTable(t, "bone", "muscle")
	require.NoError(t, tb.SetLocked(1, true))

	var buf bytes.Buffer
	require.NoError(t, tb.Save(&buf))

	loaded := NewTable()
	require.NoError(t, loaded.Load(&buf))
	assert.Equal(t, tb.Snapshot(), loaded.Snapshot())
}

func TestLoadFormatV1(t *testing.T) {
	doc := `version: 257
tissues:
  - name: skin
    color: [1, 0.5, 0]
  - name: air
    color: [0, 0, 1]
`
	tb := NewTable()
	require.NoError(t, tb.Load(strings.NewReader(doc)))
	require.Equal(t, 2, tb.Count())

	info, _ := tb.Info(1)
	assert.Equal(t, "skin", info.Name)
	assert.Equal(t, Color{R: 1, G: 0.5, B: 0}, info.Color)
	assert.False(t, info.Locked)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	tb := NewTable()
	err := tb.Load(strings.NewReader("version: 3\ntissues: []\n"))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	err = tb.Load(strings.NewReader("version: 514\ntissues: []\n"))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestVersionPacking(t *testing.T) {
	v := CombineVersion(FormatV2, TableVersion)
	if v != 258 {
		t.Errorf("Expected combined version 258, got %d", v)
	}
	f, tv := SplitVersion(v)
	if f != FormatV2 || tv != TableVersion {
		t.Errorf("SplitVersion(%d) = %d, %d", v, f, tv)
	}
}
