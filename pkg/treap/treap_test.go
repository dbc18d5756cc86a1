package treap

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissueseg/internal/models"
)

func TestInsertLookup(t *testing.T) {
	tr := New[string](1)

	keys := []models.Posit{{Pos: 5, Slice: 1}, {Pos: 2, Slice: 0}, {Pos: 9, Slice: 1}, {Pos: 0, Slice: 2}}
	for i, k := range keys {
		_, inserted := tr.Insert(k, uint32(10-i), k.String())
		require.True(t, inserted)
	}
	require.NoError(t, tr.Check())
	assert.Equal(t, len(keys), tr.Len())

	id, ok := tr.Lookup(models.Posit{Pos: 9, Slice: 1})
	require.True(t, ok)
	assert.Equal(t, "(9@1)", tr.Value(id))
	assert.Equal(t, uint32(8), tr.Priority(id))

	_, ok = tr.Lookup(models.Posit{Pos: 9, Slice: 0})
	assert.False(t, ok)
}

func TestInsertDuplicateKeepsExisting(t *testing.T) {
	tr := New[int](1)
	k := models.Posit{Pos: 3, Slice: 3}
	id, _ := tr.Insert(k, 4, 1)
	id2, inserted := tr.Insert(k, 1, 2)

	assert.False(t, inserted)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, tr.Value(id))
	assert.Equal(t, uint32(4), tr.Priority(id))
}

func TestPopMinOrder(t *testing.T) {
	tr := New[struct{}](7)
	prios := []uint32{50, 3, 17, 3, 99, 0, 42}
	for i, p := range prios {
		tr.Insert(models.Posit{Pos: i}, p, struct{}{})
	}

	var got []uint32
	for !tr.Empty() {
		_, p, _, ok := tr.PopMin()
		require.True(t, ok)
		got = append(got, p)
		require.NoError(t, tr.Check())
	}
	want := append([]uint32(nil), prios...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, got)

	_, _, _, ok := tr.PopMin()
	assert.False(t, ok)
}

func TestDecreasePriority(t *testing.T) {
	tr := New[int](3)
	var ids []ID
	for i := 0; i < 10; i++ {
		id, _ := tr.Insert(models.Posit{Pos: i}, uint32(100+i), i)
		ids = append(ids, id)
	}

	assert.False(t, tr.DecreasePriority(ids[7], 500))
	assert.True(t, tr.DecreasePriority(ids[7], 1))
	require.NoError(t, tr.Check())

	min, ok := tr.Min()
	require.True(t, ok)
	assert.Equal(t, 7, tr.Value(min))
}

func TestSlotReuseAfterRemove(t *testing.T) {
	tr := New[int](5)
	a, _ := tr.Insert(models.Posit{Pos: 1}, 1, 1)
	tr.Insert(models.Posit{Pos: 2}, 2, 2)
	tr.Remove(a)
	b, _ := tr.Insert(models.Posit{Pos: 3}, 3, 3)

	assert.Equal(t, a, b, "freed slot should be recycled")
	assert.Equal(t, 2, tr.Len())
	require.NoError(t, tr.Check())
}

// Random operation sequences keep in-order traversal sorted and every
// child priority at or above its parent's.
func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	tr := New[int](11)
	ref := map[models.Posit]uint32{}

	for step := 0; step < 3000; step++ {
		k := models.Posit{Pos: rng.Intn(40), Slice: rng.Intn(5)}
		switch op := rng.Intn(4); op {
		case 0, 1:
			p := uint32(rng.Intn(1000))
			if _, inserted := tr.Insert(k, p, step); inserted {
				ref[k] = p
			}
		case 2:
			if id, ok := tr.Lookup(k); ok {
				p := uint32(rng.Intn(1000))
				tr.UpdatePriority(id, p)
				ref[k] = p
			}
		case 3:
			if id, ok := tr.Lookup(k); ok {
				tr.Remove(id)
				delete(ref, k)
			}
		}
		require.NoError(t, tr.Check(), "step %d", step)
	}

	require.Equal(t, len(ref), tr.Len())
	var keys []models.Posit
	tr.Walk(func(k models.Posit, p uint32, _ int) bool {
		assert.Equal(t, ref[k], p)
		keys = append(keys, k)
		return true
	})
	assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i].Less(keys[j]) }))
}

func TestWalkStopsEarly(t *testing.T) {
	tr := New[int](2)
	for i := 0; i < 20; i++ {
		tr.Insert(models.Posit{Pos: i}, uint32(i), i)
	}
	n := 0
	tr.Walk(func(models.Posit, uint32, int) bool {
		n++
		return n < 5
	})
	if n != 5 {
		t.Errorf("Expected walk to stop after 5 nodes, visited %d", n)
	}
}

func BenchmarkInsertPopMin(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < b.N; i++ {
		tr := NewWithCapacity[int](1, 1024)
		for j := 0; j < 1024; j++ {
			tr.Insert(models.Posit{Pos: j}, uint32(rng.Intn(256)), j)
		}
		for !tr.Empty() {
			tr.PopMin()
		}
	}
}
