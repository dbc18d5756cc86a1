// Package treap implements a priority index over voxel positions: a binary
// search tree ordered by models.Posit whose nodes are simultaneously heap
// ordered by a mutable unsigned priority. The minimum priority sits at the
// root, so the tree doubles as a decrease-key priority queue with O(log n)
// lookup by position. Equal priorities are ordered by a random tie value
// drawn at insertion, which keeps the tree balanced in expectation when
// many voxels share the same cost.
//
// Nodes live in an arena and refer to each other by index; removed slots
// are recycled through a free list threaded through the left link.
package treap

import (
	"fmt"
	"math/rand"

	"tissueseg/internal/models"
)

// ID is a stable handle to a node. It stays valid until the node is removed.
type ID int32

// Nil is the ID of no node.
const Nil ID = -1

const freed ID = -2

type node[V any] struct {
	key                 models.Posit
	val                 V
	prio                uint32
	tie                 uint32
	left, right, parent ID
}

// Treap is a randomized heap-ordered search tree. It is not safe for
// concurrent use.
type Treap[V any] struct {
	nodes    []node[V]
	root     ID
	freeHead ID
	size     int
	rng      *rand.Rand
}

// New creates an empty treap whose tie breaking is seeded with seed.
func New[V any](seed int64) *Treap[V] {
	return NewWithCapacity[V](seed, 0)
}

// NewWithCapacity preallocates room for capHint nodes.
func NewWithCapacity[V any](seed int64, capHint int) *Treap[V] {
	if capHint < 0 {
		capHint = 0
	}
	return &Treap[V]{
		nodes:    make([]node[V], 0, capHint),
		root:     Nil,
		freeHead: Nil,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of nodes.
func (t *Treap[V]) Len() int { return t.size }

// Empty reports whether the treap has no nodes.
func (t *Treap[V]) Empty() bool { return t.size == 0 }

// Key returns the key of node id.
func (t *Treap[V]) Key(id ID) models.Posit { return t.nodes[id].key }

// Priority returns the priority of node id.
func (t *Treap[V]) Priority(id ID) uint32 { return t.nodes[id].prio }

// Value returns the payload of node id.
func (t *Treap[V]) Value(id ID) V { return t.nodes[id].val }

// SetValue replaces the payload of node id.
func (t *Treap[V]) SetValue(id ID, v V) { t.nodes[id].val = v }

func (t *Treap[V]) alloc(key models.Posit, prio uint32, val V) ID {
	n := node[V]{
		key:    key,
		val:    val,
		prio:   prio,
		tie:    t.rng.Uint32(),
		left:   Nil,
		right:  Nil,
		parent: Nil,
	}
	if t.freeHead != Nil {
		id := t.freeHead
		t.freeHead = t.nodes[id].left
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return ID(len(t.nodes) - 1)
}

func (t *Treap[V]) release(id ID) {
	var zero node[V]
	t.nodes[id] = zero
	t.nodes[id].left = t.freeHead
	t.nodes[id].right = Nil
	t.nodes[id].parent = freed
	t.freeHead = id
}

// before reports whether a must sit above b in heap order.
func (t *Treap[V]) before(a, b ID) bool {
	na, nb := &t.nodes[a], &t.nodes[b]
	if na.prio != nb.prio {
		return na.prio < nb.prio
	}
	return na.tie < nb.tie
}

// Lookup finds the node holding key.
func (t *Treap[V]) Lookup(key models.Posit) (ID, bool) {
	cur := t.root
	for cur != Nil {
		switch key.Compare(t.nodes[cur].key) {
		case 0:
			return cur, true
		case -1:
			cur = t.nodes[cur].left
		default:
			cur = t.nodes[cur].right
		}
	}
	return Nil, false
}

// Insert adds key with the given priority and payload. If key is already
// present nothing changes and the existing node is returned with false.
func (t *Treap[V]) Insert(key models.Posit, prio uint32, val V) (ID, bool) {
	parent := Nil
	cur := t.root
	var less bool
	for cur != Nil {
		c := key.Compare(t.nodes[cur].key)
		if c == 0 {
			return cur, false
		}
		parent = cur
		less = c < 0
		if less {
			cur = t.nodes[cur].left
		} else {
			cur = t.nodes[cur].right
		}
	}

	id := t.alloc(key, prio, val)
	t.nodes[id].parent = parent
	switch {
	case parent == Nil:
		t.root = id
	case less:
		t.nodes[parent].left = id
	default:
		t.nodes[parent].right = id
	}
	t.size++
	t.siftUp(id)
	return id, true
}

// UpdatePriority changes the priority of node id and restores heap order.
func (t *Treap[V]) UpdatePriority(id ID, prio uint32) {
	old := t.nodes[id].prio
	t.nodes[id].prio = prio
	if prio < old {
		t.siftUp(id)
	} else if prio > old {
		t.siftDown(id)
	}
}

// DecreasePriority lowers the priority of node id to prio if prio is
// smaller than the current one. It reports whether the priority changed.
func (t *Treap[V]) DecreasePriority(id ID, prio uint32) bool {
	if prio >= t.nodes[id].prio {
		return false
	}
	t.nodes[id].prio = prio
	t.siftUp(id)
	return true
}

// Min returns the node with the smallest priority.
func (t *Treap[V]) Min() (ID, bool) {
	return t.root, t.root != Nil
}

// PopMin removes the minimum-priority node and returns its contents.
func (t *Treap[V]) PopMin() (models.Posit, uint32, V, bool) {
	if t.root == Nil {
		var zero V
		return models.Posit{}, 0, zero, false
	}
	id := t.root
	n := t.nodes[id]
	t.Remove(id)
	return n.key, n.prio, n.val, true
}

// Remove deletes node id. The ID must not be used afterwards.
func (t *Treap[V]) Remove(id ID) {
	// Rotate the node down until it is a leaf.
	for {
		l, r := t.nodes[id].left, t.nodes[id].right
		if l == Nil && r == Nil {
			break
		}
		var child ID
		switch {
		case l == Nil:
			child = r
		case r == Nil:
			child = l
		case t.before(l, r):
			child = l
		default:
			child = r
		}
		t.rotateUp(child)
	}

	p := t.nodes[id].parent
	switch {
	case p == Nil:
		t.root = Nil
	case t.nodes[p].left == id:
		t.nodes[p].left = Nil
	default:
		t.nodes[p].right = Nil
	}
	t.release(id)
	t.size--
}

// Clear removes all nodes but keeps the arena capacity.
func (t *Treap[V]) Clear() {
	t.nodes = t.nodes[:0]
	t.root = Nil
	t.freeHead = Nil
	t.size = 0
}

func (t *Treap[V]) siftUp(id ID) {
	for {
		p := t.nodes[id].parent
		if p == Nil || !t.before(id, p) {
			return
		}
		t.rotateUp(id)
	}
}

func (t *Treap[V]) siftDown(id ID) {
	for {
		l, r := t.nodes[id].left, t.nodes[id].right
		child := l
		if child == Nil || (r != Nil && t.before(r, l)) {
			child = r
		}
		if child == Nil || !t.before(child, id) {
			return
		}
		t.rotateUp(child)
	}
}

// rotateUp lifts x above its parent, preserving search order.
func (t *Treap[V]) rotateUp(x ID) {
	p := t.nodes[x].parent
	g := t.nodes[p].parent

	if t.nodes[p].left == x {
		b := t.nodes[x].right
		t.nodes[p].left = b
		if b != Nil {
			t.nodes[b].parent = p
		}
		t.nodes[x].right = p
	} else {
		b := t.nodes[x].left
		t.nodes[p].right = b
		if b != Nil {
			t.nodes[b].parent = p
		}
		t.nodes[x].left = p
	}
	t.nodes[p].parent = x
	t.nodes[x].parent = g

	switch {
	case g == Nil:
		t.root = x
	case t.nodes[g].left == p:
		t.nodes[g].left = x
	default:
		t.nodes[g].right = x
	}
}

// Walk visits nodes in key order until fn returns false.
func (t *Treap[V]) Walk(fn func(key models.Posit, prio uint32, val V) bool) {
	stack := make([]ID, 0, 32)
	cur := t.root
	for cur != Nil || len(stack) > 0 {
		for cur != Nil {
			stack = append(stack, cur)
			cur = t.nodes[cur].left
		}
		cur = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[cur]
		if !fn(n.key, n.prio, n.val) {
			return
		}
		cur = n.right
	}
}

// Check verifies search order, heap order, parent links and the node count.
func (t *Treap[V]) Check() error {
	if t.root != Nil && t.nodes[t.root].parent != Nil {
		return fmt.Errorf("root %d has parent %d", t.root, t.nodes[t.root].parent)
	}
	count := 0
	var prev *models.Posit
	var err error
	var visit func(id ID)
	visit = func(id ID) {
		if id == Nil || err != nil {
			return
		}
		n := &t.nodes[id]
		for _, c := range []ID{n.left, n.right} {
			if c == Nil {
				continue
			}
			if t.nodes[c].parent != id {
				err = fmt.Errorf("node %d: child %d has parent %d", id, c, t.nodes[c].parent)
				return
			}
			if t.nodes[c].prio < n.prio {
				err = fmt.Errorf("node %v priority %d above child %v priority %d",
					n.key, n.prio, t.nodes[c].key, t.nodes[c].prio)
				return
			}
		}
		visit(n.left)
		if err != nil {
			return
		}
		if prev != nil && !prev.Less(n.key) {
			err = fmt.Errorf("keys out of order: %v then %v", *prev, n.key)
			return
		}
		k := n.key
		prev = &k
		count++
		visit(n.right)
	}
	visit(t.root)
	if err != nil {
		return err
	}
	if count != t.size {
		return fmt.Errorf("reachable nodes %d, size %d", count, t.size)
	}
	return nil
}
