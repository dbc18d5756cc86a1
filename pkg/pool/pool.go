// Package pool keeps free lists of equally sized voxel buffers so that
// slices, undo snapshots and scratch buffers of the growth and
// interpolation engines can reuse memory instead of reallocating it.
//
// Pools are keyed by slice area. A Registry hands out one Pool per distinct
// area and reference counts the owners of that pool; stacks of the same
// dimensions therefore share a single pool. A Context bundles the registries
// for the two buffer element types used by a volume stack (intensities and
// tissue labels) and is passed explicitly to the stack that uses it.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tissueseg/internal/models"
)

var (
	// ErrAreaInvalid is returned when a pool is requested for a non-positive area.
	ErrAreaInvalid = errors.New("pool area must be positive")

	// ErrForeignPool is returned when a pool is uninstalled from a registry
	// that did not create it.
	ErrForeignPool = errors.New("pool does not belong to this registry")
)

var (
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tissueseg_pool_acquire_total",
		Help: "Buffers handed out by voxel buffer pools, by element kind and origin",
	}, []string{"kind", "origin"})

	releaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tissueseg_pool_release_total",
		Help: "Buffers returned to voxel buffer pools, by element kind",
	}, []string{"kind"})

	livePools = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tissueseg_pool_live",
		Help: "Installed voxel buffer pools, by element kind",
	}, []string{"kind"})
)

// Stats is a point-in-time view of a pool's bookkeeping.
type Stats struct {
	Area      int
	Owners    int
	Allocated int // buffers ever allocated by this pool
	Live      int // buffers currently handed out
	Free      int // buffers waiting on the free list
	HighWater int // largest number of simultaneously live buffers
}

// Pool is a free list of buffers that all hold exactly Area elements.
// It is safe for concurrent use.
type Pool[T any] struct {
	mu        sync.Mutex
	area      int
	kind      string
	free      [][]T
	owners    int
	allocated int
	live      int
	highWater int
	closed    bool
}

func newPool[T any](area int, kind string) *Pool[T] {
	return &Pool[T]{area: area, kind: kind}
}

// New creates a standalone pool that is not tracked by any registry.
// Engines use standalone pools for scratch buffers of a fixed area.
func New[T any](area int, kind string) (*Pool[T], error) {
	if area <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrAreaInvalid, area)
	}
	return newPool[T](area, kind), nil
}

// Area returns the number of elements in every buffer of the pool.
func (p *Pool[T]) Area() int {
	return p.area
}

// Acquire returns a buffer of exactly Area elements. A previously released
// buffer is reused when one is available; its contents are unspecified.
func (p *Pool[T]) Acquire() *Handle[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	var data []T
	origin := "reused"
	if n := len(p.free); n > 0 {
		data = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		// Allocation failure panics inside the runtime; there is no retry.
		data = make([]T, p.area)
		p.allocated++
		origin = "fresh"
	}
	p.live++
	if p.live > p.highWater {
		p.highWater = p.live
	}
	acquireTotal.WithLabelValues(p.kind, origin).Inc()
	return &Handle[T]{data: data, pool: p}
}

// AcquireZeroed is Acquire followed by clearing the buffer.
func (p *Pool[T]) AcquireZeroed() *Handle[T] {
	h := p.Acquire()
	clear(h.data)
	return h
}

func (p *Pool[T]) put(data []T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.live--
	releaseTotal.WithLabelValues(p.kind).Inc()
	if p.closed {
		return
	}
	p.free = append(p.free, data)
}

// Trim drops every buffer on the free list.
func (p *Pool[T]) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.free)
	p.free = p.free[:0]
}

// Stats returns the current bookkeeping counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Area:      p.area,
		Owners:    p.owners,
		Allocated: p.allocated,
		Live:      p.live,
		Free:      len(p.free),
		HighWater: p.highWater,
	}
}

// Handle owns one buffer acquired from a pool until Release is called.
type Handle[T any] struct {
	data []T
	pool *Pool[T]
}

// Data returns the underlying buffer. It must not be used after Release.
func (h *Handle[T]) Data() []T {
	return h.data
}

// Release gives the buffer back to its pool. Releasing twice is a no-op.
func (h *Handle[T]) Release() {
	if h == nil || h.pool == nil {
		return
	}
	p := h.pool
	data := h.data
	h.pool = nil
	h.data = nil
	p.put(data)
}

// Registry installs one pool per distinct area and reference counts its
// owners. Unused pools are destroyed on the last Uninstall only when
// DeleteUnused is set; otherwise they stay around for the next owner.
type Registry[T any] struct {
	mu           sync.Mutex
	kind         string
	pools        map[int]*Pool[T]
	deleteUnused bool
}

// NewRegistry creates an empty registry for buffers of the given kind.
func NewRegistry[T any](kind string, deleteUnused bool) *Registry[T] {
	return &Registry[T]{
		kind:         kind,
		pools:        make(map[int]*Pool[T]),
		deleteUnused: deleteUnused,
	}
}

// Install returns the pool for area, creating it on first use, and
// registers one more owner.
func (r *Registry[T]) Install(area int) (*Pool[T], error) {
	if area <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrAreaInvalid, area)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[area]
	if !ok {
		p = newPool[T](area, r.kind)
		r.pools[area] = p
		livePools.WithLabelValues(r.kind).Inc()
	}
	p.mu.Lock()
	p.owners++
	p.mu.Unlock()
	return p, nil
}

// Uninstall drops one owner of p.
func (r *Registry[T]) Uninstall(p *Pool[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.pools[p.area]; !ok || cur != p {
		return ErrForeignPool
	}
	p.mu.Lock()
	if p.owners > 0 {
		p.owners--
	}
	remove := p.owners == 0 && r.deleteUnused
	if remove {
		p.closed = true
		clear(p.free)
		p.free = nil
	}
	p.mu.Unlock()

	if remove {
		delete(r.pools, p.area)
		livePools.WithLabelValues(r.kind).Dec()
	}
	return nil
}

// SetDeleteUnused changes the teardown policy for future Uninstall calls.
func (r *Registry[T]) SetDeleteUnused(v bool) {
	r.mu.Lock()
	r.deleteUnused = v
	r.mu.Unlock()
}

// Trim drops the free lists of every installed pool.
func (r *Registry[T]) Trim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.Trim()
	}
}

// Len returns the number of installed pools.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Context bundles the registries a volume stack draws its buffers from.
// Its lifetime is tied to the document that owns the stacks.
type Context struct {
	Floats *Registry[float32]
	Labels *Registry[models.Label]
}

// NewContext creates a pool context with the given teardown policy.
func NewContext(deleteUnused bool) *Context {
	return &Context{
		Floats: NewRegistry[float32]("float32", deleteUnused),
		Labels: NewRegistry[models.Label]("label", deleteUnused),
	}
}

// Trim releases the idle buffers of both registries.
func (c *Context) Trim() {
	c.Floats.Trim()
	c.Labels.Trim()
}
