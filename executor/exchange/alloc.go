package exchange

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sixzero_exchange_alloc_total",
		Help: "Engine-visible buffers handed out by an exchange allocator.",
	}, []string{"level"})

	releaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sixzero_exchange_release_total",
		Help: "Engine-visible buffers released back to their allocator.",
	}, []string{"level"})
)

// Allocator hands out the buffers the engine fills with caller-visible output.
//
// The engine must allocate every output buffer through the Allocator the caller
// passed in, and the caller releases them through that same Allocator. Releasing
// a buffer through a different Allocator, releasing it twice, or reading it after
// release panics with a *ContractViolation.
//
// Buffers are pooled; an Allocator is safe for concurrent use by engine workers.
type Allocator struct {
	stepPool   sync.Pool
	resultPool sync.Pool

	mu          sync.Mutex
	nextID      uint64
	outstanding map[uint64]string

	allocs   atomic.Int64
	releases atomic.Int64
}

// NewAllocator returns an empty pooled allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		stepPool: sync.Pool{New: func() interface{} {
			b := make([]RawStep, 0, 128)
			return &b
		}},
		resultPool: sync.Pool{New: func() interface{} {
			b := make([]RawResult, 0, 16)
			return &b
		}},
		outstanding: make(map[uint64]string),
	}
}

// StepArray is an allocator-owned array of step records for one game.
type StepArray struct {
	owner *Allocator
	id    uint64
	buf   *[]RawStep
	freed bool
}

// ResultArray is an allocator-owned array of per-game results.
type ResultArray struct {
	owner *Allocator
	id    uint64
	buf   *[]RawResult
	freed bool
}

// AllocSteps returns an array of n zeroed step records.
func (a *Allocator) AllocSteps(n int) *StepArray {
	if n < 0 {
		violate("alloc steps", "negative length")
	}
	ptr := a.stepPool.Get().(*[]RawStep)
	if cap(*ptr) < n {
		b := make([]RawStep, 0, n)
		ptr = &b
	}
	*ptr = (*ptr)[:n]
	clear(*ptr)

	allocTotal.WithLabelValues("steps").Inc()
	return &StepArray{owner: a, id: a.track("steps"), buf: ptr}
}

// AllocResults returns an array of n zeroed per-game results.
func (a *Allocator) AllocResults(n int) *ResultArray {
	if n < 0 {
		violate("alloc results", "negative length")
	}
	ptr := a.resultPool.Get().(*[]RawResult)
	if cap(*ptr) < n {
		b := make([]RawResult, 0, n)
		ptr = &b
	}
	*ptr = (*ptr)[:n]
	clear(*ptr)

	allocTotal.WithLabelValues("results").Inc()
	return &ResultArray{owner: a, id: a.track("results"), buf: ptr}
}

// FreeSteps releases an inner (per-game) array.
func (a *Allocator) FreeSteps(s *StepArray) {
	if s == nil {
		violate("free steps", "nil array")
	}
	if s.owner != a {
		violate("free steps", "array was allocated by a different allocator")
	}
	if s.freed {
		violate("free steps", "double release")
	}
	a.untrack(s.id)
	s.freed = true

	ptr := s.buf
	s.buf = nil
	clear(*ptr)
	*ptr = (*ptr)[:0]
	a.stepPool.Put(ptr)
	releaseTotal.WithLabelValues("steps").Inc()
}

// FreeResults releases the outer (top-level) array. Every inner array it
// references must already have been released.
func (a *Allocator) FreeResults(r *ResultArray) {
	if r == nil {
		violate("free results", "nil array")
	}
	if r.owner != a {
		violate("free results", "array was allocated by a different allocator")
	}
	if r.freed {
		violate("free results", "double release")
	}
	for i := range *r.buf {
		if s := (*r.buf)[i].Steps; s != nil && !s.freed {
			violate("free results", "outer array released before its inner arrays")
		}
	}
	a.untrack(r.id)
	r.freed = true

	ptr := r.buf
	r.buf = nil
	clear(*ptr)
	*ptr = (*ptr)[:0]
	a.resultPool.Put(ptr)
	releaseTotal.WithLabelValues("results").Inc()
}

// Outstanding returns how many buffers are currently allocated and not yet
// released. A finished handoff leaves this at zero.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outstanding)
}

// Stats returns lifetime allocation and release counts.
func (a *Allocator) Stats() (allocs, releases int64) {
	return a.allocs.Load(), a.releases.Load()
}

func (a *Allocator) track(level string) uint64 {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.outstanding[id] = level
	a.mu.Unlock()
	a.allocs.Add(1)
	return id
}

func (a *Allocator) untrack(id uint64) {
	a.mu.Lock()
	_, ok := a.outstanding[id]
	delete(a.outstanding, id)
	a.mu.Unlock()
	if !ok {
		violate("release", "buffer is not outstanding")
	}
	a.releases.Add(1)
}

// Len returns the declared length of the array.
func (s *StepArray) Len() int {
	s.check("step array len")
	return len(*s.buf)
}

// At returns a pointer to the i-th record. The pointer is only valid until
// the array is released.
func (s *StepArray) At(i int) *RawStep {
	s.check("step array read")
	return &(*s.buf)[i]
}

func (s *StepArray) check(op string) {
	if s.freed {
		violate(op, "use after release")
	}
}

// Len returns the declared length of the array.
func (r *ResultArray) Len() int {
	r.check("result array len")
	return len(*r.buf)
}

// At returns a pointer to the i-th result. The pointer is only valid until
// the array is released.
func (r *ResultArray) At(i int) *RawResult {
	r.check("result array read")
	return &(*r.buf)[i]
}

func (r *ResultArray) check(op string) {
	if r.freed {
		violate(op, "use after release")
	}
}
