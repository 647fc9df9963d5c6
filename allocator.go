package relay

import "sync/atomic"

// Allocator is the narrow allocation interface threaded through MessageFactory
// and the channels. The data path never consults a process-wide allocator: a
// server gives each client connection its own Allocator so that one
// misbehaving or overloaded client cannot exhaust memory shared with others.
type Allocator interface {
	// Allocate returns a zeroed buffer of n bytes, or nil if the allocator
	// has reached its limit.
	Allocate(n int) []byte
	// Free releases a buffer previously returned by Allocate. Implementations
	// that don't track usage may treat this as a no-op and rely on the GC.
	Free(buf []byte)
	// BytesAllocated reports bytes currently outstanding (allocated, not yet freed).
	BytesAllocated() int64
}

// HeapAllocator is a plain Allocator backed by the Go heap, with no limit.
// Suitable for a single-client program (a game client) where per-client
// siloing is moot.
type HeapAllocator struct {
	outstanding int64
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

func (a *HeapAllocator) Allocate(n int) []byte {
	atomic.AddInt64(&a.outstanding, int64(n))
	return make([]byte, n)
}

func (a *HeapAllocator) Free(buf []byte) {
	atomic.AddInt64(&a.outstanding, -int64(len(buf)))
}

func (a *HeapAllocator) BytesAllocated() int64 {
	return atomic.LoadInt64(&a.outstanding)
}

// BoundedAllocator caps outstanding bytes at a fixed ceiling and returns nil
// past it; callers treat the nil as out of memory and drop what they were
// building, without recording an ErrKindOutOfMemory error. A server gives
// one of these to each client connection: exhausting one client's bound
// cannot affect another client's BoundedAllocator, because they don't share
// counters.
type BoundedAllocator struct {
	limit       int64
	outstanding int64
}

func NewBoundedAllocator(limitBytes int64) *BoundedAllocator {
	return &BoundedAllocator{limit: limitBytes}
}

func (a *BoundedAllocator) Allocate(n int) []byte {
	if atomic.AddInt64(&a.outstanding, int64(n)) > a.limit {
		atomic.AddInt64(&a.outstanding, -int64(n))
		return nil
	}
	return make([]byte, n)
}

func (a *BoundedAllocator) Free(buf []byte) {
	atomic.AddInt64(&a.outstanding, -int64(len(buf)))
}

func (a *BoundedAllocator) BytesAllocated() int64 {
	return atomic.LoadInt64(&a.outstanding)
}

func (a *BoundedAllocator) Limit() int64 {
	return a.limit
}
