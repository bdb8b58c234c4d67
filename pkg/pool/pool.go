// Package pool provides typed object pooling. The connector host uses it for
// the byte buffers that hold encoded and compressed request bodies.
//
// Example usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//	_ = json.NewEncoder(buf).Encode(records)
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a type-safe wrapper around sync.Pool with an optional reset
// function and usage counters. It is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated atomic.Int64
		inUse     atomic.Int64
		gets      atomic.Int64
	}
}

// New creates a pool. reset, when non-nil, runs before an object goes back
// into the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		p.stats.allocated.Add(1)
		return newFn()
	}
	return p
}

// Get takes an object from the pool, allocating when it is empty
func (p *Pool[T]) Get() T {
	p.stats.inUse.Add(1)
	p.stats.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns obj to the pool
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.stats.inUse.Add(-1)
	p.pool.Put(obj)
}

// Stats reports objects allocated, currently checked out and total gets.
// Hits are gets minus allocations.
func (p *Pool[T]) Stats() (allocated, inUse, gets int64) {
	return p.stats.allocated.Load(), p.stats.inUse.Load(), p.stats.gets.Load()
}

// maxRetainedBuffer keeps one oversized body from pinning memory
const maxRetainedBuffer = 1 << 20

var buffers = New(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 4096)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// GetBuffer returns an empty buffer from the shared pool
func GetBuffer() *bytes.Buffer {
	return buffers.Get()
}

// PutBuffer returns b to the shared pool. Buffers that grew past 1 MiB are
// dropped.
func PutBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	if b.Cap() > maxRetainedBuffer {
		buffers.stats.inUse.Add(-1)
		return
	}
	buffers.Put(b)
}

// BufferStats reports the shared buffer pool counters
func BufferStats() (allocated, inUse, gets int64) {
	return buffers.Stats()
}
