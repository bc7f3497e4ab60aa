package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryRegion represents registered memory usable for RDMA transfers. Each
// established connection holds one send and one receive region for the
// lifetime of its queue pair.
type MemoryRegion struct {
	pool   *MemoryPool
	handle VerbsMR
	Buffer []byte
	Length int
	inUse  atomic.Bool
}

// MemoryPool manages pre-registered memory regions so that connection setup
// never registers memory on the hot path.
type MemoryPool struct {
	verbs      VerbsBackend
	pd         VerbsPD
	freeList   chan *MemoryRegion
	regions    []*MemoryRegion
	totalSize  int64
	usedSize   int64
	allocCount int64
	freeCount  int64
	mu         sync.Mutex
}

// NewMemoryPool registers PreAllocateRegions regions of MemoryRegionSize
// bytes against the given protection domain.
func NewMemoryPool(verbs VerbsBackend, pd VerbsPD, cfg *Config) (*MemoryPool, error) {
	pool := &MemoryPool{
		verbs:     verbs,
		pd:        pd,
		totalSize: cfg.MemoryPoolSize,
		freeList:  make(chan *MemoryRegion, cfg.PreAllocateRegions),
	}

	for range cfg.PreAllocateRegions {
		mr, err := pool.allocateRegion(cfg.MemoryRegionSize)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}

		pool.regions = append(pool.regions, mr)
		pool.freeList <- mr
	}

	return pool, nil
}

// allocateRegion allocates and registers one memory region.
func (p *MemoryPool) allocateRegion(size int) (*MemoryRegion, error) {
	handle, err := p.verbs.RegMR(p.pd, size, MRAccessLocalWrite|MRAccessRemoteRead|MRAccessRemoteWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to register memory region: %w", err)
	}

	return &MemoryRegion{
		pool:   p,
		handle: handle,
		Buffer: make([]byte, size),
		Length: size,
	}, nil
}

// GetRegion gets a memory region from the pool, blocking until one is free
// or the context is done.
func (p *MemoryPool) GetRegion(ctx context.Context) (*MemoryRegion, error) {
	select {
	case mr := <-p.freeList:
		mr.inUse.Store(true)
		atomic.AddInt64(&p.usedSize, int64(len(mr.Buffer)))
		atomic.AddInt64(&p.allocCount, 1)

		return mr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGetRegion gets a memory region without blocking, for callers that must
// not stall, such as the event loop. Returns ErrPoolExhausted when no region
// is free.
func (p *MemoryPool) TryGetRegion() (*MemoryRegion, error) {
	select {
	case mr := <-p.freeList:
		mr.inUse.Store(true)
		atomic.AddInt64(&p.usedSize, int64(len(mr.Buffer)))
		atomic.AddInt64(&p.allocCount, 1)

		return mr, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// ReleaseRegion returns a memory region to the pool. Releasing a region that
// is not in use is a no-op, so release paths stay idempotent.
func (p *MemoryPool) ReleaseRegion(mr *MemoryRegion) {
	if mr == nil || !mr.inUse.CompareAndSwap(true, false) {
		return
	}

	// Clear data left over from the previous connection
	for i := range mr.Buffer {
		mr.Buffer[i] = 0
	}

	atomic.AddInt64(&p.usedSize, -int64(len(mr.Buffer)))
	atomic.AddInt64(&p.freeCount, 1)

	select {
	case p.freeList <- mr:
	default:
		// Pool is full, this shouldn't happen with proper sizing
	}
}

// UsedBytes returns the bytes currently checked out of the pool.
func (p *MemoryPool) UsedBytes() int64 {
	return atomic.LoadInt64(&p.usedSize)
}

// Close deregisters all regions. The pool must not be used afterwards.
func (p *MemoryPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error

	for _, mr := range p.regions {
		if err := p.verbs.DeregMR(mr.handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.regions = nil

	return firstErr
}
