package service

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrRejected is returned when the pool is at capacity.
	ErrRejected = errors.New("worker pool rejected submission")

	// ErrPoolClosed is returned when the pool has been closed.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// WorkerPool is the shared bounded pool executing task bodies. Submission
// never blocks: a full queue rejects, which the registration turns into a
// reassignment.
type WorkerPool struct {
	logger *zap.Logger
	work   chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts a pool with the given number of worker goroutines
// and queue capacity.
func NewWorkerPool(workers, queue int, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queue < 0 {
		queue = 0
	}

	p := &WorkerPool{
		logger: logger.Named("worker-pool"),
		work:   make(chan func(), queue),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for fn := range p.work {
		fn()
	}
}

// Submit enqueues a unit of work, rejecting when the queue is full or the
// pool is closed.
func (p *WorkerPool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.work <- fn:
		return nil
	default:
		return ErrRejected
	}
}

// IsShutdown reports whether the pool has been closed.
func (p *WorkerPool) IsShutdown() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// HasCapacity reports whether a submission would currently be accepted.
func (p *WorkerPool) HasCapacity() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && len(p.work) < cap(p.work)
}

// Close stops accepting work and waits for queued work to drain.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.work)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool closed")
}
