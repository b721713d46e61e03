package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerService fires delayed and periodic callbacks off the worker pool, so
// yield resumptions, heartbeats and touch checks never block a worker
// goroutine.
type TimerService struct {
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	nextID int64
	timers map[int64]*time.Timer
	stops  map[int64]chan struct{}
}

// NewTimerService creates the shared timer facility.
func NewTimerService(logger *zap.Logger) *TimerService {
	return &TimerService{
		logger: logger.Named("timers"),
		timers: make(map[int64]*time.Timer),
		stops:  make(map[int64]chan struct{}),
	}
}

// Schedule fires fn once after delay. Returns false when the facility is
// already closed.
func (s *TimerService) Schedule(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	id := s.nextID
	s.nextID++

	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	return true
}

// Every fires fn at a fixed interval until the returned cancel function is
// called or the facility closes.
func (s *TimerService) Every(interval time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}

	id := s.nextID
	s.nextID++

	stop := make(chan struct{})
	s.stops[id] = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	// only the party that removes the id from the map may close the
	// channel, so cancel and Close never both close it
	return func() {
		s.mu.Lock()
		stopCh, ok := s.stops[id]
		if ok {
			delete(s.stops, id)
		}
		s.mu.Unlock()
		if ok {
			close(stopCh)
		}
	}
}

// Close cancels every outstanding timer and ticker, best effort.
func (s *TimerService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timers := s.timers
	stops := s.stops
	s.timers = map[int64]*time.Timer{}
	s.stops = map[int64]chan struct{}{}
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, stop := range stops {
		close(stop)
	}
	s.logger.Info("Timer service closed")
}
