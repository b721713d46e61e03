package service

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/journal"
	"github.com/gurunrao/taskmesh/internal/manager"
	"github.com/gurunrao/taskmesh/internal/registration"
	"github.com/gurunrao/taskmesh/internal/store"
	"github.com/gurunrao/taskmesh/internal/task"
)

// ErrServiceStopped is returned for operations on a stopped service.
var ErrServiceStopped = errors.New("coordinating service is stopped")

// Config holds the tunables of one coordinating service instance.
type Config struct {
	PoolWorkers     int
	PoolQueue       int
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
	JournalPath     string // empty disables the execution journal
}

func (c *Config) applyDefaults() {
	if c.PoolWorkers <= 0 {
		c.PoolWorkers = 4
	}
	if c.PoolQueue <= 0 {
		c.PoolQueue = 16
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
}

// Service is the process-wide registry of executor registrations. It owns
// the shared worker pool, the timer facility and the handles to the
// coordination store, and runs the membership monitor.
type Service struct {
	logger      *zap.Logger
	config      Config
	registry    *task.Registry
	coordinator *manager.Coordinator
	pool        *WorkerPool
	timers      *TimerService
	journal     *journal.Journal

	mu            sync.Mutex
	registrations map[string]*registration.Registration

	stopMonitor func()
	stopped     atomic.Bool
}

// New wires a coordinating service against a coordination store.
func New(st store.Store, registry *task.Registry, config Config, logger *zap.Logger) (*Service, error) {
	config.applyDefaults()

	coordinator, err := manager.NewCoordinator(st, registry, manager.AnyOf{},
		config.LivenessTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	s := &Service{
		logger:        logger.Named("service"),
		config:        config,
		registry:      registry,
		coordinator:   coordinator,
		pool:          NewWorkerPool(config.PoolWorkers, config.PoolQueue, logger),
		timers:        NewTimerService(logger),
		registrations: make(map[string]*registration.Registration),
	}

	if config.JournalPath != "" {
		j, err := journal.Open(config.JournalPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open execution journal: %w", err)
		}
		s.journal = j
	}

	s.stopMonitor = s.timers.Every(config.SweepInterval, s.sweep)
	return s, nil
}

// Coordinator returns the task-manager side of the service.
func (s *Service) Coordinator() *manager.Coordinator { return s.coordinator }

// Registry returns the handler/collector registry.
func (s *Service) Registry() *task.Registry { return s.registry }

// Timers returns the shared timer facility.
func (s *Service) Timers() *TimerService { return s.timers }

// Register creates and starts a registration for an executor ID.
func (s *Service) Register(executorID string) (*registration.Registration, error) {
	if s.stopped.Load() {
		return nil, ErrServiceStopped
	}

	_, assignments, executors := s.coordinator.Buckets()
	reg := registration.New(executorID, registration.Deps{
		Coordinator: s.coordinator,
		Registry:    s.registry,
		Assignments: assignments,
		Executors:   executors,
		Pool:        s.pool,
		Scheduler:   s.timers,
		Service:     s,
		Journal:     s.journal,
		Logger:      s.logger,
	})

	s.mu.Lock()
	if _, exists := s.registrations[executorID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", registration.ErrAlreadyRegistered, executorID)
	}
	s.registrations[executorID] = reg
	s.mu.Unlock()

	if err := reg.Start(); err != nil {
		s.mu.Lock()
		delete(s.registrations, executorID)
		s.mu.Unlock()
		return nil, err
	}
	return reg, nil
}

// Deregister removes a registration and closes it.
func (s *Service) Deregister(executorID string) {
	s.mu.Lock()
	reg, exists := s.registrations[executorID]
	delete(s.registrations, executorID)
	s.mu.Unlock()

	if exists {
		s.logger.Info("Executor deregistered", zap.String("executor_id", executorID))
		reg.Close()
	}
}

// Submit submits a task for execution.
func (s *Service) Submit(opts manager.SubmitOptions) (*manager.TaskManager, error) {
	if s.stopped.Load() {
		return nil, ErrServiceStopped
	}
	return s.coordinator.Submit(opts)
}

// Acquire returns the task manager handle for a task ID.
func (s *Service) Acquire(taskID string) *manager.TaskManager {
	return s.coordinator.Acquire(taskID)
}

// Shutdown tears the service down: every registration is closed, then the
// shared facilities are released.
func (s *Service) Shutdown() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("Shutting down coordinating service")

	s.stopMonitor()

	s.mu.Lock()
	regs := make([]*registration.Registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	for _, reg := range regs {
		reg.Close()
	}

	s.timers.Close()
	s.pool.Close()
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Error("Failed to close execution journal", zap.Error(err))
		}
	}
}
