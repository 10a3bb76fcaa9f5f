package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/channel"
	"github.com/pgbus/pgbus/dispatch"
	"github.com/pgbus/pgbus/telemetry"
)

// restartDelay spaces supervised restarts; kept below a poll cycle so a
// crashed worker's channels are covered again quickly
const restartDelay = time.Second

// SessionFactory opens a fresh listening session for a (re)started worker
type SessionFactory func(ctx context.Context) (Session, error)

// SupervisorConfig configures the worker pool
type SupervisorConfig struct {
	Workers          int
	Channels         []string
	Registry         *channel.Registry
	Dispatcher       *dispatch.Dispatcher
	Store            Store
	NewSession       SessionFactory
	Recover          bool
	RestartOnFailure bool
	PollTimeout      time.Duration
}

// Supervisor runs N workers and restarts the ones that die, keeping
// their channel set subscribed. Shutdown is cooperative: cancel the Run
// context and the pool drains.
type Supervisor struct {
	config SupervisorConfig

	mu       sync.Mutex
	failures []error
}

// NewSupervisor creates a supervisor
func NewSupervisor(config SupervisorConfig) (*Supervisor, error) {
	if config.Workers < 1 {
		return nil, fmt.Errorf("worker count must be >= 1")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.NewSession == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if len(config.Channels) == 0 {
		return nil, fmt.Errorf("supervisor needs at least one channel")
	}
	return &Supervisor{config: config}, nil
}

// Run starts the pool and blocks until every worker reached EXITED.
// With restart enabled, individual worker failures never propagate into
// the return value; with restart disabled the recorded failures are
// returned once the pool empties.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info().
		Int("workers", s.config.Workers).
		Strs("channels", s.config.Channels).
		Bool("restart_on_failure", s.config.RestartOnFailure).
		Msg("Starting worker pool")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			s.runSlot(ctx, slot)
		}(i)
	}
	wg.Wait()

	log.Info().Msg("Worker pool drained")

	if !s.config.RestartOnFailure {
		s.mu.Lock()
		defer s.mu.Unlock()
		return errors.Join(s.failures...)
	}
	return nil
}

// runSlot keeps one worker slot occupied, respawning per policy. The
// replacement worker gets the same channel set and a fresh identity.
func (s *Supervisor) runSlot(ctx context.Context, slot int) {
	var predecessor string
	for {
		if ctx.Err() != nil {
			return
		}

		id, err := s.runOne(ctx, slot, predecessor)
		if id != "" {
			predecessor = id
		}
		if err == nil {
			return
		}

		s.mu.Lock()
		s.failures = append(s.failures, fmt.Errorf("worker slot %d: %w", slot, err))
		s.mu.Unlock()

		if !s.config.RestartOnFailure {
			log.Error().Err(err).Int("slot", slot).Msg("Worker failed, restart disabled")
			return
		}

		telemetry.WorkerRestartsTotal.Inc()
		log.Warn().Err(err).Int("slot", slot).Msg("Worker failed, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

func (s *Supervisor) runOne(ctx context.Context, slot int, predecessor string) (string, error) {
	session, err := s.config.NewSession(ctx)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}

	w, err := NewWorker(Config{
		Registry:    s.config.Registry,
		Dispatcher:  s.config.Dispatcher,
		Session:     session,
		Store:       s.config.Store,
		Channels:    s.config.Channels,
		Recover:     s.config.Recover,
		PollTimeout: s.config.PollTimeout,
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = session.Close(closeCtx)
		cancel()
		return "", err
	}

	logEvent := log.Info().Int("slot", slot).Str("worker", w.ID())
	if predecessor != "" {
		logEvent = logEvent.Str("replaces", predecessor)
	}
	logEvent.Msg("Worker started")

	telemetry.WorkersAlive.Inc()
	defer telemetry.WorkersAlive.Dec()

	return w.ID(), w.Run(ctx)
}
