package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/telemetry"
)

// ProcessSupervisorConfig configures OS-process workers. Each child is
// this same binary re-executed with --worker plus the shared listener
// arguments.
type ProcessSupervisorConfig struct {
	Workers          int
	Args             []string
	RestartOnFailure bool
}

// ProcessSupervisor runs each worker as its own OS process instead of a
// goroutine. Useful when callbacks must not share an address space with
// their siblings.
type ProcessSupervisor struct {
	config ProcessSupervisorConfig

	mu       sync.Mutex
	failures []error
}

// NewProcessSupervisor creates a process-based supervisor
func NewProcessSupervisor(config ProcessSupervisorConfig) (*ProcessSupervisor, error) {
	if config.Workers < 1 {
		return nil, fmt.Errorf("worker count must be >= 1")
	}
	return &ProcessSupervisor{config: config}, nil
}

// Run starts the pool and blocks until every child exited. Children
// inherit stdout/stderr so their logs interleave with the supervisor's.
func (s *ProcessSupervisor) Run(ctx context.Context) error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	log.Info().
		Int("workers", s.config.Workers).
		Str("binary", binary).
		Msg("Starting worker processes")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			s.runSlot(ctx, binary, slot)
		}(i)
	}
	wg.Wait()

	if !s.config.RestartOnFailure {
		s.mu.Lock()
		defer s.mu.Unlock()
		return errors.Join(s.failures...)
	}
	return nil
}

func (s *ProcessSupervisor) runSlot(ctx context.Context, binary string, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		args := append([]string{"--worker"}, s.config.Args...)
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		log.Info().Int("slot", slot).Msg("Worker process started")
		telemetry.WorkersAlive.Inc()
		err := cmd.Run()
		telemetry.WorkersAlive.Dec()

		if err == nil || ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.failures = append(s.failures, fmt.Errorf("worker slot %d: %w", slot, err))
		s.mu.Unlock()

		if !s.config.RestartOnFailure {
			log.Error().Err(err).Int("slot", slot).Msg("Worker process failed, restart disabled")
			return
		}

		telemetry.WorkerRestartsTotal.Inc()
		log.Warn().Err(err).Int("slot", slot).Msg("Worker process failed, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}
