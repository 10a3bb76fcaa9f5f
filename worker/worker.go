package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/channel"
	"github.com/pgbus/pgbus/db"
	"github.com/pgbus/pgbus/dispatch"
	"github.com/pgbus/pgbus/telemetry"
)

// State is the worker lifecycle state
type State uint32

const (
	StateInit State = iota
	StateRecovering
	StateRunning
	StateIdle
	StateDraining
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRecovering:
		return "recovering"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// skipSetSize bounds the per-session "will not retry" set
const skipSetSize = 4096

// Session is the listening connection the worker polls
type Session interface {
	Subscribe(ctx context.Context, channels []string) error
	Poll(ctx context.Context, deadline time.Duration) ([]db.Notification, error)
	Close(ctx context.Context) error
}

// Claimed is one claim attempt against the stored-notification table.
// Exactly one of Complete, Release or Abort terminates it.
type Claimed interface {
	Row() *db.StoredNotification
	Complete(ctx context.Context) error
	Release(ctx context.Context) error
	Abort(ctx context.Context) error
}

// RecoveryIter streams stored rows oldest-first
type RecoveryIter interface {
	Next(ctx context.Context) (*db.StoredNotification, error)
	Close(ctx context.Context) error
}

// Store is the durable side of the worker: skip-locked claims and the
// recovery scan
type Store interface {
	Claim(ctx context.Context, channel string, payload []byte) (Claimed, error)
	ClaimAny(ctx context.Context, channel string) (Claimed, error)
	Recovery(ctx context.Context, channel string) (RecoveryIter, error)
}

// Config configures one worker
type Config struct {
	// ID identifies the worker in logs; generated when empty
	ID string
	// Registry resolves channel descriptors (shared, read-only)
	Registry *channel.Registry
	// Dispatcher maps envelopes to callbacks
	Dispatcher *dispatch.Dispatcher
	// Session is the dedicated listening connection; the worker owns it
	Session Session
	// Store handles durable claims; may be nil when no subscribed
	// channel is durable
	Store Store
	// Channels is the canonical channel set this worker subscribes to
	Channels []string
	// Recover runs a recovery scan for durable channels before the
	// live stream
	Recover bool
	// PollTimeout bounds one poll cycle
	PollTimeout time.Duration
}

// Worker composes a session, a dispatcher and the durable-lock protocol
// into a single run loop. A worker processes live notifications one at
// a time on its own connection; parallelism comes from running multiple
// workers.
type Worker struct {
	config     Config
	id         string
	durable    map[string]*channel.Descriptor // wire name -> descriptor
	wireNames  []string
	state      atomic.Uint32
	lastPollAt atomic.Int64
	skipped    *lru.Cache[string, struct{}]
}

// NewWorker creates a worker
func NewWorker(config Config) (*Worker, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if len(config.Channels) == 0 {
		return nil, fmt.Errorf("worker needs at least one channel")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = db.DefaultPollTimeout
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}

	durable := make(map[string]*channel.Descriptor)
	wireNames := make([]string, 0, len(config.Channels))
	for _, name := range config.Channels {
		desc, err := config.Registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		wire := channel.ListenSafeName(desc.Name)
		wireNames = append(wireNames, wire)
		if desc.Durable {
			durable[wire] = desc
		}
	}
	if len(durable) > 0 && config.Store == nil {
		return nil, fmt.Errorf("durable channels require a notification store")
	}

	skipped, err := lru.New[string, struct{}](skipSetSize)
	if err != nil {
		return nil, fmt.Errorf("create skip set: %w", err)
	}

	return &Worker{
		config:    config,
		id:        config.ID,
		durable:   durable,
		wireNames: wireNames,
		skipped:   skipped,
	}, nil
}

// ID returns the worker identity
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state
func (w *Worker) State() State { return State(w.state.Load()) }

// LastPollAt returns the time of the last completed poll cycle
func (w *Worker) LastPollAt() time.Time {
	return time.Unix(0, w.lastPollAt.Load())
}

func (w *Worker) setState(s State) { w.state.Store(uint32(s)) }

// Run subscribes and processes notifications until ctx is canceled or a
// fatal session error occurs. Clean shutdown returns nil; anything else
// is fatal to the worker and handed to the supervisor.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		w.setState(StateDraining)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := w.config.Session.Close(closeCtx); cerr != nil {
			log.Warn().Err(cerr).Str("worker", w.id).Msg("Failed to close session")
		}
		cancel()
		w.setState(StateExited)
	}()

	if err := w.config.Session.Subscribe(ctx, w.wireNames); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	log.Info().
		Str("worker", w.id).
		Strs("channels", w.config.Channels).
		Bool("recover", w.config.Recover).
		Msg("Worker listening")

	if w.config.Recover {
		w.setState(StateRecovering)
		if err := w.runRecovery(ctx); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		w.setState(StateRunning)

		notes, err := w.config.Session.Poll(ctx, w.config.PollTimeout)
		w.lastPollAt.Store(time.Now().UnixNano())
		if errors.Is(err, db.ErrPollTimeout) {
			w.setState(StateIdle)
			telemetry.PollTimeoutsTotal.Inc()
			log.Debug().Str("worker", w.id).Msg("Idle heartbeat")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session poll: %w", err)
		}

		for _, n := range notes {
			if ctx.Err() != nil {
				return nil
			}
			if err := w.handle(ctx, n); err != nil {
				return err
			}
		}
	}
}

// handle routes one live notification. Only session/claim-transaction
// level failures propagate; everything payload-scoped is confined to
// the envelope in hand.
func (w *Worker) handle(ctx context.Context, n db.Notification) error {
	payload := []byte(n.Payload)
	desc, isDurable := w.durable[n.Channel]

	if channel.IsWakeupPayload(payload) {
		// A null payload asks listeners to drain currently stored
		// notifications; transient channels have nothing stored.
		if !isDurable {
			return nil
		}
		return w.drainStored(ctx, desc)
	}

	env := &channel.Envelope{Channel: n.Channel, Payload: payload, Source: channel.SourceLive}
	if !isDurable {
		res, err := w.dispatch(ctx, env)
		w.observe(n.Channel, res)
		if err != nil {
			log.Error().Err(err).
				Str("worker", w.id).
				Str("channel", n.Channel).
				Msg("Callback failed on transient channel")
		}
		return nil
	}
	return w.handleDurable(ctx, env)
}

// handleDurable executes the stored-notification locking protocol for
// one envelope: claim the first matching row with skip-locked
// semantics, run the callback inside the claim transaction, then
// delete-and-commit, commit-without-delete, or abort.
func (w *Worker) handleDurable(ctx context.Context, env *channel.Envelope) error {
	if _, ok := w.skipped.Get(w.skipKey(env)); ok {
		telemetry.NotificationsTotal.With(env.Channel, "dropped").Inc()
		return nil
	}

	start := time.Now()
	claim, err := w.config.Store.Claim(ctx, env.Channel, env.Payload)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	err = w.deliverClaimed(ctx, claim, env)
	telemetry.ClaimDurationSeconds.Observe(time.Since(start).Seconds())
	return err
}

// deliverClaimed finishes a claim attempt. The claim transaction is
// open; the callback runs inside it.
func (w *Worker) deliverClaimed(ctx context.Context, claim Claimed, env *channel.Envelope) error {
	row := claim.Row()
	if row == nil {
		// Another worker already processed this notification, or
		// recovery scanned past it.
		telemetry.ClaimsTotal.With("miss").Inc()
		return claim.Release(ctx)
	}

	res, derr := w.dispatch(ctx, env)
	w.observe(env.Channel, res)

	switch res {
	case dispatch.ResultDelivered:
		telemetry.ClaimsTotal.With("completed").Inc()
		return claim.Complete(ctx)

	case dispatch.ResultFiltered, dispatch.ResultSkipped:
		// Row stays for another process or a later deployment; this
		// session will not retry it.
		if derr != nil {
			log.Warn().Err(derr).
				Str("worker", w.id).
				Str("channel", env.Channel).
				Msg("Dropping undecodable envelope, row released")
		}
		w.skipped.Add(w.skipKey(env), struct{}{})
		telemetry.ClaimsTotal.With("released").Inc()
		return claim.Release(ctx)

	default:
		telemetry.ClaimsTotal.With("aborted").Inc()
		log.Error().Err(derr).
			Str("worker", w.id).
			Str("channel", env.Channel).
			Str("source", env.Source.String()).
			Int64("row_id", row.ID).
			Msg("Callback failed, row kept for retry")
		return claim.Abort(ctx)
	}
}

// drainStored claims and delivers stored rows on the channel until none
// remain unlocked. Rows released back (filtered, skipped, failed) are
// remembered so the drain terminates.
func (w *Worker) drainStored(ctx context.Context, desc *channel.Descriptor) error {
	wire := channel.ListenSafeName(desc.Name)
	seen := make(map[int64]struct{})

	for {
		if ctx.Err() != nil {
			return nil
		}
		claim, err := w.config.Store.ClaimAny(ctx, wire)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		row := claim.Row()
		if row == nil {
			telemetry.ClaimsTotal.With("miss").Inc()
			return claim.Release(ctx)
		}
		if _, done := seen[row.ID]; done {
			return claim.Release(ctx)
		}
		seen[row.ID] = struct{}{}

		env := &channel.Envelope{Channel: wire, Payload: row.Payload, Source: channel.SourceReplay}
		if err := w.deliverClaimed(ctx, claim, env); err != nil {
			return err
		}
	}
}

// runRecovery replays persisted rows for every durable channel in the
// worker's set before the live stream is touched. Each stored row is
// fed as a REPLAY envelope through the same skip-locked claim, which is
// what dedups the scan against concurrent live processing.
func (w *Worker) runRecovery(ctx context.Context) error {
	for wire, desc := range w.durable {
		if ctx.Err() != nil {
			return nil
		}
		log.Info().
			Str("worker", w.id).
			Str("channel", desc.Name).
			Msg("Recovering stored notifications")

		if err := w.recoverChannel(ctx, wire); err != nil {
			return fmt.Errorf("recover %s: %w", desc.Name, err)
		}
	}
	return nil
}

func (w *Worker) recoverChannel(ctx context.Context, wire string) error {
	iter, err := w.config.Store.Recovery(ctx, wire)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := iter.Close(closeCtx); cerr != nil {
			log.Warn().Err(cerr).Str("worker", w.id).Msg("Failed to close recovery cursor")
		}
		cancel()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		row, err := iter.Next(ctx)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}

		env := &channel.Envelope{Channel: row.Channel, Payload: row.Payload, Source: channel.SourceReplay}
		if err := w.handleDurable(ctx, env); err != nil {
			return err
		}
		telemetry.RecoveredTotal.Inc()
	}
}

func (w *Worker) dispatch(ctx context.Context, env *channel.Envelope) (dispatch.Result, error) {
	start := time.Now()
	res, err := w.config.Dispatcher.Dispatch(ctx, env)
	telemetry.CallbackDurationSeconds.With(env.Channel).Observe(time.Since(start).Seconds())
	return res, err
}

func (w *Worker) observe(wire string, res dispatch.Result) {
	telemetry.NotificationsTotal.With(wire, res.String()).Inc()
}

func (w *Worker) skipKey(env *channel.Envelope) string {
	return fmt.Sprintf("%s:%016x", env.Channel, xxhash.Sum64(env.Payload))
}
