package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ErrPollTimeout is the sentinel returned by Poll when the deadline
// passes without any server-sent notification. It costs no server-side
// transaction.
var ErrPollTimeout = errors.New("poll timed out")

// ErrSessionClosed is returned from operations on a closed session
var ErrSessionClosed = errors.New("session closed")

// DefaultPollTimeout bounds a single Poll call
const DefaultPollTimeout = 5 * time.Second

// drainTimeout is how long Poll waits for further notifications already
// buffered behind the first one
const drainTimeout = 20 * time.Millisecond

// Notification is one server-sent notification as received off the wire
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Session owns one database connection dedicated to listening. The
// connection is kept out of any user transaction; LISTEN subscriptions
// live for the lifetime of the connection. Any connection-level error is
// fatal to the session and the owning worker.
type Session struct {
	conn       *pgx.Conn
	subscribed map[string]struct{}
	closed     bool
}

// NewSession opens a dedicated listening connection
func NewSession(ctx context.Context, dsn string) (*Session, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open listen connection: %w", err)
	}
	return &Session{
		conn:       conn,
		subscribed: make(map[string]struct{}),
	}, nil
}

// Subscribe issues LISTEN for each channel wire name. Idempotent for a
// given session.
func (s *Session) Subscribe(ctx context.Context, channels []string) error {
	if s.closed {
		return ErrSessionClosed
	}
	for _, ch := range channels {
		if _, ok := s.subscribed[ch]; ok {
			continue
		}
		if _, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("LISTEN %s: %w", ch, err)
		}
		s.subscribed[ch] = struct{}{}
		log.Debug().Str("channel", ch).Msg("Subscribed to channel")
	}
	return nil
}

// Poll blocks up to deadline waiting for server-sent notifications.
// Returns one or more notifications, or ErrPollTimeout. Notifications
// already buffered behind the first are drained in the same call; the
// server's own coalescing is the only deduplication that happens.
func (s *Session) Poll(ctx context.Context, deadline time.Duration) ([]Notification, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if deadline <= 0 {
		deadline = DefaultPollTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	first, err := s.conn.WaitForNotification(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrPollTimeout
		}
		return nil, fmt.Errorf("wait for notification: %w", err)
	}

	out := []Notification{{Channel: first.Channel, Payload: first.Payload, PID: first.PID}}
	for {
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		n, err := s.conn.WaitForNotification(drainCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, fmt.Errorf("wait for notification: %w", err)
		}
		out = append(out, Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID})
	}
}

// Close releases the listening connection
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(ctx)
}
