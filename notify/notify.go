package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/channel"
	"github.com/pgbus/pgbus/db"
)

// MaxPayloadBytes is PostgreSQL's NOTIFY payload limit
const MaxPayloadBytes = 8000

// Date marshals as an ISO-8601 date without a time component
type Date time.Time

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(d).Format("2006-01-02"))
}

// StringSet marshals as a sorted array so set-typed kwargs have a
// stable wire form
type StringSet []string

func (s StringSet) MarshalJSON() ([]byte, error) {
	sorted := make([]string, len(s))
	copy(sorted, s)
	sort.Strings(sorted)
	return json.Marshal(sorted)
}

type options struct {
	context   map[string]any
	extras    map[string]any
	dbVersion *string
}

// Option customizes a publish
type Option func(*options)

// WithContext attaches the payload context object used by filter hooks
// and context-aware callbacks
func WithContext(ctx map[string]any) Option {
	return func(o *options) { o.context = ctx }
}

// WithExtras attaches the top-level extras object
func WithExtras(extras map[string]any) Option {
	return func(o *options) { o.extras = extras }
}

// WithDBVersion stamps durable rows with the producing application's
// migration identifier
func WithDBVersion(v string) Option {
	return func(o *options) { o.dbVersion = &v }
}

// Notify publishes kwargs to the named channel: one transient NOTIFY
// plus, when the channel is durable, one stored row inserted in the
// same transaction. Returns the serialized payload.
func Notify(ctx context.Context, pool *pgxpool.Pool, registry *channel.Registry, name string, kwargs map[string]any, opts ...Option) ([]byte, error) {
	desc, err := registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := serializePayload(kwargs, o)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", desc.Name, err)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("channel %s: payload is %d bytes, NOTIFY limit is %d", desc.Name, len(payload), MaxPayloadBytes)
	}

	wire := channel.ListenSafeName(desc.Name)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin notify transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	log.Debug().Str("channel", desc.Name).RawJSON("payload", payload).Msg("Notifying channel")

	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", wire, string(payload)); err != nil {
		return nil, fmt.Errorf("notify %s: %w", desc.Name, err)
	}
	if desc.Durable {
		if err := db.InsertNotification(ctx, tx, wire, payload, o.dbVersion); err != nil {
			return nil, fmt.Errorf("channel %s: %w", desc.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit notify: %w", err)
	}
	return payload, nil
}

// ProcessStoredNotifications wakes listening processes so they drain
// currently stored notifications. Useful when a row was published while
// every listener happened to be down. Sends a null payload to each
// durable channel in the given set (all durable channels when empty).
func ProcessStoredNotifications(ctx context.Context, pool *pgxpool.Pool, registry *channel.Registry, channels ...string) error {
	names := channels
	if len(names) == 0 {
		names = registry.Durable()
	}
	for _, name := range names {
		desc, err := registry.Resolve(name)
		if err != nil {
			return err
		}
		if !desc.Durable {
			continue
		}
		log.Info().Str("channel", desc.Name).Msg("Waking listeners to process stored notifications")
		wire := channel.ListenSafeName(desc.Name)
		if _, err := pool.Exec(ctx, "SELECT pg_notify($1, 'null')", wire); err != nil {
			return fmt.Errorf("wake %s: %w", desc.Name, err)
		}
	}
	return nil
}

// serializePayload builds the wire payload {kwargs, context?, extras?}.
// Dates and timestamps become ISO-8601 strings.
func serializePayload(kwargs map[string]any, o options) ([]byte, error) {
	body := map[string]any{"kwargs": normalizeMap(kwargs)}
	if o.context != nil {
		body["context"] = normalizeMap(o.context)
	}
	if o.extras != nil {
		body["extras"] = normalizeMap(o.extras)
	}
	return json.Marshal(body)
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.Format(time.RFC3339)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]any:
		return normalizeMap(val)
	default:
		return v
	}
}
