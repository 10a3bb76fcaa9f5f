package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/channel"
)

// Result classifies what the dispatcher did with an envelope
type Result uint8

const (
	// ResultDelivered means the callback ran to completion
	ResultDelivered Result = iota
	// ResultFiltered means the filter hook rejected the envelope
	ResultFiltered
	// ResultSkipped means the payload predates the minimum accepted
	// db_version; durable rows are left for a future deployment
	ResultSkipped
	// ResultFailed means the callback returned an error
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultDelivered:
		return "delivered"
	case ResultFiltered:
		return "filtered"
	case ResultSkipped:
		return "skipped"
	case ResultFailed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// CompatGate decides whether a trigger payload produced at the given
// db_version is safe to deserialize in this process
type CompatGate interface {
	Accept(app, dbVersion string) bool
}

// MinVersionGate accepts payloads at or above a fixed migration
// identifier. An empty minimum accepts everything.
type MinVersionGate struct {
	Min string
}

func (g MinVersionGate) Accept(_, dbVersion string) bool {
	if g.Min == "" || dbVersion == "" {
		return true
	}
	return !channel.DBVersionLess(dbVersion, g.Min)
}

// Config configures a Dispatcher
type Config struct {
	Registry *channel.Registry
	// Filter is the deployment filter hook; nil accepts everything
	Filter Filter
	// Decoder decodes trigger payload rows; defaults to the fixtures decoder
	Decoder channel.RowDecoder
	// Gate is the db_version compatibility gate; nil accepts everything
	Gate CompatGate
	// PassContext surfaces payload.context on the invocation
	PassContext bool
	// PassExtras surfaces payload.extras on the invocation
	PassExtras bool
}

// Dispatcher maps envelopes to callbacks. It owns payload
// deserialization, the filter hook, and the compatibility gate; claim
// handling stays with the worker.
type Dispatcher struct {
	registry *channel.Registry
	filter   Filter
	decoder  channel.RowDecoder
	gate     CompatGate
	passCtx  bool
	passExt  bool
}

// NewDispatcher creates a dispatcher
func NewDispatcher(config Config) (*Dispatcher, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if config.Filter == nil {
		config.Filter = AcceptAll{}
	}
	if config.Decoder == nil {
		config.Decoder = channel.FixtureRowDecoder{}
	}
	return &Dispatcher{
		registry: config.Registry,
		filter:   config.Filter,
		decoder:  config.Decoder,
		gate:     config.Gate,
		passCtx:  config.PassContext,
		passExt:  config.PassExtras,
	}, nil
}

// Dispatch resolves, filters, deserializes and invokes. Callback errors
// are propagated, not swallowed; the caller decides what the result
// means for a durable claim.
func (d *Dispatcher) Dispatch(ctx context.Context, env *channel.Envelope) (Result, error) {
	desc, err := d.registry.Resolve(env.Channel)
	if err != nil {
		return ResultFailed, err
	}

	// Deserialization failures drop the envelope; on the durable path the
	// row is released, not aborted, so a future deployment can reprocess
	payload, err := channel.ParsePayload(env.Payload)
	if err != nil {
		return ResultSkipped, fmt.Errorf("channel %s: %w", desc.Name, err)
	}

	if !d.filter.Accept(filterSubject(payload)) {
		log.Debug().
			Str("channel", desc.Name).
			Str("source", env.Source.String()).
			Msg("Envelope rejected by filter")
		return ResultFiltered, nil
	}

	if desc.Kind == channel.KindTrigger && d.gate != nil && payload.DBVersion != "" {
		if !d.gate.Accept(payload.App, payload.DBVersion) {
			log.Warn().
				Str("channel", desc.Name).
				Str("db_version", payload.DBVersion).
				Msg("Payload predates accepted db_version, leaving for a future deployment")
			return ResultSkipped, nil
		}
	}

	inv, err := d.buildInvocation(desc, payload, env.Source)
	if err != nil {
		return ResultSkipped, err
	}

	if err := desc.Callback(ctx, inv); err != nil {
		return ResultFailed, err
	}
	return ResultDelivered, nil
}

func (d *Dispatcher) buildInvocation(desc *channel.Descriptor, payload *channel.Payload, source channel.Source) (*channel.Invocation, error) {
	inv := &channel.Invocation{Source: source}
	if d.passCtx {
		inv.Context = payload.Context
		if inv.Context == nil {
			inv.Context = map[string]any{}
		}
	}
	if d.passExt {
		inv.Extras = payload.Extras
	}

	switch desc.Kind {
	case channel.KindCustom:
		inv.Kwargs = payload.Kwargs
	case channel.KindTrigger:
		old, err := d.decoder.Decode(payload.Model, payload.Old)
		if err != nil {
			return nil, fmt.Errorf("channel %s old row: %w", desc.Name, err)
		}
		newRow, err := d.decoder.Decode(payload.Model, payload.New)
		if err != nil {
			return nil, fmt.Errorf("channel %s new row: %w", desc.Name, err)
		}
		inv.Old = old
		inv.New = newRow
	}
	return inv, nil
}

// filterSubject picks the object the filter predicate evaluates:
// payload.context when present, otherwise top-level payload.extras
func filterSubject(p *channel.Payload) map[string]any {
	if p.Context != nil {
		return p.Context
	}
	return p.Extras
}
