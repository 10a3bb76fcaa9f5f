package channel

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MaxChannelNameLength is the longest identifier PostgreSQL accepts
// for LISTEN/NOTIFY channels.
const MaxChannelNameLength = 63

// Kind discriminates how a channel's payload is deserialized
type Kind uint8

const (
	// KindCustom payloads carry application-defined kwargs
	KindCustom Kind = iota
	// KindTrigger payloads carry old/new row snapshots emitted by a
	// database trigger
	KindTrigger
)

func (k Kind) String() string {
	switch k {
	case KindCustom:
		return "custom"
	case KindTrigger:
		return "trigger"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Callback is invoked once per delivered notification. For durable
// channels the invocation happens inside the claim transaction; an
// error aborts the transaction and leaves the stored row in place.
type Callback func(ctx context.Context, inv *Invocation) error

// Invocation carries the deserialized payload to a callback
type Invocation struct {
	// Kwargs is populated for KindCustom channels
	Kwargs Kwargs

	// Old and New are populated for KindTrigger channels with whatever
	// the configured RowDecoder produced. Either may be nil.
	Old any
	New any

	// Context and Extras are only populated when the deployment opts in
	// (pass_context / pass_extras)
	Context map[string]any
	Extras  map[string]any

	// Source tells whether this came off the live stream or a recovery scan
	Source Source
}

// Descriptor describes one registered channel. Descriptors are immutable
// for the lifetime of a worker.
type Descriptor struct {
	// Name is the canonical channel name, unique across the registry.
	// Dotted names ("app.PostReads") are allowed; resolving by the last
	// segment alone fails when several names share that segment.
	Name string

	// Durable mirrors every notification into the stored-notification
	// table and delivers under the skip-locked claim protocol
	Durable bool

	// Kind selects the payload deserializer
	Kind Kind

	// Callback receives each delivered notification
	Callback Callback
}

// ListenSafeName returns the identifier actually used with LISTEN/NOTIFY.
// Canonical names can exceed PostgreSQL's 63 byte identifier cap, so the
// wire name is a fixed-width hash of the canonical name.
func ListenSafeName(name string) string {
	return fmt.Sprintf("pgbus_%016x", xxhash.Sum64String(name))
}

// Validate checks a descriptor for registration
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if d.Callback == nil {
		return fmt.Errorf("channel %q: callback is required", d.Name)
	}
	if d.Kind != KindCustom && d.Kind != KindTrigger {
		return fmt.Errorf("channel %q: unknown payload kind %d", d.Name, d.Kind)
	}
	return nil
}
