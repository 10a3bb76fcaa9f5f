package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Source tells where an envelope came from
type Source uint8

const (
	// SourceLive notifications arrive on the LISTEN stream in real time
	SourceLive Source = iota
	// SourceReplay envelopes are rebuilt from stored rows by a recovery scan
	SourceReplay
)

func (s Source) String() string {
	if s == SourceReplay {
		return "replay"
	}
	return "live"
}

// ErrWakeupPayload marks the JSON null payload used to wake listeners so
// they drain currently stored notifications. It carries no message of
// its own.
var ErrWakeupPayload = errors.New("wakeup payload")

// Envelope is the in-memory record carrying one notification through a
// worker. It is consumed by exactly one dispatcher invocation.
type Envelope struct {
	// Channel is the listen-safe wire name the notification arrived on
	Channel string
	// Payload is the raw JSON payload, byte-identical to what was published
	Payload []byte
	// Source is live or replay
	Source Source
}

// Payload is the parsed form of an envelope payload. Custom channels use
// Kwargs; trigger channels use App/Model/Old/New. Context and Extras are
// optional on both.
type Payload struct {
	Kwargs    Kwargs
	App       string
	Model     string
	Old       json.RawMessage
	New       json.RawMessage
	DBVersion string
	Context   map[string]any
	Extras    map[string]any
}

// rawPayload mirrors the wire shape from §6
type rawPayload struct {
	Kwargs    map[string]json.RawMessage `json:"kwargs"`
	App       string                     `json:"app"`
	Model     string                     `json:"model"`
	Old       json.RawMessage            `json:"old"`
	New       json.RawMessage            `json:"new"`
	DBVersion json.RawMessage            `json:"db_version"`
	Context   map[string]any             `json:"context"`
	Extras    map[string]any             `json:"extras"`
}

// IsWakeupPayload reports whether raw is the JSON null wakeup ping
func IsWakeupPayload(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ParsePayload decodes the raw notification payload. A JSON null payload
// returns ErrWakeupPayload; callers treat it as a request to drain
// stored notifications rather than a message.
func ParsePayload(raw []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if IsWakeupPayload(trimmed) {
		return nil, ErrWakeupPayload
	}

	var rp rawPayload
	if err := json.Unmarshal(trimmed, &rp); err != nil {
		return nil, fmt.Errorf("malformed notification payload: %w", err)
	}

	p := &Payload{
		App:     rp.App,
		Model:   rp.Model,
		Old:     nullToNil(rp.Old),
		New:     nullToNil(rp.New),
		Context: rp.Context,
		Extras:  rp.Extras,
	}
	if rp.Kwargs != nil {
		p.Kwargs = Kwargs(rp.Kwargs)
	}

	// db_version is written as a migration identifier; producers have
	// emitted both JSON strings and bare numbers, accept either.
	if v := nullToNil(rp.DBVersion); v != nil {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			p.DBVersion = s
		} else {
			var n json.Number
			if err := json.Unmarshal(v, &n); err != nil {
				return nil, fmt.Errorf("malformed db_version %s", v)
			}
			p.DBVersion = n.String()
		}
	}

	return p, nil
}

// DBVersionLess compares two migration identifiers, numerically when
// both parse as integers and bytewise otherwise
func DBVersionLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
