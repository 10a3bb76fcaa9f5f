package channel

import (
	"encoding/json"
	"fmt"
)

// RowDecoder turns the old/new entries of a trigger payload into values
// the callback understands. The default decoder keeps the fixtures-style
// shape; deployments with richer model layers plug in their own.
type RowDecoder interface {
	Decode(model string, raw json.RawMessage) (any, error)
}

// Row is the default decoded form of a serialized trigger row
type Row struct {
	Model  string
	PK     any
	Fields map[string]any
}

// FixtureRowDecoder decodes rows in the {model, pk, fields} fixtures
// shape, falling back to a flat column map when the payload was built by
// a database-side trigger (to_jsonb of the row).
type FixtureRowDecoder struct{}

type fixtureRow struct {
	Model  string         `json:"model"`
	PK     any            `json:"pk"`
	Fields map[string]any `json:"fields"`
}

func (FixtureRowDecoder) Decode(model string, raw json.RawMessage) (any, error) {
	if raw == nil {
		return nil, nil
	}

	var fr fixtureRow
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, fmt.Errorf("decode row for model %q: %w", model, err)
	}
	if fr.Fields != nil {
		if fr.Model == "" {
			fr.Model = model
		}
		return &Row{Model: fr.Model, PK: fr.PK, Fields: fr.Fields}, nil
	}

	// Trigger payloads serialize the row as a flat column object
	var cols map[string]any
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, fmt.Errorf("decode row for model %q: %w", model, err)
	}
	return &Row{Model: model, PK: cols["id"], Fields: cols}, nil
}
