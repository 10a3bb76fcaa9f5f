package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixtureRowDecoder_FixturesShape(t *testing.T) {
	raw := json.RawMessage(`{"model": "blog.Author", "pk": 48, "fields": {"name": "Paul"}}`)

	got, err := FixtureRowDecoder{}.Decode("Author", raw)
	require.NoError(t, err)

	row, ok := got.(*Row)
	require.True(t, ok)
	assert.Equal(t, "blog.Author", row.Model)
	assert.Equal(t, float64(48), row.PK)
	assert.Equal(t, "Paul", row.Fields["name"])
}

func TestFixtureRowDecoder_TriggerShape(t *testing.T) {
	// Database-side triggers serialize the row as a flat column object
	raw := json.RawMessage(`{"id": 48, "name": "Paul"}`)

	got, err := FixtureRowDecoder{}.Decode("Author", raw)
	require.NoError(t, err)

	row, ok := got.(*Row)
	require.True(t, ok)
	assert.Equal(t, "Author", row.Model)
	assert.Equal(t, float64(48), row.PK)
	assert.Equal(t, "Paul", row.Fields["name"])
}

func TestFixtureRowDecoder_Nil(t *testing.T) {
	got, err := FixtureRowDecoder{}.Decode("Author", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFixtureRowDecoder_Malformed(t *testing.T) {
	_, err := FixtureRowDecoder{}.Decode("Author", json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}
