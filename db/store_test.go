package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimSQL_MatchesPayload(t *testing.T) {
	payload := []byte(`{"kwargs": {"model_id": 12}}`)

	sql, args, err := claimSQL("pgbus_abc", payload, true)
	require.NoError(t, err)

	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, sql, "LIMIT")
	assert.Contains(t, sql, `"channel"`)
	assert.Contains(t, sql, "::jsonb")
	assert.Contains(t, sql, NotificationTable)

	// Channel and payload travel as bind parameters, never inlined
	assert.NotContains(t, sql, "pgbus_abc")
	assert.NotContains(t, sql, "model_id")
	require.GreaterOrEqual(t, len(args), 2)
	assert.Contains(t, args, any("pgbus_abc"))
	assert.Contains(t, args, any(string(payload)))
}

func TestClaimSQL_AnyPayload(t *testing.T) {
	sql, args, err := claimSQL("pgbus_abc", nil, false)
	require.NoError(t, err)

	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.NotContains(t, sql, "::jsonb")
	assert.Contains(t, args, any("pgbus_abc"))
}

func TestClaimSQL_OrderedOldestFirst(t *testing.T) {
	sql, _, err := claimSQL("pgbus_abc", nil, false)
	require.NoError(t, err)

	idx := strings.Index(sql, `ORDER BY "id" ASC`)
	assert.Greater(t, idx, 0, "claim should take the oldest unlocked row first, got %q", sql)
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'abc'", quoteLiteral("abc"))
	assert.Equal(t, "'it''s'", quoteLiteral("it's"))
}

func TestQueueStatsProcessingLag(t *testing.T) {
	now := mustParse(t, "2024-06-01T12:00:05Z")
	oldest := mustParse(t, "2024-06-01T12:00:00Z")

	qs := QueueStats{Length: 3, OldestCreatedAt: &oldest}
	assert.Equal(t, float64(5000), qs.ProcessingLagMS(now))

	empty := QueueStats{}
	assert.Equal(t, float64(0), empty.ProcessingLagMS(now))
}
