package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

// fakeRecoveryTx serves scripted batches like a server-side cursor would
type fakeRecoveryTx struct {
	rows    []StoredNotification
	offset  int
	fetches int
	closed  bool
}

func (f *fakeRecoveryTx) queryBatch(ctx context.Context, cursor string, limit int) ([]StoredNotification, error) {
	f.fetches++
	if f.offset >= len(f.rows) {
		return nil, nil
	}
	end := f.offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	batch := f.rows[f.offset:end]
	f.offset = end
	return batch, nil
}

func (f *fakeRecoveryTx) close(ctx context.Context) error {
	f.closed = true
	return nil
}

func storedRows(n int) []StoredNotification {
	rows := make([]StoredNotification, n)
	for i := range rows {
		rows[i] = StoredNotification{ID: int64(i + 1), Channel: "pgbus_abc", Payload: []byte(`{}`)}
	}
	return rows
}

func TestRecoveryCursor_StreamsAllRowsInOrder(t *testing.T) {
	fake := &fakeRecoveryTx{rows: storedRows(recoveryBatchSize + 42)}
	rc := &RecoveryCursor{tx: fake, name: "c"}

	var got []int64
	for {
		row, err := rc.Next(context.Background())
		require.NoError(t, err)
		if row == nil {
			break
		}
		got = append(got, row.ID)
	}

	require.Len(t, got, recoveryBatchSize+42)
	for i, id := range got {
		assert.Equal(t, int64(i+1), id)
	}
	// One full batch, one partial; the partial ends the scan without an
	// extra round trip
	assert.Equal(t, 2, fake.fetches)
}

func TestRecoveryCursor_Empty(t *testing.T) {
	fake := &fakeRecoveryTx{}
	rc := &RecoveryCursor{tx: fake, name: "c"}

	row, err := rc.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestRecoveryCursor_Close(t *testing.T) {
	fake := &fakeRecoveryTx{rows: storedRows(1)}
	rc := &RecoveryCursor{tx: fake, name: "c"}

	require.NoError(t, rc.Close(context.Background()))
	assert.True(t, fake.closed)

	_, err := rc.Next(context.Background())
	assert.Error(t, err)

	// Idempotent
	assert.NoError(t, rc.Close(context.Background()))
}
