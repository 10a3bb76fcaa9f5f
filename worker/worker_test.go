package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbus/pgbus/channel"
	"github.com/pgbus/pgbus/db"
	"github.com/pgbus/pgbus/dispatch"
)

// fakeSession satisfies Session for tests that drive handle directly
type fakeSession struct {
	polls      []func(ctx context.Context) ([]db.Notification, error)
	i          int
	subscribed []string
	closed     bool
}

func (s *fakeSession) Subscribe(ctx context.Context, channels []string) error {
	s.subscribed = append(s.subscribed, channels...)
	return nil
}

func (s *fakeSession) Poll(ctx context.Context, deadline time.Duration) ([]db.Notification, error) {
	if s.i < len(s.polls) {
		fn := s.polls[s.i]
		s.i++
		return fn(ctx)
	}
	// Script exhausted: behave like an idle connection
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for notification: %w", ctx.Err())
	case <-time.After(5 * time.Millisecond):
		return nil, db.ErrPollTimeout
	}
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

// fakeStore is an in-memory stand-in for the stored-notification table
// with the same lock-and-skip semantics
type fakeStore struct {
	mu       sync.Mutex
	rows     []db.StoredNotification
	nextID   int64
	locked   map[int64]bool
	claims   int
	aborted  int
	released int
	complete int
}

func newFakeStore() *fakeStore {
	return &fakeStore{locked: make(map[int64]bool)}
}

func (s *fakeStore) insert(wire string, payload []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows = append(s.rows, db.StoredNotification{
		ID:        s.nextID,
		Channel:   wire,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return s.nextID
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) lockRow(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[id] = true
}

func jsonEqual(a, b []byte) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func (s *fakeStore) Claim(ctx context.Context, wire string, payload []byte) (Claimed, error) {
	return s.claimWhere(wire, func(row db.StoredNotification) bool {
		return jsonEqual(row.Payload, payload)
	})
}

func (s *fakeStore) ClaimAny(ctx context.Context, wire string) (Claimed, error) {
	return s.claimWhere(wire, func(db.StoredNotification) bool { return true })
}

func (s *fakeStore) claimWhere(wire string, match func(db.StoredNotification) bool) (Claimed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	for i := range s.rows {
		row := s.rows[i]
		if row.Channel != wire || s.locked[row.ID] || !match(row) {
			continue
		}
		s.locked[row.ID] = true
		copied := row
		return &fakeClaim{store: s, row: &copied}, nil
	}
	return &fakeClaim{store: s}, nil
}

func (s *fakeStore) Recovery(ctx context.Context, wire string) (RecoveryIter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snapshot []db.StoredNotification
	for _, row := range s.rows {
		if row.Channel == wire {
			snapshot = append(snapshot, row)
		}
	}
	return &fakeIter{rows: snapshot}, nil
}

type fakeClaim struct {
	store *fakeStore
	row   *db.StoredNotification
	done  bool
}

func (c *fakeClaim) Row() *db.StoredNotification { return c.row }

func (c *fakeClaim) Complete(ctx context.Context) error {
	if c.done {
		return db.ErrClaimDone
	}
	c.done = true
	if c.row == nil {
		return errors.New("complete without a claimed row")
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.complete++
	delete(c.store.locked, c.row.ID)
	for i, row := range c.store.rows {
		if row.ID == c.row.ID {
			c.store.rows = append(c.store.rows[:i], c.store.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (c *fakeClaim) Release(ctx context.Context) error {
	if c.done {
		return db.ErrClaimDone
	}
	c.done = true
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.released++
	if c.row != nil {
		delete(c.store.locked, c.row.ID)
	}
	return nil
}

func (c *fakeClaim) Abort(ctx context.Context) error {
	if c.done {
		return db.ErrClaimDone
	}
	c.done = true
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.aborted++
	if c.row != nil {
		delete(c.store.locked, c.row.ID)
	}
	return nil
}

type fakeIter struct {
	rows []db.StoredNotification
	i    int
}

func (it *fakeIter) Next(ctx context.Context) (*db.StoredNotification, error) {
	if it.i >= len(it.rows) {
		return nil, nil
	}
	row := it.rows[it.i]
	it.i++
	return &row, nil
}

func (it *fakeIter) Close(ctx context.Context) error { return nil }

// fixture wires a worker over a fresh registry with one durable trigger
// channel and one transient custom channel
type fixture struct {
	worker   *Worker
	store    *fakeStore
	session  *fakeSession
	registry *channel.Registry

	mu        sync.Mutex
	delivered []*channel.Invocation
	fail      bool
}

const (
	durableChannel   = "blog.AuthorTrigger"
	transientChannel = "blog.PostReads"
)

func wire(name string) string { return channel.ListenSafeName(name) }

func newFixture(t *testing.T, opts ...func(*dispatch.Config)) *fixture {
	t.Helper()
	f := &fixture{store: newFakeStore(), session: &fakeSession{}, registry: channel.NewRegistry()}

	record := func(ctx context.Context, inv *channel.Invocation) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			return errors.New("callback failed")
		}
		f.delivered = append(f.delivered, inv)
		return nil
	}

	require.NoError(t, f.registry.Register(&channel.Descriptor{
		Name: durableChannel, Kind: channel.KindTrigger, Durable: true, Callback: record,
	}))
	require.NoError(t, f.registry.Register(&channel.Descriptor{
		Name: transientChannel, Kind: channel.KindCustom, Callback: record,
	}))

	dcfg := dispatch.Config{Registry: f.registry}
	for _, opt := range opts {
		opt(&dcfg)
	}
	dispatcher, err := dispatch.NewDispatcher(dcfg)
	require.NoError(t, err)

	w, err := NewWorker(Config{
		Registry:    f.registry,
		Dispatcher:  dispatcher,
		Session:     f.session,
		Store:       f.store,
		Channels:    []string{durableChannel, transientChannel},
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *fixture) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fixture) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func authorPayload(id int) []byte {
	return []byte(fmt.Sprintf(`{"app": "blog", "model": "Author", "old": null, "new": {"id": %d, "name": "Paul"}}`, id))
}

func TestWorker_DurableDelivery(t *testing.T) {
	f := newFixture(t)
	payload := authorPayload(48)
	f.store.insert(wire(durableChannel), payload)

	err := f.worker.handle(context.Background(), db.Notification{
		Channel: wire(durableChannel), Payload: string(payload),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.deliveredCount())
	assert.Equal(t, 0, f.store.count(), "row must be deleted exactly once")
	assert.Equal(t, 1, f.store.complete)
}

func TestWorker_ClaimMiss(t *testing.T) {
	f := newFixture(t)
	payload := authorPayload(48)
	// No stored row: another worker already processed this notification

	err := f.worker.handle(context.Background(), db.Notification{
		Channel: wire(durableChannel), Payload: string(payload),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, f.deliveredCount())
	assert.Equal(t, 1, f.store.released)
}

func TestWorker_SkipLockedRow(t *testing.T) {
	f := newFixture(t)
	payload := authorPayload(48)
	id := f.store.insert(wire(durableChannel), payload)
	f.store.lockRow(id) // a sibling worker holds the claim

	err := f.worker.handle(context.Background(), db.Notification{
		Channel: wire(durableChannel), Payload: string(payload),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, f.deliveredCount())
	assert.Equal(t, 1, f.store.count(), "locked row stays with its owner")
}

func TestWorker_CallbackError_RowSurvives(t *testing.T) {
	f := newFixture(t)
	payload := authorPayload(48)
	f.store.insert(wire(durableChannel), payload)
	f.setFail(true)

	note := db.Notification{Channel: wire(durableChannel), Payload: string(payload)}
	require.NoError(t, f.worker.handle(context.Background(), note))

	assert.Equal(t, 0, f.deliveredCount())
	assert.Equal(t, 1, f.store.count(), "aborted claim leaves the row")
	assert.Equal(t, 1, f.store.aborted)

	// Callback fixed: the next cycle claims and succeeds
	f.setFail(false)
	require.NoError(t, f.worker.handle(context.Background(), note))
	assert.Equal(t, 1, f.deliveredCount())
	assert.Equal(t, 0, f.store.count())
}

func TestWorker_FilteredRow_ReleasedAndNotRetriedThisSession(t *testing.T) {
	f := newFixture(t, func(c *dispatch.Config) {
		filter, err := dispatch.NewContextGlobFilter(dispatch.FilterConfig{Key: "tenant", Pattern: "t1"})
		require.NoError(t, err)
		c.Filter = filter
	})

	payload := []byte(`{"app": "blog", "model": "Author", "new": {"id": 1}, "context": {"tenant": "t2"}}`)
	f.store.insert(wire(durableChannel), payload)
	note := db.Notification{Channel: wire(durableChannel), Payload: string(payload)}

	require.NoError(t, f.worker.handle(context.Background(), note))
	assert.Equal(t, 0, f.deliveredCount())
	assert.Equal(t, 1, f.store.count(), "rejected durable row remains for another process")
	assert.Equal(t, 1, f.store.released)

	// Same notification again: this session will not retry it
	claimsBefore := f.store.claims
	require.NoError(t, f.worker.handle(context.Background(), note))
	assert.Equal(t, claimsBefore, f.store.claims, "skip set must prevent a second claim")
	assert.Equal(t, 1, f.store.count())
}

func TestWorker_UndecodablePayload_ReleasesRow(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"app": "blog", "model": "Author", "new": [1, 2]}`)
	f.store.insert(wire(durableChannel), payload)

	note := db.Notification{Channel: wire(durableChannel), Payload: string(payload)}
	require.NoError(t, f.worker.handle(context.Background(), note))

	assert.Equal(t, 0, f.deliveredCount())
	assert.Equal(t, 1, f.store.count(), "row is left for a future deployment")
	assert.Equal(t, 1, f.store.released)
	assert.Equal(t, 0, f.store.aborted, "decode failures release, they do not abort")
}

func TestWorker_TransientChannel(t *testing.T) {
	f := newFixture(t)
	payload := `{"kwargs": {"model_id": 12, "date": "2022-01-24"}}`

	err := f.worker.handle(context.Background(), db.Notification{
		Channel: wire(transientChannel), Payload: payload,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.deliveredCount())
	assert.Equal(t, 0, f.store.claims, "transient channels never touch the store")
	assert.Equal(t, 0, f.store.count())
}

func TestWorker_TransientCallbackError_DoesNotKillWorker(t *testing.T) {
	f := newFixture(t)
	f.setFail(true)

	err := f.worker.handle(context.Background(), db.Notification{
		Channel: wire(transientChannel), Payload: `{"kwargs": {}}`,
	})
	assert.NoError(t, err)
}

func TestWorker_DuplicatePayloads(t *testing.T) {
	// Five identical durable payloads: the live notification collapses
	// to one delivery; a recovery scan later replays each remaining row
	// independently.
	f := newFixture(t)
	payload := authorPayload(48)
	for i := 0; i < 5; i++ {
		f.store.insert(wire(durableChannel), payload)
	}

	note := db.Notification{Channel: wire(durableChannel), Payload: string(payload)}
	require.NoError(t, f.worker.handle(context.Background(), note))

	assert.Equal(t, 1, f.deliveredCount(), "duplicates collapse on (channel, payload)")
	assert.Equal(t, 4, f.store.count(), "remaining duplicates stay in the table")

	require.NoError(t, f.worker.runRecovery(context.Background()))
	assert.Equal(t, 5, f.deliveredCount(), "recovery replays each stored row")
	assert.Equal(t, 0, f.store.count())
}

func TestWorker_Recovery(t *testing.T) {
	f := newFixture(t)
	const k = 1000
	for i := 0; i < k; i++ {
		f.store.insert(wire(durableChannel), authorPayload(i))
	}

	require.NoError(t, f.worker.runRecovery(context.Background()))

	assert.Equal(t, k, f.deliveredCount())
	assert.Equal(t, 0, f.store.count())
}

func TestWorker_RecoverySkipsRowsClaimedElsewhere(t *testing.T) {
	f := newFixture(t)
	ids := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, f.store.insert(wire(durableChannel), authorPayload(i)))
	}
	f.store.lockRow(ids[1])

	require.NoError(t, f.worker.runRecovery(context.Background()))

	assert.Equal(t, 2, f.deliveredCount())
	assert.Equal(t, 1, f.store.count(), "row claimed by a sibling stays put")
}

func TestWorker_WakeupDrain(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.store.insert(wire(durableChannel), authorPayload(i))
	}

	err := f.worker.handle(context.Background(), db.Notification{
		Channel: wire(durableChannel), Payload: "null",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, f.deliveredCount())
	assert.Equal(t, 0, f.store.count())
}

func TestWorker_WakeupDrain_TerminatesOnReleasedRows(t *testing.T) {
	f := newFixture(t, func(c *dispatch.Config) {
		filter, err := dispatch.NewContextGlobFilter(dispatch.FilterConfig{Key: "tenant", Pattern: "t1"})
		require.NoError(t, err)
		c.Filter = filter
	})

	// No context: the filter rejects, the drain must still terminate
	f.store.insert(wire(durableChannel), []byte(`{"app": "blog", "model": "Author", "new": {"id": 1}}`))
	f.store.insert(wire(durableChannel), []byte(`{"app": "blog", "model": "Author", "new": {"id": 2}}`))

	done := make(chan error, 1)
	go func() {
		done <- f.worker.handle(context.Background(), db.Notification{
			Channel: wire(durableChannel), Payload: "null",
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup drain did not terminate")
	}
	assert.Equal(t, 2, f.store.count())
}

func TestWorker_WakeupOnTransientChannelIsIgnored(t *testing.T) {
	f := newFixture(t)

	err := f.worker.handle(context.Background(), db.Notification{
		Channel: wire(transientChannel), Payload: "null",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.deliveredCount())
	assert.Equal(t, 0, f.store.claims)
}

func TestWorker_Run_CleanShutdown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}
	assert.True(t, f.session.closed)
	assert.Equal(t, StateExited, f.worker.State())
}

func TestWorker_Run_FatalSessionError(t *testing.T) {
	f := newFixture(t)
	f.session.polls = []func(ctx context.Context) ([]db.Notification, error){
		func(ctx context.Context) ([]db.Notification, error) {
			return nil, errors.New("server closed the connection unexpectedly")
		},
	}

	err := f.worker.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, f.session.closed)
	assert.Equal(t, StateExited, f.worker.State())
}

func TestWorker_Run_ProcessesLiveNotifications(t *testing.T) {
	f := newFixture(t)
	payload := authorPayload(48)
	f.store.insert(wire(durableChannel), payload)

	f.session.polls = []func(ctx context.Context) ([]db.Notification, error){
		func(ctx context.Context) ([]db.Notification, error) {
			return []db.Notification{{Channel: wire(durableChannel), Payload: string(payload)}}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return f.deliveredCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 0, f.store.count())
	assert.ElementsMatch(t, []string{wire(durableChannel), wire(transientChannel)}, f.session.subscribed)
}

func TestNewWorker_Validation(t *testing.T) {
	registry := channel.NewRegistry()
	require.NoError(t, registry.Register(&channel.Descriptor{
		Name: durableChannel, Kind: channel.KindTrigger, Durable: true, Callback: noop,
	}))
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{Registry: registry})
	require.NoError(t, err)

	t.Run("durable without store", func(t *testing.T) {
		_, err := NewWorker(Config{
			Registry:   registry,
			Dispatcher: dispatcher,
			Session:    &fakeSession{},
			Channels:   []string{durableChannel},
		})
		assert.Error(t, err)
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := NewWorker(Config{
			Registry:   registry,
			Dispatcher: dispatcher,
			Session:    &fakeSession{},
			Store:      newFakeStore(),
			Channels:   []string{"nope.Missing"},
		})
		assert.Error(t, err)
	})

	t.Run("no channels", func(t *testing.T) {
		_, err := NewWorker(Config{
			Registry:   registry,
			Dispatcher: dispatcher,
			Session:    &fakeSession{},
		})
		assert.Error(t, err)
	})
}

func noop(ctx context.Context, inv *channel.Invocation) error { return nil }
