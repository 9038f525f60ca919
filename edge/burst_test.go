package edge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockTransmitter fails the next n transmits with a transient error, and
// rejects payloads listed in rejectOn with a permanent one.
type mockTransmitter struct {
	mu       sync.Mutex
	failNext int
	rejectOn map[string]bool
	sent     []json.RawMessage
	calls    int
}

func (m *mockTransmitter) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *mockTransmitter) RejectPayload(payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectOn == nil {
		m.rejectOn = map[string]bool{}
	}
	m.rejectOn[payload] = true
}

func (m *mockTransmitter) Transmit(_ context.Context, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.rejectOn[string(payload)] {
		return &PermanentError{Err: errors.New("payload rejected")}
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("network unreachable")
	}
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mockTransmitter) Sent() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.sent...)
}

func (m *mockTransmitter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockCompleter records completion callbacks.
type mockCompleter struct {
	mu     sync.Mutex
	counts []int
	err    error
}

func (m *mockCompleter) Complete(_ context.Context, transmittedCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, transmittedCount)
	return m.err
}

func (m *mockCompleter) Counts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.counts...)
}

func noSleep() BurstConfig {
	return BurstConfig{sleep: func(time.Duration) {}}
}

func queueItems(t *testing.T, ctrl *Controller, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := ctrl.QueueDetection([]byte(p))
		require.NoError(t, err)
	}
}

func TestTransmitBurstEmpty(t *testing.T) {
	result := TransmitBurst(context.Background(), nil, &mockTransmitter{}, noSleep(), discardLogger())
	assert.Equal(t, "success", result.Status)
	assert.Zero(t, result.Total)
}

func TestTransmitBurstPreservesOrder(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Activate(1)
	queueItems(t, ctrl, `{"seq":0}`, `{"seq":1}`, `{"seq":2}`)
	items, _, err := ctrl.Deactivate()
	require.NoError(t, err)

	tx := &mockTransmitter{}
	result := TransmitBurst(context.Background(), items, tx, noSleep(), discardLogger())

	require.Equal(t, "success", result.Status)
	assert.Len(t, result.TransmittedIDs, 3)
	assert.Empty(t, result.FailedIDs)

	sent := tx.Sent()
	require.Len(t, sent, 3)
	for i, payload := range sent {
		assert.JSONEq(t, string(items[i].Payload), string(payload))
	}
}

func TestTransmitBurstRetriesTransient(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Activate(1)
	queueItems(t, ctrl, `{"seq":0}`)
	items, _, err := ctrl.Deactivate()
	require.NoError(t, err)

	var slept []time.Duration
	cfg := BurstConfig{sleep: func(d time.Duration) { slept = append(slept, d) }}

	tx := &mockTransmitter{}
	tx.FailNext(2)
	result := TransmitBurst(context.Background(), items, tx, cfg, discardLogger())

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 3, tx.Calls())
	// Backoff between the three attempts: 2^1 then 2^2 seconds.
	require.Len(t, slept, 2)
	assert.Equal(t, 2*time.Second, slept[0])
	assert.Equal(t, 4*time.Second, slept[1])
}

func TestTransmitBurstExhaustsRetries(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Activate(1)
	queueItems(t, ctrl, `{"seq":0}`)
	items, _, err := ctrl.Deactivate()
	require.NoError(t, err)

	tx := &mockTransmitter{}
	tx.FailNext(10)
	result := TransmitBurst(context.Background(), items, tx, noSleep(), discardLogger())

	assert.Equal(t, "partial", result.Status)
	assert.Equal(t, 3, tx.Calls())
	assert.Equal(t, []uint64{items[0].ID}, result.FailedIDs)
}

func TestTransmitBurstPermanentFailureSkipsRetry(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Activate(1)
	queueItems(t, ctrl, `{"bad":true}`, `{"seq":1}`)
	items, _, err := ctrl.Deactivate()
	require.NoError(t, err)

	tx := &mockTransmitter{}
	tx.RejectPayload(`{"bad":true}`)
	result := TransmitBurst(context.Background(), items, tx, noSleep(), discardLogger())

	assert.Equal(t, "partial", result.Status)
	// One rejection plus one delivery: no retries burned on the reject.
	assert.Equal(t, 2, tx.Calls())
	assert.Equal(t, []uint64{items[0].ID}, result.FailedIDs)
	assert.Equal(t, []uint64{items[1].ID}, result.TransmittedIDs)
}

func TestTransmitBurstBatchPause(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Activate(1)
	for i := 0; i < 5; i++ {
		queueItems(t, ctrl, `{}`)
	}
	items, _, err := ctrl.Deactivate()
	require.NoError(t, err)

	var pauses int
	cfg := BurstConfig{
		BatchSize:  2,
		BatchPause: 50 * time.Millisecond,
		sleep:      func(time.Duration) { pauses++ },
	}
	result := TransmitBurst(context.Background(), items, &mockTransmitter{}, cfg, discardLogger())

	assert.Equal(t, "success", result.Status)
	// 5 items in batches of 2: pauses between batches, none after the last.
	assert.Equal(t, 2, pauses)
}

func TestReconcileSuccessPurgesQueue(t *testing.T) {
	ctrl, store := newTestController(t)
	ctrl.Activate(42)
	queueItems(t, ctrl, `{"seq":0}`, `{"seq":1}`, `{"seq":2}`)
	items, episodeID, err := ctrl.Deactivate()
	require.NoError(t, err)

	tx := &mockTransmitter{}
	completer := &mockCompleter{}
	result, err := Reconcile(context.Background(), store, items, tx, completer, episodeID, noSleep(), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, []int{3}, completer.Counts())

	// Delivered rows are physically gone; a second pass has nothing to do.
	count, err := store.Count(false)
	require.NoError(t, err)
	assert.Zero(t, count)

	again, _, err := ctrl.Deactivate()
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestReconcilePartialKeepsFailedItems(t *testing.T) {
	ctrl, store := newTestController(t)
	ctrl.Activate(42)
	queueItems(t, ctrl, `{"seq":0}`, `{"bad":true}`, `{"seq":2}`)
	items, episodeID, err := ctrl.Deactivate()
	require.NoError(t, err)

	tx := &mockTransmitter{}
	tx.RejectPayload(`{"bad":true}`)
	completer := &mockCompleter{}
	result, err := Reconcile(context.Background(), store, items, tx, completer, episodeID, noSleep(), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "partial", result.Status)
	assert.Len(t, result.TransmittedIDs, 2)
	require.Len(t, result.FailedIDs, 1)
	// Only confirmed deliveries count towards completion.
	assert.Equal(t, []int{2}, completer.Counts())

	// The failed item survives in the local queue for a later pass.
	remaining, err := store.List(true)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, result.FailedIDs[0], remaining[0].ID)
}

func TestReconcileCompletionFailureIsBestEffort(t *testing.T) {
	ctrl, store := newTestController(t)
	ctrl.Activate(42)
	queueItems(t, ctrl, `{}`)
	items, episodeID, err := ctrl.Deactivate()
	require.NoError(t, err)

	completer := &mockCompleter{err: errors.New("center unreachable")}
	result, err := Reconcile(context.Background(), store, items, &mockTransmitter{}, completer, episodeID, noSleep(), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)

	// The queue is still purged; the janitor will release the node later.
	count, err := store.Count(false)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReconcileSkipsCompleterWithoutEpisode(t *testing.T) {
	ctrl, store := newTestController(t)
	ctrl.Activate(0) // center was unreachable at activation
	queueItems(t, ctrl, `{}`)
	items, episodeID, err := ctrl.Deactivate()
	require.NoError(t, err)
	require.Zero(t, episodeID)

	completer := &mockCompleter{}
	_, err = Reconcile(context.Background(), store, items, &mockTransmitter{}, completer, episodeID, noSleep(), discardLogger())
	require.NoError(t, err)
	assert.Empty(t, completer.Counts())
}
