package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollbridge/pollbridge/pkg/dispatch"
	"github.com/pollbridge/pollbridge/pkg/security"
	"github.com/pollbridge/pollbridge/pkg/storage"
	"github.com/pollbridge/pollbridge/pkg/types"
	"github.com/pollbridge/pollbridge/pkg/upstream"
)

// fakeERP scripts the upstream JSON-RPC endpoint per (model, method)
type fakeERP struct {
	t *testing.T

	// orders returned for sale.order search_read calls
	orders []map[string]any

	// failWith overrides every object call with an HTTP status
	failWith int

	searchCalls int
}

func (f *fakeERP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params struct {
			Service string `json:"service"`
			Method  string `json:"method"`
			Args    []any  `json:"args"`
		} `json:"params"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	require.NoError(f.t, dec.Decode(&req))

	if req.Params.Service == "common" {
		fmt.Fprint(w, `{"jsonrpc":"2.0","result":7}`)
		return
	}

	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		return
	}

	model, _ := req.Params.Args[3].(string)
	switch model {
	case "sale.order":
		f.searchCalls++
		orders := f.orders
		if orders == nil {
			orders = []map[string]any{}
		}
		result, _ := json.Marshal(orders)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","result":%s}`, result)
	default:
		// lines, partners, products: nothing to resolve
		fmt.Fprint(w, `{"jsonrpc":"2.0","result":[]}`)
	}
}

// webhookSink records deliveries and answers with a scripted status
type webhookSink struct {
	status   int
	payloads []string
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.payloads = append(s.payloads, string(body))
	w.WriteHeader(s.status)
}

type workerFixture struct {
	store   *storage.BoltStore
	conn    *types.Connection
	erp     *fakeERP
	sink    *webhookSink
	worker  *Worker
	erpSrv  *httptest.Server
	sinkSrv *httptest.Server
}

func newWorkerFixture(t *testing.T, lastSyncAt string) *workerFixture {
	t.Helper()

	enc, err := security.NewFieldEncryptorFromPassphrase("test-passphrase")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"), enc)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	erp := &fakeERP{t: t}
	erpSrv := httptest.NewServer(erp)
	t.Cleanup(erpSrv.Close)

	sink := &webhookSink{status: http.StatusOK}
	sinkSrv := httptest.NewServer(sink)
	t.Cleanup(sinkSrv.Close)

	conn := &types.Connection{
		ID:           "c1",
		Name:         "acme-prod",
		UpstreamURL:  erpSrv.URL,
		UpstreamDB:   "acme",
		UpstreamUser: "sync@example.com",
		APIKey:       "key",
		WebhookURL:   sinkSrv.URL,
		PollInterval: 60,
		Active:       true,
		LastSyncAt:   lastSyncAt,
	}
	require.NoError(t, store.CreateConnection(conn))

	fx := &workerFixture{
		store: store, conn: conn, erp: erp, sink: sink,
		erpSrv: erpSrv, sinkSrv: sinkSrv,
	}
	fx.rebuild(t)
	return fx
}

// rebuild reloads the connection row and constructs a fresh worker, the way
// the scheduler does before every cycle
func (fx *workerFixture) rebuild(t *testing.T) {
	t.Helper()
	conn, err := fx.store.GetConnection(fx.conn.ID)
	require.NoError(t, err)
	fx.conn = conn

	client := upstream.NewClient(conn.UpstreamURL, conn.UpstreamDB, conn.UpstreamUser, conn.APIKey, nil)
	client.SeedSession(7)
	fx.worker = NewWorker(conn, client, dispatch.NewDispatcher(nil), fx.store)
}

func erpOrder(id int, name, writeDate string) map[string]any {
	return map[string]any{
		"id":         id,
		"name":       name,
		"state":      "sale",
		"date_order": "2026-03-01 09:00:00",
		"write_date": writeDate,
		"partner_id": false,
	}
}

func TestSeedCycleMarksWithoutDispatch(t *testing.T) {
	fx := newWorkerFixture(t, "")
	fx.erp.orders = []map[string]any{
		erpOrder(2, "SO2", "2026-03-01 11:00:00"),
		erpOrder(1, "SO1", "2026-03-01 10:00:00"),
	}

	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Empty(t, fx.sink.payloads, "seed must not dispatch webhooks")
	assert.Equal(t, 2, entry.OrdersFound)
	assert.Equal(t, 2, entry.OrdersSkipped)
	assert.Equal(t, 0, entry.OrdersSent)

	conn, _ := fx.store.GetConnection("c1")
	assert.Equal(t, "2026-03-01 11:00:00", conn.LastSyncAt)

	was, err := fx.store.WasSent("c1", 1, "2026-03-01 10:00:00")
	require.NoError(t, err)
	assert.True(t, was)
	was, _ = fx.store.WasSent("c1", 2, "2026-03-01 11:00:00")
	assert.True(t, was)
}

func TestSeedCycleEmptyUpstreamAnchorsCursor(t *testing.T) {
	fx := newWorkerFixture(t, "")
	fx.erp.orders = nil

	_, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)

	conn, _ := fx.store.GetConnection("c1")
	assert.NotEmpty(t, conn.LastSyncAt, "cursor anchored even with no orders")
}

func TestNormalCycleDispatchesAndAdvancesCursor(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.erp.orders = []map[string]any{
		erpOrder(3, "SO3", "2026-03-01 10:30:00"),
		erpOrder(4, "SO4", "2026-03-01 10:45:00"),
	}

	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, entry.OrdersSent)
	assert.Equal(t, 0, entry.OrdersFailed)
	require.Len(t, fx.sink.payloads, 2)

	var env types.Envelope
	require.NoError(t, json.Unmarshal([]byte(fx.sink.payloads[0]), &env))
	assert.Equal(t, "order.confirmed", env.Event)
	assert.Equal(t, "upstream_acme_3", env.ExternalID)

	conn, _ := fx.store.GetConnection("c1")
	assert.Equal(t, "2026-03-01 10:45:00", conn.LastSyncAt)
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)
}

func TestAlreadySentOrdersAreSkipped(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	require.NoError(t, fx.store.MarkSent(&types.SentOrder{
		ConnectionID: "c1", OrderID: 3, OrderName: "SO3",
		WriteDate: "2026-03-01 10:30:00",
	}))
	fx.erp.orders = []map[string]any{
		erpOrder(3, "SO3", "2026-03-01 10:30:00"),
	}

	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, entry.OrdersSkipped)
	assert.Equal(t, 0, entry.OrdersSent)
	assert.Empty(t, fx.sink.payloads)
}

func TestWebhookFailureGoesToRetryQueue(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.sink.status = http.StatusServiceUnavailable
	fx.erp.orders = []map[string]any{
		erpOrder(3, "SO3", "2026-03-01 10:30:00"),
	}

	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err, "webhook failures never fail the cycle")

	assert.Equal(t, 1, entry.OrdersFailed)
	assert.Equal(t, 0, entry.OrdersSent)

	items, err := fx.store.ListRetryItems("c1", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RetryPending, items[0].Status)
	assert.Equal(t, int64(3), items[0].OrderID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "503")
	assert.JSONEq(t, fx.sink.payloads[0], string(items[0].Payload),
		"queued payload is the exact bytes of the failed attempt")

	// The order is durably accounted for, so the cursor still advances
	conn, _ := fx.store.GetConnection("c1")
	assert.Equal(t, "2026-03-01 10:30:00", conn.LastSyncAt)
	assert.Equal(t, types.BreakerClosed, conn.BreakerState,
		"webhook failures never touch the breaker")
}

func TestRetrySweepDeliversDueItem(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	require.NoError(t, fx.store.EnqueueRetry(&types.RetryItem{
		ConnectionID: "c1", OrderID: 3, OrderName: "SO3",
		WriteDate: "2026-03-01 10:30:00",
		Payload:   json.RawMessage(`{"event":"order.confirmed","external_id":"upstream_acme_3"}`),
		Attempts:  1, MaxAttempts: 5,
		NextRetryAt: time.Now().Add(-time.Minute),
		Status:      types.RetryPending,
	}))
	fx.erp.orders = nil

	_, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)

	require.Len(t, fx.sink.payloads, 1)
	assert.Contains(t, fx.sink.payloads[0], "upstream_acme_3")

	// Delivered and swept away by cleanup
	items, err := fx.store.ListRetryItems("c1", 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	was, err := fx.store.WasSent("c1", 3, "2026-03-01 10:30:00")
	require.NoError(t, err)
	assert.True(t, was)
}

func TestRetrySweepExhaustsAttempts(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.sink.status = http.StatusServiceUnavailable
	require.NoError(t, fx.store.EnqueueRetry(&types.RetryItem{
		ConnectionID: "c1", OrderID: 3, OrderName: "SO3",
		Payload:  json.RawMessage(`{}`),
		Attempts: 4, MaxAttempts: 5,
		NextRetryAt: time.Now().Add(-time.Minute),
		Status:      types.RetryPending,
	}))
	fx.erp.orders = nil

	_, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)

	items, err := fx.store.ListRetryItems("c1", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RetryFailed, items[0].Status)
	assert.Equal(t, 5, items[0].Attempts)
}

func TestRetrySweepReschedulesWithBackoff(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.sink.status = http.StatusServiceUnavailable
	require.NoError(t, fx.store.EnqueueRetry(&types.RetryItem{
		ConnectionID: "c1", OrderID: 3, OrderName: "SO3",
		Payload:  json.RawMessage(`{}`),
		Attempts: 1, MaxAttempts: 5,
		NextRetryAt: time.Now().Add(-time.Minute),
		Status:      types.RetryPending,
	}))
	fx.erp.orders = nil

	before := time.Now()
	_, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)

	items, _ := fx.store.ListRetryItems("c1", 0)
	require.Len(t, items, 1)
	assert.Equal(t, types.RetryPending, items[0].Status)
	assert.Equal(t, 2, items[0].Attempts)
	// Second attempt reschedules 60s out
	assert.WithinDuration(t, before.Add(dispatch.Backoff(2)), items[0].NextRetryAt, 5*time.Second)
}

func TestHardUpstreamFailureCountsAgainstBreaker(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.erp.failWith = http.StatusInternalServerError

	_, err := fx.worker.Execute(context.Background())
	require.NoError(t, err, "Execute reports the failure via the sync log")

	conn, _ := fx.store.GetConnection("c1")
	assert.Equal(t, 1, conn.FailureCount)
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)

	logs, _ := fx.store.ListSyncLogs("c1", 1)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].Error)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.erp.failWith = http.StatusInternalServerError

	for i := 0; i < 5; i++ {
		fx.rebuild(t)
		_, err := fx.worker.Execute(context.Background())
		require.NoError(t, err)
	}

	conn, _ := fx.store.GetConnection("c1")
	assert.Equal(t, types.BreakerOpen, conn.BreakerState)
	assert.Equal(t, 5, conn.FailureCount)
	assert.False(t, conn.EarliestRetryAt.IsZero())

	// The next cycle is gated off without touching the upstream
	fx.erp.failWith = 0
	fx.erp.orders = []map[string]any{erpOrder(9, "SO9", "2026-03-01 12:00:00")}
	calls := fx.erp.searchCalls
	fx.rebuild(t)
	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls, fx.erp.searchCalls, "open breaker skips the fetch")
	assert.Contains(t, entry.Error, "breaker open")
}

func TestOperatorResetReopensTraffic(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.erp.failWith = http.StatusInternalServerError
	for i := 0; i < 5; i++ {
		fx.rebuild(t)
		_, err := fx.worker.Execute(context.Background())
		require.NoError(t, err)
	}

	require.NoError(t, fx.store.UpdateBreaker("c1", types.BreakerClosed, 0, 0, time.Time{}))

	fx.erp.failWith = 0
	fx.erp.orders = []map[string]any{erpOrder(9, "SO9", "2026-03-01 12:00:00")}
	fx.rebuild(t)
	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, entry.OrdersSent, "reset takes effect on the next cycle")
}

func TestHalfOpenRecoveryAfterTimeout(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")

	// Trip the breaker, then pretend the recovery window has passed by
	// rewriting the persisted deadline.
	fx.erp.failWith = http.StatusInternalServerError
	for i := 0; i < 5; i++ {
		fx.rebuild(t)
		_, err := fx.worker.Execute(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, fx.store.UpdateBreaker("c1", types.BreakerOpen, 5, 0,
		time.Now().Add(-time.Second)))

	fx.erp.failWith = 0
	fx.erp.orders = nil

	// First healthy probe: still half-open
	fx.rebuild(t)
	_, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)
	conn, _ := fx.store.GetConnection("c1")
	assert.Equal(t, types.BreakerHalfOpen, conn.BreakerState)

	// Second healthy probe closes it
	fx.rebuild(t)
	_, err = fx.worker.Execute(context.Background())
	require.NoError(t, err)
	conn, _ = fx.store.GetConnection("c1")
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)
	assert.Equal(t, 0, conn.FailureCount)
}

func TestRateLimitAbortsWithoutBreakerFault(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.erp.failWith = http.StatusTooManyRequests

	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)

	conn, _ := fx.store.GetConnection("c1")
	assert.Equal(t, 0, conn.FailureCount, "429 is not a breaker fault")
	assert.Equal(t, types.BreakerClosed, conn.BreakerState)
	assert.NotEmpty(t, entry.Error)
}

func TestInterruptedCycleWritesNoSyncLog(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.erp.orders = []map[string]any{erpOrder(3, "SO3", "2026-03-01 10:30:00")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entry, err := fx.worker.Execute(ctx)
	assert.Nil(t, entry)
	assert.ErrorIs(t, err, context.Canceled)

	logs, _ := fx.store.ListSyncLogs("c1", 0)
	assert.Empty(t, logs)
}

func TestSecondCycleSeesNothingNew(t *testing.T) {
	fx := newWorkerFixture(t, "2026-03-01 10:00:00")
	fx.erp.orders = []map[string]any{erpOrder(3, "SO3", "2026-03-01 10:30:00")}

	_, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)

	// Upstream returns the same order again (cursor filter is simulated by
	// the ledger here); nothing new goes out.
	fx.rebuild(t)
	entry, err := fx.worker.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, entry.OrdersSent)
	require.Len(t, fx.sink.payloads, 1, "exactly one delivery across both cycles")
}
