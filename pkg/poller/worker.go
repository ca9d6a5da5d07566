package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pollbridge/pollbridge/pkg/breaker"
	"github.com/pollbridge/pollbridge/pkg/dispatch"
	"github.com/pollbridge/pollbridge/pkg/log"
	"github.com/pollbridge/pollbridge/pkg/mapper"
	"github.com/pollbridge/pollbridge/pkg/metrics"
	"github.com/pollbridge/pollbridge/pkg/storage"
	"github.com/pollbridge/pollbridge/pkg/types"
	"github.com/pollbridge/pollbridge/pkg/upstream"
)

const (
	// MaxSentOrders caps the delivery ledger per connection and sizes the
	// seed fetch
	MaxSentOrders = 30

	// MaxSyncLogs caps retained cycle logs per connection
	MaxSyncLogs = 100

	// FetchLimit bounds one cycle's candidate fetch
	FetchLimit = 100

	// DefaultMaxAttempts before a retry item is marked failed
	DefaultMaxAttempts = 5
)

// OrderFields requested for every candidate order
var OrderFields = []string{
	"name",
	"state",
	"date_order",
	"write_date",
	"partner_id",
	"partner_shipping_id",
	"amount_total",
	"note",
	"client_order_ref",
}

// errInterrupted aborts a cycle at a suspension point during shutdown.
// No SyncLog is written for an interrupted cycle.
var errInterrupted = errors.New("cycle interrupted")

// Worker executes one poll cycle for one connection. It owns the in-memory
// batch assembled during the cycle and nothing else; all durable state goes
// through the store.
type Worker struct {
	conn       *types.Connection
	client     *upstream.Client
	dispatcher *dispatch.Dispatcher
	brk        *breaker.Breaker
	store      storage.Store
	logger     zerolog.Logger
	now        func() time.Time
}

// NewWorker builds a worker for one cycle. The breaker is loaded from the
// connection row so operator resets take effect on the next cycle.
func NewWorker(conn *types.Connection, client *upstream.Client, dispatcher *dispatch.Dispatcher, store storage.Store) *Worker {
	return &Worker{
		conn:       conn,
		client:     client,
		dispatcher: dispatcher,
		brk:        breaker.Load(conn.BreakerState, conn.FailureCount, conn.HalfOpenSuccesses, conn.EarliestRetryAt),
		store:      store,
		logger:     log.WithConnection(conn.ID, conn.Name),
		now:        time.Now,
	}
}

type counters struct {
	found   int
	sent    int
	failed  int
	skipped int
}

// Execute runs one poll cycle. The returned SyncLog is the appended entry,
// nil when the cycle was interrupted by shutdown.
func (w *Worker) Execute(ctx context.Context) (*types.SyncLog, error) {
	started := w.now()
	entryState := w.brk.State()

	// Step 1: gate
	if !w.brk.Allow() {
		w.logger.Info().Time("earliest_retry_at", w.brk.EarliestRetryAt()).
			Msg("breaker open, skipping cycle")
		entry := w.newLog(started, counters{}, "breaker open, cycle skipped", entryState)
		if err := w.store.AppendSyncLog(entry); err != nil {
			return nil, err
		}
		metrics.CyclesTotal.WithLabelValues(w.conn.Name, "skipped").Inc()
		return entry, nil
	}

	c, cycleErr := w.cycle(ctx, started)
	if errors.Is(cycleErr, errInterrupted) {
		return nil, ctx.Err()
	}

	// Step 11: finalize. Rate limits abort the cycle without touching the
	// breaker; webhook failures were already absorbed into the retry queue.
	var rateLimited *upstream.RateLimitError
	errMsg := ""
	result := "ok"
	switch {
	case cycleErr == nil:
		w.brk.Success()
	case errors.As(cycleErr, &rateLimited):
		errMsg = cycleErr.Error()
		result = "rate_limited"
		w.logger.Warn().Msg("upstream rate limit, aborting cycle")
	default:
		w.brk.Failure()
		errMsg = cycleErr.Error()
		result = "error"
		w.logger.Error().Err(cycleErr).Msg("poll cycle failed")
	}

	if err := w.persistBreaker(entryState); err != nil {
		w.logger.Error().Err(err).Msg("failed to persist breaker state")
	}

	entry := w.newLog(started, c, errMsg, entryState)
	if err := w.store.AppendSyncLog(entry); err != nil {
		return nil, err
	}
	if err := w.store.TrimSyncLogs(w.conn.ID, MaxSyncLogs); err != nil {
		w.logger.Error().Err(err).Msg("failed to trim sync logs")
	}

	w.observe(c, result, started)
	return entry, nil
}

// cycle runs steps 2 through 10. Any returned error is a hard cycle abort;
// per-order dispatch failures are handled inside and never surface here.
func (w *Worker) cycle(ctx context.Context, started time.Time) (counters, error) {
	var c counters

	// Step 2: authenticate. The client caches its session; this is a no-op
	// on a warm connection.
	if w.client.UID() == 0 {
		if _, err := w.client.Authenticate(w.callCtx(ctx)); err != nil {
			return c, err
		}
		w.persistSession()
	}

	// Step 3: seed path for an uninitialized cursor
	if w.conn.LastSyncAt == "" {
		return w.seed(ctx)
	}

	if err := w.interrupted(ctx); err != nil {
		return c, err
	}

	// Step 4: fetch candidates
	domain := []any{
		[]any{"state", "in", []any{"sale", "done"}},
		[]any{"write_date", ">", w.conn.LastSyncAt},
	}
	orders, err := w.client.SearchRead(w.callCtx(ctx), "sale.order", domain, OrderFields,
		&upstream.SearchOptions{Order: "write_date asc", Limit: FetchLimit})
	if err != nil {
		return c, err
	}
	c.found = len(orders)

	// Step 5: ledger dedupe
	var candidates []upstream.Record
	for _, order := range orders {
		sent, err := w.store.WasSent(w.conn.ID, order.ID(), order.Str("write_date"))
		if err != nil {
			return c, err
		}
		if sent {
			c.skipped++
			continue
		}
		candidates = append(candidates, order)
	}

	if len(candidates) > 0 {
		if err := w.interrupted(ctx); err != nil {
			return c, err
		}

		// Step 6: batch prefetch
		batch, err := mapper.Fetch(w.callCtx(ctx), w.client, candidates)
		if err != nil {
			return c, err
		}

		// Step 7: dispatch loop, ascending write_date. Per-order failures
		// flow into the retry queue and never abort the cycle.
		advanced := ""
		src := mapper.Source{
			DB:           w.conn.UpstreamDB,
			ConnectionID: w.conn.ID,
			StoreID:      w.conn.StoreID,
			ClientID:     w.conn.ClientID,
		}
		for _, order := range candidates {
			if err := w.interrupted(ctx); err != nil {
				return c, err
			}
			wd := order.Str("write_date")
			durable := w.dispatchOne(ctx, order, batch, src, &c)
			if durable && wd > advanced {
				advanced = wd
			}
		}

		// Step 8: cursor advance over durably-accounted candidates only
		if advanced != "" {
			if err := w.store.UpdateLastSyncAt(w.conn.ID, advanced); err != nil {
				return c, err
			}
			if advanced > w.conn.LastSyncAt {
				w.conn.LastSyncAt = advanced
			}
		}

		// Step 9: ledger trim
		if err := w.store.TrimSentOrders(w.conn.ID, MaxSentOrders); err != nil {
			return c, err
		}
	}

	// Step 10: retry sweep
	if err := w.sweepRetries(ctx); err != nil {
		return c, err
	}

	if err := w.store.CleanupFinishedRetries(w.conn.ID); err != nil {
		w.logger.Error().Err(err).Msg("failed to clean up finished retries")
	}

	return c, nil
}

// dispatchOne maps and sends one candidate. Returns true when the order is
// durably accounted for: ledger-marked on success, or retry-enqueued on
// webhook failure. Mapper defects count as failed without a retry item.
func (w *Worker) dispatchOne(ctx context.Context, order upstream.Record, batch *mapper.Batch, src mapper.Source, c *counters) bool {
	env, err := mapper.MapOrder(order, batch, src)
	if err != nil {
		c.failed++
		w.logger.Warn().Err(err).Int64("order_id", order.ID()).
			Msg("order rejected by mapper, skipping")
		return false
	}

	payload, err := json.Marshal(env)
	if err != nil {
		c.failed++
		w.logger.Warn().Err(err).Int64("order_id", order.ID()).
			Msg("failed to serialize envelope, skipping")
		return false
	}

	wd := order.Str("write_date")
	sendErr := w.dispatcher.Send(w.callCtx(ctx), w.conn.WebhookURL, payload, w.conn.WebhookSecret, w.conn.ID)
	if sendErr == nil {
		if err := w.store.MarkSent(&types.SentOrder{
			ConnectionID: w.conn.ID,
			OrderID:      order.ID(),
			OrderName:    order.Str("name"),
			WriteDate:    wd,
			SentAt:       w.now(),
		}); err != nil {
			w.logger.Error().Err(err).Int64("order_id", order.ID()).
				Msg("delivered but failed to mark ledger")
			return false
		}
		c.sent++
		return true
	}

	c.failed++
	w.logger.Warn().Err(sendErr).Int64("order_id", order.ID()).
		Str("order", order.Str("name")).
		Msg("webhook dispatch failed, enqueueing retry")

	item := &types.RetryItem{
		ConnectionID: w.conn.ID,
		OrderID:      order.ID(),
		OrderName:    order.Str("name"),
		ExternalID:   mapper.ExternalID(w.conn.UpstreamDB, order.ID()),
		WriteDate:    wd,
		Payload:      payload,
		Attempts:     1,
		MaxAttempts:  DefaultMaxAttempts,
		NextRetryAt:  w.now().Add(dispatch.Backoff(1)),
		LastError:    sendErr.Error(),
		Status:       types.RetryPending,
	}
	if err := w.store.EnqueueRetry(item); err != nil {
		if errors.Is(err, storage.ErrDuplicateRetry) {
			// Already durably queued from an earlier cycle
			return true
		}
		w.logger.Error().Err(err).Int64("order_id", order.ID()).
			Msg("failed to enqueue retry item")
		return false
	}
	return true
}

// seed registers the most recent orders without dispatching anything, so an
// operator adding a connection does not replay history downstream.
func (w *Worker) seed(ctx context.Context) (counters, error) {
	var c counters
	w.logger.Info().Int("limit", MaxSentOrders).Msg("first cycle, seeding delivery ledger")

	domain := []any{[]any{"state", "in", []any{"sale", "done"}}}
	orders, err := w.client.SearchRead(w.callCtx(ctx), "sale.order", domain, OrderFields,
		&upstream.SearchOptions{Order: "write_date desc", Limit: MaxSentOrders})
	if err != nil {
		return c, err
	}
	c.found = len(orders)
	c.skipped = len(orders)

	maxWriteDate := ""
	for _, order := range orders {
		wd := order.Str("write_date")
		if err := w.store.MarkSent(&types.SentOrder{
			ConnectionID: w.conn.ID,
			OrderID:      order.ID(),
			OrderName:    order.Str("name"),
			WriteDate:    wd,
			SentAt:       w.now(),
		}); err != nil {
			return c, err
		}
		if wd > maxWriteDate {
			maxWriteDate = wd
		}
	}

	// Zero orders upstream: anchor the cursor at now so the connection is
	// initialized either way.
	if maxWriteDate == "" {
		maxWriteDate = w.now().UTC().Format("2006-01-02 15:04:05")
	}
	if err := w.store.UpdateLastSyncAt(w.conn.ID, maxWriteDate); err != nil {
		return c, err
	}
	w.conn.LastSyncAt = maxWriteDate

	w.logger.Info().Int("orders", c.found).Str("cursor", maxWriteDate).
		Msg("seed complete, no webhooks dispatched")
	return c, nil
}

// sweepRetries re-attempts due retry items in next_retry_at order
func (w *Worker) sweepRetries(ctx context.Context) error {
	due, err := w.store.DueRetryItems(w.conn.ID, w.now())
	if err != nil {
		return err
	}

	for _, item := range due {
		if err := w.interrupted(ctx); err != nil {
			return err
		}

		sendErr := w.dispatcher.Send(w.callCtx(ctx), w.conn.WebhookURL, item.Payload, w.conn.WebhookSecret, w.conn.ID)
		if sendErr == nil {
			if err := w.store.MarkSent(&types.SentOrder{
				ConnectionID: w.conn.ID,
				OrderID:      item.OrderID,
				OrderName:    item.OrderName,
				WriteDate:    item.WriteDate,
				SentAt:       w.now(),
			}); err != nil {
				return err
			}
			item.Status = types.RetrySuccess
			if err := w.store.UpdateRetryItem(item); err != nil {
				return err
			}
			w.logger.Info().Uint64("retry_id", item.ID).Int64("order_id", item.OrderID).
				Msg("retry delivered")
			continue
		}

		item.Attempts++
		item.LastError = sendErr.Error()
		if item.Attempts >= item.MaxAttempts {
			item.Status = types.RetryFailed
			w.logger.Error().Uint64("retry_id", item.ID).Int64("order_id", item.OrderID).
				Str("error", item.LastError).
				Msg("retry attempts exhausted, operator action required")
		} else {
			item.NextRetryAt = w.now().Add(dispatch.Backoff(item.Attempts))
			w.logger.Warn().Uint64("retry_id", item.ID).Int("attempts", item.Attempts).
				Time("next_retry_at", item.NextRetryAt).
				Msg("retry failed, rescheduled")
		}
		if err := w.store.UpdateRetryItem(item); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) persistBreaker(entryState types.BreakerState) error {
	after := w.brk.State()
	if after == types.BreakerOpen && entryState != types.BreakerOpen {
		metrics.BreakerTrips.WithLabelValues(w.conn.Name).Inc()
		w.logger.Warn().Int("failures", w.brk.Failures()).
			Time("earliest_retry_at", w.brk.EarliestRetryAt()).
			Msg("breaker tripped open")
	}
	metrics.BreakerState.WithLabelValues(w.conn.Name).Set(breakerGaugeValue(after))
	return w.store.UpdateBreaker(w.conn.ID, after, w.brk.Failures(), w.brk.HalfOpenSuccesses(), w.brk.EarliestRetryAt())
}

func (w *Worker) persistSession() {
	uid := w.client.UID()
	if uid != 0 && uid != w.conn.SessionUID {
		if err := w.store.UpdateSessionUID(w.conn.ID, uid); err != nil {
			w.logger.Warn().Err(err).Msg("failed to persist session id")
		}
		w.conn.SessionUID = uid
	}
}

func (w *Worker) newLog(started time.Time, c counters, errMsg string, entryState types.BreakerState) *types.SyncLog {
	return &types.SyncLog{
		ConnectionID:  w.conn.ID,
		StartedAt:     started,
		DurationMS:    w.now().Sub(started).Milliseconds(),
		OrdersFound:   c.found,
		OrdersSent:    c.sent,
		OrdersFailed:  c.failed,
		OrdersSkipped: c.skipped,
		Error:         errMsg,
		BreakerBefore: entryState,
		BreakerAfter:  w.brk.State(),
	}
}

func (w *Worker) observe(c counters, result string, started time.Time) {
	name := w.conn.Name
	metrics.CyclesTotal.WithLabelValues(name, result).Inc()
	metrics.CycleDuration.WithLabelValues(name).Observe(w.now().Sub(started).Seconds())
	metrics.OrdersSent.WithLabelValues(name).Add(float64(c.sent))
	metrics.OrdersFailed.WithLabelValues(name).Add(float64(c.failed))
	metrics.OrdersSkipped.WithLabelValues(name).Add(float64(c.skipped))
	if pending, err := w.store.CountPendingRetries(w.conn.ID); err == nil {
		metrics.RetryQueueDepth.WithLabelValues(name).Set(float64(pending))
	}
}

// interrupted checks the shutdown signal between suspension points
func (w *Worker) interrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", errInterrupted, ctx.Err())
	}
	return nil
}

// callCtx detaches I/O calls from shutdown cancellation so an in-flight HTTP
// call runs to completion (bounded by the client timeout); the cycle then
// stops at the next suspension point via interrupted.
func (w *Worker) callCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func breakerGaugeValue(state types.BreakerState) float64 {
	switch state {
	case types.BreakerHalfOpen:
		return 1
	case types.BreakerOpen:
		return 2
	default:
		return 0
	}
}
