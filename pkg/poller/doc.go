/*
Package poller runs the per-connection polling engine.

The package has two layers: the Scheduler owns one supervised goroutine per
active connection, and the Worker executes a single poll cycle within that
goroutine. The scheduler decides WHEN a cycle runs; the worker decides WHAT
a cycle does.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                       Scheduler                            │
	│  - one task per active connection                          │
	│  - panic supervision with 30s..300s restart backoff        │
	│  - per-task HTTP clients (bulkhead isolation)              │
	└────────────────┬───────────────────────────────────────────┘
	                 │ every PollInterval seconds
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│                     Worker.Execute                         │
	│   1. breaker gate (skip + log when open)                   │
	│   2. authenticate (cached session, re-auth on rejection)   │
	│   3. seed path when the cursor is uninitialized            │
	│   4. fetch candidates (state in sale/done, write_date >    │
	│      cursor, ascending, limit 100)                         │
	│   5. ledger dedupe                                         │
	│   6. batch prefetch (lines, partners, products, variants)  │
	│   7. map + dispatch each candidate                         │
	│   8. advance cursor over durably-accounted candidates      │
	│   9. trim ledger to 30 rows                                │
	│  10. retry sweep (due items, backoff reschedule)           │
	│  11. finalize: breaker verdict, SyncLog, metrics           │
	└────────────────────────────────────────────────────────────┘

# Failure Taxonomy

The worker distinguishes three failure classes, and the distinction drives
everything downstream:

Hard upstream failures (auth rejection, RPC fault, transport error):
  - abort the cycle and count one breaker failure

Rate limits (HTTP 429 from the upstream):
  - abort the cycle WITHOUT a breaker failure; the upstream is healthy,
    it is telling us to slow down

Webhook delivery failures:
  - never abort the cycle and never touch the breaker; the order goes to
    the durable retry queue and the cycle continues

Mapper defects (order data the normalizer rejects):
  - counted as failed, logged, skipped; retrying an undecodable order
    cannot succeed, so no retry item is created

# Cursor Discipline

The cursor advances to the highest write_date among candidates that are
durably accounted for: ledger-marked on success or retry-enqueued on
webhook failure. An order that is neither (ledger write failed, enqueue
failed) holds the cursor back so the next cycle sees it again. Delivery
may then repeat; the downstream dedupes by external_id.

# Seed Cycle

A connection with an empty cursor runs a seed cycle instead of a normal
one: the 30 most recent eligible orders are ledger-marked without any
webhook traffic, and the cursor lands on the newest write_date (or now,
when the upstream has no orders). Adding a connection never replays
history downstream.

# Shutdown

Cancellation is checked between suspension points, never mid-call: I/O
uses context.WithoutCancel so an in-flight HTTP request runs to completion
bounded by the client timeout. An interrupted cycle writes no SyncLog and
leaves the cursor wherever the last durable accounting put it.

# Supervision

Each task goroutine is restarted on panic with a doubling delay from 30s
capped at 300s. The task re-reads its connection row every cycle, so
operator edits, breaker resets and deactivation all take effect at the
next cycle without restarting the daemon. Deleting or deactivating a
connection stops its task.

# Integration Points

This package integrates with:

  - pkg/upstream: JSON-RPC fetch and session handling
  - pkg/mapper: batch prefetch and envelope normalization
  - pkg/dispatch: webhook POST and the retry backoff schedule
  - pkg/breaker: the per-connection failure gate
  - pkg/storage: all durable state
  - pkg/metrics: cycle, order, retry and breaker instrumentation
*/
package poller
