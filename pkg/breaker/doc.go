/*
Package breaker implements the per-connection circuit breaker.

The breaker guards the upstream, not the webhook: only hard upstream
failures (auth rejections, RPC faults, transport errors) count against
it. Webhook failures are absorbed by the retry queue and rate limits
abort a cycle without a verdict either way.

# State Machine

	closed ──5 consecutive failures──▶ open
	open ──120s elapsed, next Allow()──▶ half_open
	half_open ──2 successes──▶ closed
	half_open ──1 failure───▶ open (fresh 120s)

Allow performs the open → half_open transition lazily when the recovery
deadline has passed; there is no timer goroutine. The worker reports
exactly one Success or Failure per executed cycle.

# Persistence

Breaker state lives on the connection row. The worker loads it at cycle
start and flushes it at cycle end, so an operator reset written to the
row between cycles takes effect on the very next cycle. The in-memory
Breaker never outlives one cycle.

# Usage

	b := breaker.Load(conn.BreakerState, conn.FailureCount,
		conn.HalfOpenSuccesses, conn.EarliestRetryAt)
	if !b.Allow() {
		// skip cycle
	}
	// ... run cycle ...
	b.Success() // or b.Failure()

WithClock swaps the time source for tests.
*/
package breaker
