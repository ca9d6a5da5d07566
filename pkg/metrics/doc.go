/*
Package metrics exposes Prometheus instrumentation for the polling engine.

Collectors are package-level and registered in init; Handler returns the
scrape endpoint mounted by the daemon alongside the health endpoints.

# Metrics

	pollbridge_cycles_total{connection,result}     counter; result: ok, error, rate_limited, skipped
	pollbridge_cycle_duration_seconds{connection}  histogram
	pollbridge_orders_sent_total{connection}       counter
	pollbridge_orders_failed_total{connection}     counter
	pollbridge_orders_skipped_total{connection}    counter
	pollbridge_retry_queue_depth{connection}       gauge, pending items
	pollbridge_breaker_state{connection}           gauge; 0 closed, 1 half-open, 2 open
	pollbridge_breaker_trips_total{connection}     counter
	pollbridge_task_restarts_total{connection}     counter, panic restarts
	pollbridge_connections_active                  gauge, running tasks

Labels use the connection name rather than the id so dashboards stay
readable; names are operator-chosen and expected to be stable.

# Useful Queries

Cycle failure ratio per connection:

	rate(pollbridge_cycles_total{result="error"}[15m])
	  / rate(pollbridge_cycles_total[15m])

Connections currently tripped:

	pollbridge_breaker_state == 2

Retry backlog growth:

	deriv(pollbridge_retry_queue_depth[30m]) > 0
*/
package metrics
