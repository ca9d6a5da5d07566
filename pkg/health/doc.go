/*
Package health serves liveness and readiness endpoints for the daemon.

Mounted on the metrics listener:

	GET /healthz   liveness, always 200 while the process serves
	GET /readyz    readiness report, 503 when degraded

Readiness is per-connection: the report lists each active connection with
its running state, breaker state, pending retry count and cursor. The
daemon is degraded when any active connection has an open breaker or a
task that is not running.

	{
	  "status": "degraded",
	  "uptime": "3h12m9s",
	  "connections": [
	    {"id": "...", "name": "acme-prod", "running": true,
	     "breaker_state": "open", "pending_retries": 4,
	     "last_sync_at": "2026-03-01 09:15:22"}
	  ]
	}
*/
package health
