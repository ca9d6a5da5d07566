/*
Package types defines the core data structures shared across Pollbridge.

Every component communicates through these types: the storage layer persists
them, the poller mutates them, and the CLI renders them. The package has no
dependencies on other Pollbridge packages, keeping the dependency graph a
clean fan-out from here.

# Core Types

Connection:
  - One polled upstream tenant: credentials, webhook target, cadence
  - Carries the persisted circuit breaker fields (state, counters, deadline)
  - LastSyncAt is the poll cursor in upstream timestamp form
  - SessionUID caches the authenticated upstream session across restarts

SentOrder:
  - One row of the per-connection delivery ledger
  - Identity is the (ConnectionID, OrderID, WriteDate) triple
  - A re-modified order (new WriteDate) is a new ledger row

RetryItem:
  - One durably queued webhook payload awaiting redelivery
  - Payload is the exact envelope bytes from the original attempt
  - Status walks pending → success | failed | discarded

SyncLog:
  - One completed poll cycle: counters, duration, breaker transition
  - Interrupted cycles never produce a SyncLog

Envelope:
  - The normalized order document POSTed to the webhook
  - Monetary and quantity fields are json.Number so upstream digits
    pass through verbatim, never reformatted by a float round-trip

# Usage

Creating a Connection:

	conn := &types.Connection{
		ID:           uuid.New().String(),
		Name:         "acme-prod",
		UpstreamURL:  "https://erp.acme.example",
		UpstreamDB:   "acme",
		UpstreamUser: "sync@acme.example",
		APIKey:       "s3cret",
		WebhookURL:   "https://hooks.example/orders",
		PollInterval: 60,
		Active:       true,
	}

Recording a delivery:

	sent := &types.SentOrder{
		ConnectionID: conn.ID,
		OrderID:      4112,
		OrderName:    "SO0042",
		WriteDate:    "2026-03-01 09:15:22",
		SentAt:       time.Now(),
	}

# State Machines

Circuit breaker (persisted on Connection):

	closed ──5 consecutive failures──▶ open
	open ──120s elapsed──▶ half_open
	half_open ──2 successes──▶ closed
	half_open ──1 failure───▶ open

Retry item status:

	pending ──delivered──▶ success
	pending ──attempts exhausted──▶ failed
	pending | failed ──operator──▶ discarded

# Design Patterns

Enumeration Pattern:

	Enums are typed string constants so persisted values stay readable:
	  type BreakerState string
	  const BreakerOpen BreakerState = "open"

Verbatim Numerics:

	Envelope fields holding upstream money or quantities are json.Number.
	Decoding uses UseNumber end to end, so "118.80" arrives downstream as
	"118.80" and never as 118.8.

Upstream Timestamps as Strings:

	WriteDate and LastSyncAt keep the upstream "YYYY-MM-DD HH:MM:SS" form.
	The format orders lexicographically, so cursor comparisons are plain
	string comparisons with no timezone arithmetic.

# Integration Points

This package integrates with:

  - pkg/storage: persists Connection, SentOrder, RetryItem, SyncLog
  - pkg/mapper: produces Envelope from upstream records
  - pkg/breaker: loads and flushes the breaker fields on Connection
  - pkg/poller: orchestrates all of the above each cycle

# Thread Safety

Types in this package are plain data with no internal synchronization.
Each polling task owns its Connection copy for the duration of a cycle;
cross-task coordination happens through the storage layer.
*/
package types
