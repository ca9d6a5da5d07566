/*
Package storage provides BoltDB-backed persistence for Pollbridge state.

The storage package implements the Store interface using BoltDB, providing
ACID transactions for connections, the per-connection delivery ledger, the
retry queue and cycle logs. All values are serialized as JSON and stored in
separate buckets; composite keys give each bucket its uniqueness guarantee
without a relational schema.

# Architecture

	┌──────────────────── BOLTDB STORAGE ─────────────────────┐
	│                                                          │
	│  ┌───────────────────────────────────────────┐          │
	│  │            BoltStore                       │          │
	│  │  - File: POLLER_DB_PATH (data/poller.db)   │          │
	│  │  - Open timeout: 1s (exclusive file lock)  │          │
	│  │  - Field encryption: AES-256-GCM           │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │            Bucket Structure                │          │
	│  │  connections    key: connection ID         │          │
	│  │  sent_orders    key: conn/orderID/writeDate│          │
	│  │  retry_queue    key: item sequence (8B BE) │          │
	│  │  retry_pending  key: conn/orderID (index)  │          │
	│  │  sync_logs      key: conn/sequence (8B BE) │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │        Transaction Management              │          │
	│  │  - Read: db.View() - concurrent reads      │          │
	│  │  - Write: db.Update() - serialized writes  │          │
	│  │  - Rollback: automatic on error            │          │
	│  └───────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Key Encoding

sent_orders uses "connID/%016x/writeDate": the zero-padded hex order ID
keeps keys fixed-width so a cursor prefix scan over one connection returns
rows grouped by order. Putting the write date in the key makes the ledger
triple unique by construction; MarkSent on an existing key is a no-op
rather than an error, so concurrent paths (cycle dispatch, retry sweep,
manual re-send) can all mark deliveries without coordination.

retry_pending is a secondary index: one key per (connection, order) that
currently has a PENDING retry item. EnqueueRetry checks it inside the same
write transaction that inserts the item, which is what enforces the
one-pending-item-per-order rule. UpdateRetryItem removes the index entry
whenever an item leaves PENDING.

sync_logs keys append a BoltDB NextSequence value in 8-byte big-endian
form, so a reverse cursor scan yields newest-first without a sort.

# Cursor Monotonicity

UpdateLastSyncAt only ever advances the cursor. The upstream timestamp
format ("YYYY-MM-DD HH:MM:SS") orders lexicographically, so the guard is a
string comparison inside the write transaction. A slow cycle that finishes
after a faster one cannot drag the cursor backwards.

# Encryption at Rest

Connection rows are sealed before the Put and opened after the Get:
APIKey and WebhookSecret are encrypted with AES-256-GCM via pkg/security,
everything else stays cleartext JSON for debuggability. Credentials cross
the Store interface in cleartext; encryption is an implementation detail
of this package.

# Usage

	enc, _ := security.NewFieldEncryptorFromPassphrase(key)
	store, err := storage.NewBoltStore("data/poller.db", enc)
	if err != nil {
		return err
	}
	defer store.Close()

	conns, err := store.ListActiveConnections()

# Single-Process Lock

BoltDB takes an exclusive file lock. CLI commands that open the store
while the daemon is running fail after the 1s open timeout with a clear
error instead of hanging. Operator commands are expected to run against
the same data file while the daemon is stopped, or against a daemon
exposing its state over the health endpoint.

# Integration Points

This package integrates with:

  - pkg/types: all persisted values
  - pkg/security: field encryption for credentials
  - pkg/poller: the only writer during normal operation
  - cmd/pollbridge: operator CRUD and queue surgery

# See Also

  - pkg/types for the persisted structures
  - pkg/security for the field encryptor
*/
package storage
