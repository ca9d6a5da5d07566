package storage

import (
	"errors"
	"time"

	"github.com/pollbridge/pollbridge/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRetry is returned when a pending retry item already exists
	// for the same (connection, order) pair
	ErrDuplicateRetry = errors.New("pending retry item already exists")
)

// Store defines the interface for durable engine state.
// Implemented by the BoltDB-backed store. Credential-bearing connection
// fields cross this interface in cleartext; encryption at rest is internal
// to the implementation.
type Store interface {
	// Connections
	CreateConnection(conn *types.Connection) error
	GetConnection(id string) (*types.Connection, error)
	ListConnections() ([]*types.Connection, error)
	ListActiveConnections() ([]*types.Connection, error)
	UpdateConnection(conn *types.Connection) error
	DeleteConnection(id string) error
	UpdateBreaker(id string, state types.BreakerState, failures, halfOpenSuccesses int, earliestRetryAt time.Time) error
	UpdateLastSyncAt(id, lastSyncAt string) error
	UpdateSessionUID(id string, uid int64) error

	// Delivery ledger
	WasSent(connID string, orderID int64, writeDate string) (bool, error)
	MarkSent(order *types.SentOrder) error
	ListSentOrders(connID string, limit int) ([]*types.SentOrder, error)
	TrimSentOrders(connID string, limit int) error

	// Retry queue
	EnqueueRetry(item *types.RetryItem) error
	GetRetryItem(id uint64) (*types.RetryItem, error)
	DueRetryItems(connID string, now time.Time) ([]*types.RetryItem, error)
	ListRetryItems(connID string, limit int) ([]*types.RetryItem, error)
	CountPendingRetries(connID string) (int, error)
	UpdateRetryItem(item *types.RetryItem) error
	CleanupFinishedRetries(connID string) error

	// Cycle logs
	AppendSyncLog(entry *types.SyncLog) error
	ListSyncLogs(connID string, limit int) ([]*types.SyncLog, error)
	TrimSyncLogs(connID string, limit int) error

	// Utility
	Close() error
}
