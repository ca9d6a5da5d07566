package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pollbridge/pollbridge/pkg/security"
	"github.com/pollbridge/pollbridge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketConnections  = []byte("connections")
	bucketSentOrders   = []byte("sent_orders")
	bucketRetryQueue   = []byte("retry_queue")
	bucketRetryPending = []byte("retry_pending")
	bucketSyncLogs     = []byte("sync_logs")
)

// BoltStore implements Store interface using BoltDB.
// BoltDB gives a single writer with non-blocking MVCC readers, which is all
// the engine's concurrency model requires. API keys and webhook secrets are
// encrypted before they hit the file and decrypted on every read, so callers
// only ever see cleartext.
type BoltStore struct {
	db  *bolt.DB
	enc *security.FieldEncryptor
}

// NewBoltStore opens (creating if needed) the database at dbPath
func NewBoltStore(dbPath string, enc *security.FieldEncryptor) (*BoltStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConnections,
			bucketSentOrders,
			bucketRetryQueue,
			bucketRetryPending,
			bucketSyncLogs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, enc: enc}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Key helpers ---

// sentOrderKey is connID/orderID/writeDate; the fixed-width order id keeps
// key ordering stable and the composite key is the ledger uniqueness
// constraint.
func sentOrderKey(connID string, orderID int64, writeDate string) []byte {
	return []byte(fmt.Sprintf("%s/%016x/%s", connID, orderID, writeDate))
}

func connPrefix(connID string) []byte {
	return []byte(connID + "/")
}

func pendingRetryKey(connID string, orderID int64) []byte {
	return []byte(fmt.Sprintf("%s/%016x", connID, orderID))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func syncLogKey(connID string, seq uint64) []byte {
	return append(connPrefix(connID), itob(seq)...)
}

// --- Connection operations ---

// storedConnection is the on-disk form of a Connection. APIKey and
// WebhookSecret hold ciphertext here.
type storedConnection struct {
	types.Connection
}

func (s *BoltStore) sealConnection(conn *types.Connection) ([]byte, error) {
	row := storedConnection{Connection: *conn}
	var err error
	if row.APIKey, err = s.enc.EncryptString(conn.APIKey); err != nil {
		return nil, fmt.Errorf("failed to encrypt api key: %w", err)
	}
	if row.WebhookSecret, err = s.enc.EncryptString(conn.WebhookSecret); err != nil {
		return nil, fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}
	return json.Marshal(row)
}

func (s *BoltStore) openConnection(data []byte) (*types.Connection, error) {
	var row storedConnection
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	conn := row.Connection
	var err error
	if conn.APIKey, err = s.enc.DecryptString(row.APIKey); err != nil {
		return nil, fmt.Errorf("failed to decrypt api key: %w", err)
	}
	if conn.WebhookSecret, err = s.enc.DecryptString(row.WebhookSecret); err != nil {
		return nil, fmt.Errorf("failed to decrypt webhook secret: %w", err)
	}
	return &conn, nil
}

func (s *BoltStore) CreateConnection(conn *types.Connection) error {
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if conn.BreakerState == "" {
		conn.BreakerState = types.BreakerClosed
	}
	if conn.PollInterval <= 0 {
		conn.PollInterval = 60
	}

	data, err := s.sealConnection(conn)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).Put([]byte(conn.ID), data)
	})
}

func (s *BoltStore) GetConnection(id string) (*types.Connection, error) {
	var conn *types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConnections).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		var err error
		conn, err = s.openConnection(data)
		return err
	})
	return conn, err
}

func (s *BoltStore) ListConnections() ([]*types.Connection, error) {
	var conns []*types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).ForEach(func(k, v []byte) error {
			conn, err := s.openConnection(v)
			if err != nil {
				return err
			}
			conns = append(conns, conn)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Name < conns[j].Name })
	return conns, nil
}

func (s *BoltStore) ListActiveConnections() ([]*types.Connection, error) {
	conns, err := s.ListConnections()
	if err != nil {
		return nil, err
	}
	var active []*types.Connection
	for _, c := range conns {
		if c.Active {
			active = append(active, c)
		}
	}
	return active, nil
}

func (s *BoltStore) UpdateConnection(conn *types.Connection) error {
	conn.UpdatedAt = time.Now().UTC()
	data, err := s.sealConnection(conn)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b.Get([]byte(conn.ID)) == nil {
			return fmt.Errorf("connection %s: %w", conn.ID, ErrNotFound)
		}
		return b.Put([]byte(conn.ID), data)
	})
}

// DeleteConnection removes the connection and cascades to its ledger rows,
// retry items and cycle logs.
func (s *BoltStore) DeleteConnection(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConnections).Delete([]byte(id)); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketSentOrders, bucketRetryPending, bucketSyncLogs} {
			if err := deletePrefix(tx.Bucket(name), connPrefix(id)); err != nil {
				return err
			}
		}
		b := tx.Bucket(bucketRetryQueue)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item types.RetryItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			if item.ConnectionID == id {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// mutateConnection applies fn to the stored row inside one write transaction
func (s *BoltStore) mutateConnection(id string, fn func(conn *types.Connection) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		conn, err := s.openConnection(data)
		if err != nil {
			return err
		}
		if err := fn(conn); err != nil {
			return err
		}
		conn.UpdatedAt = time.Now().UTC()
		updated, err := s.sealConnection(conn)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) UpdateBreaker(id string, state types.BreakerState, failures, halfOpenSuccesses int, earliestRetryAt time.Time) error {
	return s.mutateConnection(id, func(conn *types.Connection) error {
		conn.BreakerState = state
		conn.FailureCount = failures
		conn.HalfOpenSuccesses = halfOpenSuccesses
		conn.EarliestRetryAt = earliestRetryAt
		return nil
	})
}

// UpdateLastSyncAt advances the cursor. Regressions are ignored so the
// high-water mark stays monotonic no matter what the caller hands in.
func (s *BoltStore) UpdateLastSyncAt(id, lastSyncAt string) error {
	return s.mutateConnection(id, func(conn *types.Connection) error {
		if lastSyncAt > conn.LastSyncAt {
			conn.LastSyncAt = lastSyncAt
		}
		return nil
	})
}

func (s *BoltStore) UpdateSessionUID(id string, uid int64) error {
	return s.mutateConnection(id, func(conn *types.Connection) error {
		conn.SessionUID = uid
		return nil
	})
}

// --- Ledger operations ---

func (s *BoltStore) WasSent(connID string, orderID int64, writeDate string) (bool, error) {
	var sent bool
	err := s.db.View(func(tx *bolt.Tx) error {
		sent = tx.Bucket(bucketSentOrders).Get(sentOrderKey(connID, orderID, writeDate)) != nil
		return nil
	})
	return sent, err
}

// MarkSent records a delivery with conflict-ignore semantics: writing a
// triple that already exists is a no-op, never an error.
func (s *BoltStore) MarkSent(order *types.SentOrder) error {
	if order.SentAt.IsZero() {
		order.SentAt = time.Now().UTC()
	}
	key := sentOrderKey(order.ConnectionID, order.OrderID, order.WriteDate)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSentOrders)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(order)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListSentOrders(connID string, limit int) ([]*types.SentOrder, error) {
	var orders []*types.SentOrder
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSentOrders)
		c := b.Cursor()
		prefix := connPrefix(connID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var o types.SentOrder
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			orders = append(orders, &o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].SentAt.Equal(orders[j].SentAt) {
			return orders[i].SentAt.After(orders[j].SentAt)
		}
		return orders[i].WriteDate > orders[j].WriteDate
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// TrimSentOrders removes the oldest ledger rows beyond the most recent limit
func (s *BoltStore) TrimSentOrders(connID string, limit int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSentOrders)
		prefix := connPrefix(connID)

		type entry struct {
			key  []byte
			sent time.Time
			wd   string
		}
		var entries []entry
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var o types.SentOrder
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			entries = append(entries, entry{key: append([]byte(nil), k...), sent: o.SentAt, wd: o.WriteDate})
		}
		if len(entries) <= limit {
			return nil
		}
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].sent.Equal(entries[j].sent) {
				return entries[i].sent.After(entries[j].sent)
			}
			return entries[i].wd > entries[j].wd
		})
		for _, e := range entries[limit:] {
			if err := b.Delete(e.key); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Retry queue operations ---

// EnqueueRetry inserts a pending retry item. A second pending item for the
// same (connection, order) is rejected with ErrDuplicateRetry.
func (s *BoltStore) EnqueueRetry(item *types.RetryItem) error {
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = types.RetryPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 5
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketRetryPending)
		pkey := pendingRetryKey(item.ConnectionID, item.OrderID)
		if pending.Get(pkey) != nil {
			return ErrDuplicateRetry
		}

		queue := tx.Bucket(bucketRetryQueue)
		seq, err := queue.NextSequence()
		if err != nil {
			return err
		}
		item.ID = seq

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := queue.Put(itob(item.ID), data); err != nil {
			return err
		}
		return pending.Put(pkey, itob(item.ID))
	})
}

func (s *BoltStore) GetRetryItem(id uint64) (*types.RetryItem, error) {
	var item types.RetryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRetryQueue).Get(itob(id))
		if data == nil {
			return fmt.Errorf("retry item %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DueRetryItems returns pending items whose next_retry_at has passed,
// ordered by next_retry_at ascending.
func (s *BoltStore) DueRetryItems(connID string, now time.Time) ([]*types.RetryItem, error) {
	items, err := s.scanRetries(connID, func(item *types.RetryItem) bool {
		return item.Status == types.RetryPending && !item.NextRetryAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].NextRetryAt.Before(items[j].NextRetryAt) })
	return items, nil
}

func (s *BoltStore) ListRetryItems(connID string, limit int) ([]*types.RetryItem, error) {
	items, err := s.scanRetries(connID, func(*types.RetryItem) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *BoltStore) CountPendingRetries(connID string) (int, error) {
	items, err := s.scanRetries(connID, func(item *types.RetryItem) bool {
		return item.Status == types.RetryPending
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *BoltStore) scanRetries(connID string, keep func(*types.RetryItem) bool) ([]*types.RetryItem, error) {
	var items []*types.RetryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetryQueue).ForEach(func(k, v []byte) error {
			var item types.RetryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.ConnectionID != connID || !keep(&item) {
				return nil
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

// UpdateRetryItem persists a mutated item and maintains the pending index
// when the item leaves the PENDING state.
func (s *BoltStore) UpdateRetryItem(item *types.RetryItem) error {
	item.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketRetryQueue)
		if queue.Get(itob(item.ID)) == nil {
			return fmt.Errorf("retry item %d: %w", item.ID, ErrNotFound)
		}
		if err := queue.Put(itob(item.ID), data); err != nil {
			return err
		}
		if item.Status != types.RetryPending {
			return tx.Bucket(bucketRetryPending).Delete(pendingRetryKey(item.ConnectionID, item.OrderID))
		}
		return nil
	})
}

// CleanupFinishedRetries removes rows whose delivery succeeded or that the
// operator discarded. FAILED rows stay visible until acted on.
func (s *BoltStore) CleanupFinishedRetries(connID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetryQueue)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item types.RetryItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			if item.ConnectionID != connID {
				continue
			}
			if item.Status == types.RetrySuccess || item.Status == types.RetryDiscarded {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- Sync log operations ---

func (s *BoltStore) AppendSyncLog(entry *types.SyncLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = seq
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(syncLogKey(entry.ConnectionID, seq), data)
	})
}

// ListSyncLogs returns up to limit entries for the connection, newest first
func (s *BoltStore) ListSyncLogs(connID string, limit int) ([]*types.SyncLog, error) {
	var logs []*types.SyncLog
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncLogs)
		c := b.Cursor()
		prefix := connPrefix(connID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.SyncLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			logs = append(logs, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys are sequence-ordered; newest last. Reverse for newest first.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *BoltStore) TrimSyncLogs(connID string, limit int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncLogs)
		prefix := connPrefix(connID)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= limit {
			return nil
		}
		for _, k := range keys[:len(keys)-limit] {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
