package types

import (
	"encoding/json"
	"time"
)

// BreakerState represents the circuit breaker state persisted per connection
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// RetryStatus represents the lifecycle state of a retry queue item
type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetrySuccess   RetryStatus = "success"
	RetryFailed    RetryStatus = "failed"
	RetryDiscarded RetryStatus = "discarded"
)

// Connection represents one configured upstream tenant
type Connection struct {
	ID   string
	Name string

	// Upstream credentials. APIKey is encrypted at rest; the store returns
	// it in cleartext.
	UpstreamURL  string
	UpstreamDB   string
	UpstreamUser string
	APIKey       string
	SessionUID   int64 // cached upstream session, 0 = none

	// Downstream webhook. Secret is encrypted at rest.
	WebhookURL    string
	WebhookSecret string
	StoreID       string // correlation key echoed in each envelope
	ClientID      string // correlation key echoed in each envelope

	PollInterval int // seconds between cycles
	Active       bool

	// High-water mark: the largest upstream write_date already observed, in
	// the upstream's "YYYY-MM-DD HH:MM:SS" form (orders lexicographically).
	// Empty means the connection has never seeded.
	LastSyncAt string

	BreakerState      BreakerState
	FailureCount      int
	HalfOpenSuccesses int
	EarliestRetryAt   time.Time // zero when the breaker is not OPEN

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SentOrder is one delivery ledger entry. The triple
// (ConnectionID, OrderID, WriteDate) is unique; rows are never mutated.
type SentOrder struct {
	ConnectionID string
	OrderID      int64
	OrderName    string
	WriteDate    string
	SentAt       time.Time
}

// RetryItem is a durable failed envelope awaiting redelivery
type RetryItem struct {
	ID           uint64
	ConnectionID string
	OrderID      int64
	OrderName    string
	ExternalID   string
	WriteDate    string
	Payload      json.RawMessage
	Attempts     int
	MaxAttempts  int
	NextRetryAt  time.Time
	LastError    string
	Status       RetryStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncLog is an append-only record of one poll cycle
type SyncLog struct {
	ID            uint64
	ConnectionID  string
	StartedAt     time.Time
	DurationMS    int64
	OrdersFound   int
	OrdersSent    int
	OrdersFailed  int
	OrdersSkipped int
	Error         string
	BreakerBefore BreakerState
	BreakerAfter  BreakerState
}

// Envelope is the normalized outbound payload POSTed to the webhook
type Envelope struct {
	Event           string          `json:"event"`
	ExternalID      string          `json:"external_id"`
	Source          EnvelopeSource  `json:"source"`
	Order           EnvelopeOrder   `json:"order"`
	Customer        Customer        `json:"customer"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	Items           []EnvelopeItem  `json:"items"`
}

// EnvelopeSource identifies the originating connection
type EnvelopeSource struct {
	Platform     string `json:"platform"`
	ConnectionID string `json:"connection_id"`
	StoreID      string `json:"store_id"`
	ClientID     string `json:"client_id"`
}

// EnvelopeOrder carries the order header. Monetary values are passed through
// verbatim from the upstream as json.Number.
type EnvelopeOrder struct {
	PlatformOrderID     string         `json:"platform_order_id"`
	PlatformOrderNumber string         `json:"platform_order_number"`
	DateOrder           string         `json:"date_order"`
	FinancialStatus     string         `json:"financial_status"`
	Note                *string        `json:"note"`
	ClientOrderRef      *string        `json:"client_order_ref"`
	AmountTotal         json.Number    `json:"amount_total"`
	Tags                []string       `json:"tags"`
	PlatformAttributes  map[string]any `json:"platform_attributes"`
}

// Customer is the buying party. Missing strings are null downstream.
type Customer struct {
	Name        *string `json:"name"`
	Phone       *string `json:"phone"`
	Email       *string `json:"email"`
	OrdersCount int     `json:"orders_count"`
}

// ShippingAddress components default to "" when the upstream omits them
type ShippingAddress struct {
	Name     string `json:"name"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	City     string `json:"city"`
	Province string `json:"province"`
	Zip      string `json:"zip"`
	Country  string `json:"country"`
	Phone    string `json:"phone"`
}

// EnvelopeItem is one normalized order line
type EnvelopeItem struct {
	Sku         string      `json:"sku"`
	Name        string      `json:"name"`
	VariantName string      `json:"variant_name"`
	Quantity    json.Number `json:"quantity"`
	PriceCents  json.Number `json:"price_cents"`
}
