package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pollbridge/pollbridge/pkg/log"
)

// DefaultTimeout bounds each RPC round trip
const DefaultTimeout = 30 * time.Second

// AuthError indicates the upstream rejected the credentials or the session
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream auth failed: %s", e.Message)
}

// RPCError is a non-auth application error returned by the upstream
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream rpc error: %s", e.Message)
}

// RateLimitError is surfaced on HTTP 429 so the worker can abort the cycle
// without counting it as a breaker fault
type RateLimitError struct{}

func (e *RateLimitError) Error() string {
	return "upstream rate limit reached (HTTP 429)"
}

// SearchOptions carries the optional search_read arguments. Zero values are
// omitted from the wire payload.
type SearchOptions struct {
	Order string
	Limit int
}

// Client is an authenticated JSON-RPC 2.0 client against one upstream
// instance. It caches the numeric session id between calls and owns nothing
// beyond that cache; batching discipline lives with the caller.
type Client struct {
	url      string
	db       string
	username string
	apiKey   string

	uid  atomic.Int64 // 0 = no session
	http *http.Client
	seq  atomic.Int64
}

// NewClient creates a client for one connection. The HTTP client is owned by
// the caller (one per connection task, the bulkhead boundary).
func NewClient(url, db, username, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		url:      strings.TrimRight(url, "/"),
		db:       db,
		username: username,
		apiKey:   apiKey,
		http:     httpClient,
	}
}

// DB returns the upstream database identifier
func (c *Client) DB() string {
	return c.db
}

// UID returns the cached session id, 0 when unauthenticated
func (c *Client) UID() int64 {
	return c.uid.Load()
}

// SeedSession primes the session cache, e.g. from a persisted connection row
func (c *Client) SeedSession(uid int64) {
	c.uid.Store(uid)
}

// InvalidateSession clears the cached session; the next call re-authenticates
func (c *Client) InvalidateSession() {
	c.uid.Store(0)
}

// Authenticate exchanges (db, user, api key) for a numeric session id
func (c *Client) Authenticate(ctx context.Context) (int64, error) {
	result, err := c.rpc(ctx, "common", "authenticate", []any{c.db, c.username, c.apiKey, map[string]any{}})
	if err != nil {
		c.InvalidateSession()
		return 0, err
	}

	num, ok := result.(json.Number)
	if !ok {
		// The upstream answers false for bad credentials
		c.InvalidateSession()
		return 0, &AuthError{Message: fmt.Sprintf("authentication rejected for %s@%s", c.username, c.db)}
	}
	uid, err := num.Int64()
	if err != nil || uid <= 0 {
		c.InvalidateSession()
		return 0, &AuthError{Message: fmt.Sprintf("unexpected session id %q", num)}
	}

	c.uid.Store(uid)
	logger := log.WithComponent("upstream")
	logger.Debug().
		Int64("uid", uid).Str("db", c.db).
		Msg("authenticated against upstream")
	return uid, nil
}

// SearchRead performs a filtered batch read on the given model
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, opts *SearchOptions) ([]Record, error) {
	kwargs := map[string]any{"fields": fields}
	if opts != nil {
		if opts.Limit > 0 {
			kwargs["limit"] = opts.Limit
		}
		if opts.Order != "" {
			kwargs["order"] = opts.Order
		}
	}
	result, err := c.objectCall(ctx, model, "search_read", []any{domain}, kwargs)
	if err != nil {
		return nil, err
	}
	return toRecords(result)
}

// Read performs a batch read by id list. Result order is not guaranteed;
// callers index by id.
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	result, err := c.objectCall(ctx, model, "read", []any{ids}, map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	return toRecords(result)
}

// objectCall runs execute_kw, authenticating first when there is no session
// and retrying once transparently after an auth loss.
func (c *Client) objectCall(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	if c.uid.Load() == 0 {
		if _, err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.execute(ctx, model, method, args, kwargs)
	if err == nil {
		return result, nil
	}
	if _, isAuth := err.(*AuthError); !isAuth {
		return nil, err
	}

	logger := log.WithComponent("upstream")
	logger.Warn().Str("db", c.db).Msg("session expired, re-authenticating")
	c.InvalidateSession()
	if _, err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	return c.execute(ctx, model, method, args, kwargs)
}

func (c *Client) execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	full := []any{c.db, c.uid.Load(), c.apiKey, model, method, args, kwargs}
	return c.rpc(ctx, "object", "execute_kw", full)
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

func (c *Client) rpc(ctx context.Context, service, method string, args []any) (any, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "call",
		"params": map[string]any{
			"service": service,
			"method":  method,
			"args":    args,
		},
		"id": c.seq.Add(1),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.InvalidateSession()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.InvalidateSession()
		return nil, &RPCError{Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var envelope rpcEnvelope
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, &RPCError{Message: fmt.Sprintf("unparseable reply: %v", err)}
	}

	if envelope.Error != nil {
		msg := envelope.Error.Data.Message
		if msg == "" {
			msg = envelope.Error.Message
		}
		if isAuthMessage(msg) {
			return nil, &AuthError{Message: msg}
		}
		return nil, &RPCError{Message: msg}
	}

	if len(envelope.Result) == 0 {
		return nil, nil
	}
	var result any
	rdec := json.NewDecoder(bytes.NewReader(envelope.Result))
	rdec.UseNumber()
	if err := rdec.Decode(&result); err != nil {
		return nil, &RPCError{Message: fmt.Sprintf("unparseable result: %v", err)}
	}
	return result, nil
}

func isAuthMessage(msg string) bool {
	return strings.Contains(msg, "Session") ||
		strings.Contains(msg, "Access Denied") ||
		strings.Contains(strings.ToLower(msg), "authenticate")
}

func toRecords(result any) ([]Record, error) {
	// Some servers answer a null result for an empty match set
	if result == nil {
		return []Record{}, nil
	}
	list, ok := result.([]any)
	if !ok {
		return nil, &RPCError{Message: fmt.Sprintf("expected record list, got %T", result)}
	}
	records := make([]Record, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &RPCError{Message: fmt.Sprintf("expected record object, got %T", item)}
		}
		records = append(records, Record(m))
	}
	return records, nil
}
