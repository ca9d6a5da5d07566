package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcRequest is the decoded shape of one captured JSON-RPC call
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Service string `json:"service"`
		Method  string `json:"method"`
		Args    []any  `json:"args"`
	} `json:"params"`
	ID json.Number `json:"id"`
}

// fakeUpstream scripts JSON-RPC responses and records every request
type fakeUpstream struct {
	t        *testing.T
	requests []rpcRequest
	handler  func(req rpcRequest, w http.ResponseWriter)
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc" {
		f.t.Errorf("unexpected path %s", r.URL.Path)
	}
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		f.t.Fatalf("undecodable request: %v", err)
	}
	f.requests = append(f.requests, req)
	f.handler(req, w)
}

func writeResult(w http.ResponseWriter, result string) {
	fmt.Fprintf(w, `{"jsonrpc":"2.0","result":%s}`, result)
}

func writeError(w http.ResponseWriter, msg string) {
	fmt.Fprintf(w, `{"jsonrpc":"2.0","error":{"message":"outer","data":{"message":%q}}}`, msg)
}

func TestAuthenticateSuccess(t *testing.T) {
	fake := &fakeUpstream{t: t, handler: func(req rpcRequest, w http.ResponseWriter) {
		writeResult(w, "7")
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "sync@example.com", "key", srv.Client())
	uid, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)
	assert.Equal(t, int64(7), c.UID())

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "common", req.Params.Service)
	assert.Equal(t, "authenticate", req.Params.Method)
	require.Len(t, req.Params.Args, 4)
	assert.Equal(t, "acme", req.Params.Args[0])
	assert.Equal(t, "sync@example.com", req.Params.Args[1])
	assert.Equal(t, "key", req.Params.Args[2])
}

func TestAuthenticateRejected(t *testing.T) {
	// The upstream answers false, not an error, for bad credentials
	fake := &fakeUpstream{t: t, handler: func(req rpcRequest, w http.ResponseWriter) {
		writeResult(w, "false")
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "wrong", srv.Client())
	_, err := c.Authenticate(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, c.UID())
}

func TestSearchReadArgumentShape(t *testing.T) {
	fake := &fakeUpstream{t: t, handler: func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "7")
			return
		}
		writeResult(w, `[{"id":1,"name":"SO1"}]`)
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	domain := []any{[]any{"state", "in", []any{"sale", "done"}}}
	records, err := c.SearchRead(context.Background(), "sale.order", domain,
		[]string{"name"}, &SearchOptions{Order: "write_date asc", Limit: 100})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID())

	// Second request is the execute_kw call
	require.Len(t, fake.requests, 2)
	req := fake.requests[1]
	assert.Equal(t, "object", req.Params.Service)
	assert.Equal(t, "execute_kw", req.Params.Method)
	require.Len(t, req.Params.Args, 7)
	assert.Equal(t, "acme", req.Params.Args[0])
	assert.Equal(t, json.Number("7"), req.Params.Args[1])
	assert.Equal(t, "sale.order", req.Params.Args[3])
	assert.Equal(t, "search_read", req.Params.Args[4])

	// Positional args are wrapped in a single list: [[domain]]
	positional, ok := req.Params.Args[5].([]any)
	require.True(t, ok)
	require.Len(t, positional, 1)

	kwargs, ok := req.Params.Args[6].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("100"), kwargs["limit"])
	assert.Equal(t, "write_date asc", kwargs["order"])
}

func TestSearchReadOmitsZeroOptions(t *testing.T) {
	fake := &fakeUpstream{t: t, handler: func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "7")
			return
		}
		writeResult(w, `[]`)
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	_, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"name"}, nil)
	require.NoError(t, err)

	kwargs := fake.requests[1].Params.Args[6].(map[string]any)
	_, hasLimit := kwargs["limit"]
	_, hasOrder := kwargs["order"]
	assert.False(t, hasLimit, "zero limit must not be sent (it would mean no rows)")
	assert.False(t, hasOrder)
}

func TestSearchReadNullResultIsEmpty(t *testing.T) {
	fake := &fakeUpstream{t: t, handler: func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "7")
			return
		}
		writeResult(w, "null")
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	records, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"name"}, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadEmptyIDsSkipsNetwork(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "acme", "user", "key", nil)
	records, err := c.Read(context.Background(), "res.partner", nil, []string{"name"})
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestNumbersStayVerbatim(t *testing.T) {
	fake := &fakeUpstream{t: t, handler: func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "7")
			return
		}
		writeResult(w, `[{"id":1,"amount_total":118.80}]`)
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	records, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"amount_total"}, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("118.80"), records[0].Number("amount_total"),
		"trailing zero must survive the decode")
}

func TestRateLimitTypedError(t *testing.T) {
	fake := &fakeUpstream{t: t, handler: func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "7")
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	_, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"name"}, nil)

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	// A 429 is not a session problem; the cached session survives
	assert.Equal(t, int64(7), c.UID())
}

func TestTransparentReauthOnSessionLoss(t *testing.T) {
	calls := 0
	fake := &fakeUpstream{t: t}
	fake.handler = func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "8")
			return
		}
		calls++
		if calls == 1 {
			writeError(w, "Session expired")
			return
		}
		writeResult(w, `[{"id":2}]`)
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	c.SeedSession(7) // stale persisted session

	records, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"name"}, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(8), c.UID(), "fresh session after re-auth")
	assert.Equal(t, 2, calls, "exactly one transparent retry")
}

func TestAuthFailureDuringRetrySurfaces(t *testing.T) {
	fake := &fakeUpstream{t: t}
	fake.handler = func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "false")
			return
		}
		writeError(w, "Access Denied")
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	c.SeedSession(7)

	_, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"name"}, nil)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestNonAuthRPCErrorInvalidatesNothingButSurfaces(t *testing.T) {
	fake := &fakeUpstream{t: t}
	fake.handler = func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "7")
			return
		}
		writeError(w, "Invalid field on sale.order")
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	_, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"nope"}, nil)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Contains(t, rpcErr.Message, "Invalid field")
}

func TestHTTPErrorStatus(t *testing.T) {
	fake := &fakeUpstream{t: t}
	fake.handler = func(req rpcRequest, w http.ResponseWriter) {
		if req.Params.Service == "common" {
			writeResult(w, "7")
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL, "acme", "user", "key", srv.Client())
	_, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"name"}, nil)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Zero(t, c.UID(), "session invalidated on protocol failure")
}

func TestTransportErrorWrapped(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "acme", "user", "key", nil)
	c.SeedSession(7)
	_, err := c.SearchRead(context.Background(), "sale.order", []any{}, []string{"name"}, nil)
	require.Error(t, err)
	var rpcErr *RPCError
	assert.False(t, errors.As(err, &rpcErr), "transport failures are not protocol errors")
}
