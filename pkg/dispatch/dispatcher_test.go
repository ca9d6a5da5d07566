package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendSuccess(t *testing.T) {
	var gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client())
	err := d.Send(context.Background(), srv.URL, []byte(`{"event":"order.confirmed"}`), "hook-secret", "conn-1")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotBody != `{"event":"order.confirmed"}` {
		t.Errorf("body = %s", gotBody)
	}
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := gotHeaders.Get("X-Upstream-Connection-Id"); id != "conn-1" {
		t.Errorf("X-Upstream-Connection-Id = %q", id)
	}
	if s := gotHeaders.Get("X-Webhook-Secret"); s != "hook-secret" {
		t.Errorf("X-Webhook-Secret = %q", s)
	}
}

func TestSendOmitsSecretHeaderWhenEmpty(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client())
	if err := d.Send(context.Background(), srv.URL, []byte(`{}`), "", "conn-1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, present := got["X-Webhook-Secret"]; present {
		t.Error("X-Webhook-Secret header sent for empty secret")
	}
}

func TestSendNon2xxIsError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: 503, body: "upstream unavailable"},
		{name: "client error", status: 400, body: "bad envelope"},
		{name: "redirect is a failure", status: 301, body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := NewDispatcher(&http.Client{
				Timeout: time.Second,
				CheckRedirect: func(req *http.Request, via []*http.Request) error {
					return http.ErrUseLastResponse
				},
			})
			err := d.Send(context.Background(), srv.URL, []byte(`{}`), "", "conn-1")
			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("Send() error = %v, want *SendError", err)
			}
			if sendErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", sendErr.StatusCode, tt.status)
			}
			if tt.body != "" && !strings.Contains(sendErr.Message, tt.body) {
				t.Errorf("Message = %q, want it to contain %q", sendErr.Message, tt.body)
			}
		})
	}
}

func TestSendTruncatesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client())
	err := d.Send(context.Background(), srv.URL, []byte(`{}`), "", "conn-1")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("Send() error = %v, want *SendError", err)
	}
	if len(sendErr.Message) > maxErrorBody+32 {
		t.Errorf("error message not truncated, len = %d", len(sendErr.Message))
	}
}

func TestSendTransportError(t *testing.T) {
	d := NewDispatcher(&http.Client{Timeout: 200 * time.Millisecond})
	err := d.Send(context.Background(), "http://127.0.0.1:1", []byte(`{}`), "", "conn-1")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("Send() error = %v, want *SendError", err)
	}
	if sendErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d for transport failure, want 0", sendErr.StatusCode)
	}
}

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second}, // clamped
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 600 * time.Second},
		{6, 600 * time.Second},
		{10, 600 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
