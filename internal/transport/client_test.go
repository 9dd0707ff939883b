package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(srv *httptest.Server, maxRetries int) *Client {
	return New(srv.URL+"/", "key-123", Options{
		Retrier: &retry.Retrier{Sleep: noSleep},
		Policy:  retry.Policy{MaxRetries: maxRetries, BackoffFactor: time.Millisecond, MaxTimeout: time.Minute},
	})
}

func TestRequest_SendsHeadersAndDecodesJSON(t *testing.T) {
	var gotKey, gotReqID, gotCT, gotPath, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(HeaderAPIKey)
		gotReqID = r.Header.Get(HeaderRequestID)
		gotCT = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"extractionId":"e1","version":2}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, 3)
	resp, err := c.Request(context.Background(), http.MethodPost, "/extractions/start", Call{
		Query: url.Values{"agentId": {"a1"}},
		Body:  map[string]string{"fileId": "f1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "key-123" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
	if gotReqID == "" {
		t.Error("expected a request id header")
	}
	if gotCT != "application/json" {
		t.Errorf("expected json content type, got %q", gotCT)
	}
	if gotPath != "/extractions/start" || gotQuery != "agentId=a1" {
		t.Errorf("unexpected target %s?%s", gotPath, gotQuery)
	}
	if gotBody["fileId"] != "f1" {
		t.Errorf("expected body to be forwarded, got %v", gotBody)
	}
	m, ok := resp.Value.(map[string]any)
	if !ok || m["extractionId"] != "e1" {
		t.Errorf("expected decoded map, got %#v", resp.Value)
	}

	var out struct {
		ExtractionID string `json:"extractionId"`
		Version      int    `json:"version"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ExtractionID != "e1" || out.Version != 2 {
		t.Errorf("unexpected decode result %+v", out)
	}
}

func TestRequest_FallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain words"))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv, 1).Get(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Value != "plain words" {
		t.Errorf("expected raw text, got %#v", resp.Value)
	}
}

func TestRequest_Non2xxIsTransportErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv, 3)
	_, err := c.Get(context.Background(), "status", nil)

	var te *apierr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", te.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if snap := c.Stats().Snapshot(); snap.Errors != 3 {
		t.Errorf("expected 3 recorded errors, got %d", snap.Errors)
	}
}

func TestRequest_OnceSkipsRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, 5).Request(context.Background(), http.MethodPost, "start", Call{Once: true})
	if !errors.Is(err, apierr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestRequest_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := Into[map[string]bool](context.Background(), newTestClient(srv, 3), http.MethodGet, "x", Call{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out["ok"] {
		t.Errorf("expected ok=true, got %v", out)
	}
}

func TestRequest_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := newTestClient(srv, 2)
	srv.Close()

	_, err := c.Get(context.Background(), "x", nil)
	var te *apierr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.StatusCode != 0 {
		t.Errorf("expected status 0 for a network failure, got %d", te.StatusCode)
	}
}

func TestValidateAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rest/v2/authenticate" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get(HeaderAPIKey) != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"authenticated":true}`))
	}))
	defer srv.Close()

	ok := New(srv.URL, "good", Options{})
	if err := ok.ValidateAPIKey(context.Background()); err != nil {
		t.Errorf("expected valid key, got %v", err)
	}
	bad := New(srv.URL, "bad", Options{Retrier: &retry.Retrier{Sleep: noSleep}})
	err := bad.ValidateAPIKey(context.Background())
	if !errors.Is(err, apierr.ErrTransport) {
		t.Errorf("expected wrapped transport error, got %v", err)
	}
}

func TestAPIKeyTransport(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(HeaderAPIKey)
	}))
	defer srv.Close()

	hc := &http.Client{Transport: &APIKeyTransport{Key: "k"}}
	resp, err := hc.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got != "k" {
		t.Errorf("expected key header, got %q", got)
	}
}
