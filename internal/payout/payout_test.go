package payout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type scriptedRail struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (r *scriptedRail) Name() string { return "scripted" }

func (r *scriptedRail) Submit(ctx context.Context, t Transfer) (Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return Receipt{}, err
		}
	}
	return Receipt{RailRef: "ref-1", Result: &Result{SettlementID: t.SettlementID, Status: StatusCompleted, RailRef: "ref-1"}}, nil
}

type collector struct {
	mu      sync.Mutex
	results []Result
	done    chan struct{}
}

func newCollector() *collector { return &collector{done: make(chan struct{}, 16)} }

func (c *collector) handle(ctx context.Context, r Result) error {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T) Result {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[len(c.results)-1]
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{Code: 503}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 400}, false},
		{syscall.ECONNREFUSED, true},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	rail := &scriptedRail{errs: []error{&StatusError{Code: 502}, nil}}
	c := newCollector()
	d := NewDispatcher(rail, c.handle, Options{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	if err := d.Enqueue(Transfer{SettlementID: "s1", Amount: decimal.NewFromInt(10), Currency: "KES"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := c.wait(t)
	d.Stop()
	if res.Status != StatusCompleted || res.SettlementID != "s1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if rail.calls != 2 {
		t.Fatalf("expected 2 submissions, got %d", rail.calls)
	}
}

func TestDispatcherReportsPermanentFailure(t *testing.T) {
	rail := &scriptedRail{errs: []error{&StatusError{Code: 422, Body: "bad destination"}}}
	c := newCollector()
	d := NewDispatcher(rail, c.handle, Options{MaxAttempts: 5, Backoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	if err := d.Enqueue(Transfer{SettlementID: "s2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := c.wait(t)
	d.Stop()
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	if rail.calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", rail.calls)
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	rail := &scriptedRail{errs: []error{&StatusError{Code: 500}, &StatusError{Code: 500}, &StatusError{Code: 500}}}
	c := newCollector()
	d := NewDispatcher(rail, c.handle, Options{MaxAttempts: 2, Backoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	_ = d.Enqueue(Transfer{SettlementID: "s3"})
	res := c.wait(t)
	d.Stop()
	if res.Status != StatusFailed || rail.calls != 2 {
		t.Fatalf("expected failure after 2 attempts, got %+v calls=%d", res, rail.calls)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	d := NewDispatcher(&scriptedRail{}, newCollector().handle, Options{})
	d.Start(context.Background())
	d.Stop()
	if err := d.Enqueue(Transfer{SettlementID: "s4"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	d := NewDispatcher(&scriptedRail{}, newCollector().handle, Options{QueueSize: 1})
	if err := d.Enqueue(Transfer{SettlementID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := d.Enqueue(Transfer{SettlementID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestHTTPRailSubmit(t *testing.T) {
	var got Transfer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get("Idempotency-Key") != "s5" {
			t.Errorf("missing idempotency key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"rail_ref":"mp-9","status":"accepted"}`))
	}))
	defer srv.Close()

	rail := NewHTTPRail(srv.URL, "secret", time.Second)
	receipt, err := rail.Submit(context.Background(), Transfer{SettlementID: "s5", Amount: decimal.RequireFromString("7000.00"), Currency: "KES", Destination: "+254700000000"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.RailRef != "mp-9" || receipt.Result != nil {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if !got.Amount.Equal(decimal.RequireFromString("7000")) || got.Destination != "+254700000000" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestHTTPRailStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPRail(srv.URL, "", time.Second).Submit(context.Background(), Transfer{SettlementID: "s6"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("503 should be retryable")
	}
}

func TestSandboxRail(t *testing.T) {
	rail := SandboxRail{FailDestinations: []string{"+254799999999"}}
	ok, err := rail.Submit(context.Background(), Transfer{SettlementID: "a", Destination: "+254700000000"})
	if err != nil || ok.Result == nil || ok.Result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %+v %v", ok, err)
	}
	bad, err := rail.Submit(context.Background(), Transfer{SettlementID: "b", Destination: "+254799999999"})
	if err != nil || bad.Result == nil || bad.Result.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v %v", bad, err)
	}
}
