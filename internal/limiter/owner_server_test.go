package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/counter"
)

type recordingFanout struct {
	mu    sync.Mutex
	calls []*cluster.BroadcastExceededRequest
	done  chan struct{}
}

func newRecordingFanout() *recordingFanout {
	return &recordingFanout{done: make(chan struct{}, 8)}
}

func (f *recordingFanout) Fanout(ctx context.Context, req *cluster.BroadcastExceededRequest) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func TestOwnerServerPushCounterAccumulates(t *testing.T) {
	s := NewOwnerServer(counter.New(nil), cluster.NewRequestDedup(time.Minute), nil, nil)

	resp1, err := s.PushCounter(context.Background(), &cluster.PushCounterRequest{RequestID: "r1", CounterKey: "ws1:ns:id", NamespaceID: "ns", Identifier: "id", Delta: 3, Limit: 10, DurationMs: 60000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp1.Passed || resp1.Current != 3 {
		t.Fatalf("unexpected response: %+v", resp1)
	}

	resp2, err := s.PushCounter(context.Background(), &cluster.PushCounterRequest{RequestID: "r2", CounterKey: "ws1:ns:id", NamespaceID: "ns", Identifier: "id", Delta: 3, Limit: 10, DurationMs: 60000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp2.Passed || resp2.Current != 6 {
		t.Fatalf("expected accumulated current=6, got %+v", resp2)
	}
}

func TestOwnerServerRejectsDuplicateRequestID(t *testing.T) {
	s := NewOwnerServer(counter.New(nil), cluster.NewRequestDedup(time.Minute), nil, nil)
	req := &cluster.PushCounterRequest{RequestID: "dup", CounterKey: "ws1:ns:id", NamespaceID: "ns", Identifier: "id", Delta: 1, Limit: 10, DurationMs: 60000}

	if _, err := s.PushCounter(context.Background(), req); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	if _, err := s.PushCounter(context.Background(), req); err == nil {
		t.Fatalf("expected the dedupe window to reject a retried request ID")
	}
}

func TestOwnerServerFansOutOnExceeded(t *testing.T) {
	fanout := newRecordingFanout()
	s := NewOwnerServer(counter.New(nil), cluster.NewRequestDedup(time.Minute), fanout, nil)

	req := &cluster.PushCounterRequest{RequestID: "r1", CounterKey: "ws1:ns:id", NamespaceID: "ns", Identifier: "id", Delta: 5, Limit: 5, DurationMs: 60000}
	if _, err := s.PushCounter(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	overflow := &cluster.PushCounterRequest{RequestID: "r2", CounterKey: "ws1:ns:id", NamespaceID: "ns", Identifier: "id", Delta: 1, Limit: 5, DurationMs: 60000}
	resp, err := s.PushCounter(context.Background(), overflow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Passed {
		t.Fatalf("expected the overflow call to be denied")
	}

	select {
	case <-fanout.done:
	case <-time.After(time.Second):
		t.Fatalf("expected a BroadcastExceeded fanout once the authoritative limit is crossed")
	}

	fanout.mu.Lock()
	got := fanout.calls[0].CounterKey
	fanout.mu.Unlock()
	if got != "ws1:ns:id" {
		t.Fatalf("expected the fanned-out request to carry the same counter key as the push, got %q", got)
	}
}

func TestOwnerServerBroadcastExceededPinsLocalCounter(t *testing.T) {
	s := NewOwnerServer(counter.New(nil), cluster.NewRequestDedup(time.Minute), nil, nil)
	resetAt := time.Now().Add(time.Minute)

	if _, err := s.BroadcastExceeded(context.Background(), &cluster.BroadcastExceededRequest{CounterKey: "ws1:ns:id", NamespaceID: "ns", Identifier: "id", ResetAt: resetAt}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision := s.counter.Peek("ws1:ns:id", counter.Params{Limit: 10, Duration: time.Minute})
	if decision.Allowed {
		t.Fatalf("expected the pinned counter to deny further calls until resetAt, got %+v", decision)
	}
}
