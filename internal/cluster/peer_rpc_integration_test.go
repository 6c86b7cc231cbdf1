package cluster

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type recordingPeerServer struct {
	dedup      *RequestDedup
	pushCalls  int
	lastDelta  int64
	exceededAt string
}

func (s *recordingPeerServer) PushCounter(ctx context.Context, req *PushCounterRequest) (*PushCounterResponse, error) {
	if s.dedup != nil && s.dedup.Seen(req.RequestID) {
		return nil, errors.New("duplicate request")
	}
	s.pushCalls++
	s.lastDelta = req.Delta
	return &PushCounterResponse{Current: req.Delta, Passed: req.Delta <= req.Limit, ResetAt: req.WindowStart.Add(time.Duration(req.DurationMs) * time.Millisecond)}, nil
}

func (s *recordingPeerServer) BroadcastExceeded(ctx context.Context, req *BroadcastExceededRequest) (*BroadcastExceededResponse, error) {
	s.exceededAt = req.Identifier
	return &BroadcastExceededResponse{Ack: true}, nil
}

func startPeerServerAndClient(t *testing.T, srv PeerServer) (*PeerClient, func()) {
	t.Helper()
	RegisterJSONCodec()

	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	RegisterPeerServer(s, srv)
	go func() { _ = s.Serve(lis) }()

	dialer := func(ctx context.Context, target string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	client := NewPeerClient(conn, "")
	cleanup := func() {
		_ = conn.Close()
		s.Stop()
	}
	return client, cleanup
}

func TestPeerRPCPushCounterRoundTrip(t *testing.T) {
	srv := &recordingPeerServer{}
	client, cleanup := startPeerServerAndClient(t, srv)
	defer cleanup()

	resp, err := client.PushCounter(context.Background(), &PushCounterRequest{
		RequestID: "req-1", NamespaceID: "ns", Identifier: "key-1", Delta: 5, Limit: 10, DurationMs: 60000,
	})
	if err != nil {
		t.Fatalf("PushCounter RPC failed: %v", err)
	}
	if !resp.Passed || resp.Current != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if srv.pushCalls != 1 || srv.lastDelta != 5 {
		t.Fatalf("expected server to observe the call, got calls=%d delta=%d", srv.pushCalls, srv.lastDelta)
	}
}

func TestPeerRPCBroadcastExceededRoundTrip(t *testing.T) {
	srv := &recordingPeerServer{}
	client, cleanup := startPeerServerAndClient(t, srv)
	defer cleanup()

	resp, err := client.BroadcastExceeded(context.Background(), &BroadcastExceededRequest{
		NamespaceID: "ns", Identifier: "key-1", WindowStart: time.Now(), ResetAt: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("BroadcastExceeded RPC failed: %v", err)
	}
	if !resp.Ack {
		t.Fatalf("expected ack true")
	}
	if srv.exceededAt != "key-1" {
		t.Fatalf("expected server to record the exceeded identifier, got %q", srv.exceededAt)
	}
}

func TestPeerRPCOwnerRejectsDuplicateRequestID(t *testing.T) {
	srv := &recordingPeerServer{dedup: NewRequestDedup(time.Minute)}
	client, cleanup := startPeerServerAndClient(t, srv)
	defer cleanup()

	req := &PushCounterRequest{RequestID: "dup-1", NamespaceID: "ns", Identifier: "key-1", Delta: 1, Limit: 10, DurationMs: 60000}

	if _, err := client.PushCounter(context.Background(), req); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	if _, err := client.PushCounter(context.Background(), req); err == nil {
		t.Fatalf("expected the owner's dedupe window to reject a retried request ID")
	}
	if srv.pushCalls != 1 {
		t.Fatalf("expected only one real increment to have been applied, got %d", srv.pushCalls)
	}
}
