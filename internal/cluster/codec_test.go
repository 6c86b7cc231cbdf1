package cluster

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &PushCounterRequest{RequestID: "r1", NamespaceID: "ns", Identifier: "id", Delta: 3, Limit: 100, DurationMs: 60000}

	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	got := new(PushCounterRequest)
	if err := c.Unmarshal(data, got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.RequestID != req.RequestID || got.Delta != req.Delta || got.Limit != req.Limit {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestJSONCodecName(t *testing.T) {
	c := jsonCodec{}
	if c.Name() != "proto" {
		t.Fatalf("expected codec name %q so grpc's default content-subtype resolves to it, got %q", "proto", c.Name())
	}
}
