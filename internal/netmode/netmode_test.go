package netmode

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
)

func TestHandleReportDeliversToFromWorkers(t *testing.T) {
	c := NewCoordinator(telemetry.NewRegistry(), nil)

	msg := protocol.WorkerMessage{Kind: protocol.WorkerNewCorpus, Source: "let x = 1;", ProgramIR: `{"ir":"x"}`}
	body, _ := json.Marshal(msg)

	req := httptest.NewRequest("POST", "/api/report", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	select {
	case got := <-c.FromWorkers():
		if got.Source != msg.Source {
			t.Fatalf("expected source %q, got %q", msg.Source, got.Source)
		}
	default:
		t.Fatal("expected the reported message to be queued on FromWorkers")
	}
}

func TestBroadcastDeliveredViaPoll(t *testing.T) {
	c := NewCoordinator(telemetry.NewRegistry(), nil)
	c.Broadcast(protocol.MasterMessage{Kind: protocol.MasterNewCorpus, Source: "let y = 2;"})

	req := httptest.NewRequest("GET", "/api/poll", nil)
	resp, err := c.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var got protocol.MasterMessage
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Source != "let y = 2;" {
		t.Fatalf("expected the broadcast source, got %q", got.Source)
	}
}

func TestRegisterTracksActiveNode(t *testing.T) {
	c := NewCoordinator(telemetry.NewRegistry(), nil)

	body, _ := json.Marshal(registerRequest{NodeID: "worker-1"})
	req := httptest.NewRequest("POST", "/api/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if _, err := c.app.Test(req, -1); err != nil {
		t.Fatalf("app.Test: %v", err)
	}

	nodes := c.ActiveNodes()
	if len(nodes) != 1 || nodes[0] != "worker-1" {
		t.Fatalf("expected [worker-1], got %v", nodes)
	}
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	c := NewCoordinator(telemetry.NewRegistry(), nil)
	for i := 0; i < cap(c.toWorkers); i++ {
		c.Broadcast(protocol.MasterMessage{})
	}
	// One more must be dropped silently rather than block.
	done := make(chan struct{})
	go func() {
		c.Broadcast(protocol.MasterMessage{Source: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Broadcast to return immediately on a full queue")
	}
}
