package netmode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultRequestTimeout    = 10 * time.Second
)

// RemoteWorker is the network-worker side client: it registers with a
// Coordinator, sends periodic heartbeats, reports WorkerMessages in place
// of a local ToMaster channel send, and polls for MasterMessage broadcasts
// in place of a local FromMaster channel receive.
type RemoteWorker struct {
	NodeID           string
	CoordinatorAddr  string
	HeartbeatInterval time.Duration

	client *fasthttp.Client
}

func NewRemoteWorker(nodeID, coordinatorAddr string) *RemoteWorker {
	return &RemoteWorker{
		NodeID:            nodeID,
		CoordinatorAddr:   coordinatorAddr,
		HeartbeatInterval: defaultHeartbeatInterval,
		client:            &fasthttp.Client{},
	}
}

func (r *RemoteWorker) Register(ctx context.Context) error {
	return r.post(ctx, "/api/register", registerRequest{NodeID: r.NodeID}, nil)
}

// RunHeartbeat sends a heartbeat on HeartbeatInterval until ctx is done.
func (r *RemoteWorker) RunHeartbeat(ctx context.Context) {
	if r.HeartbeatInterval == 0 {
		r.HeartbeatInterval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.post(ctx, "/api/heartbeat", registerRequest{NodeID: r.NodeID}, nil)
		}
	}
}

// Report sends a WorkerMessage to the coordinator, the network-worker
// equivalent of a non-blocking send on a local ToMaster channel.
func (r *RemoteWorker) Report(ctx context.Context, msg protocol.WorkerMessage) error {
	return r.post(ctx, "/api/report", msg, nil)
}

// Poll blocks up to the coordinator's long-poll timeout for the next
// broadcast MasterMessage. ok is false if none arrived before the timeout.
func (r *RemoteWorker) Poll(ctx context.Context) (msg protocol.MasterMessage, ok bool, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s/api/poll", r.CoordinatorAddr))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := r.client.DoTimeout(req, resp, defaultRequestTimeout); err != nil {
		return protocol.MasterMessage{}, false, fmt.Errorf("netmode: poll: %w", err)
	}
	if resp.StatusCode() == fasthttp.StatusNoContent {
		return protocol.MasterMessage{}, false, nil
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return protocol.MasterMessage{}, false, fmt.Errorf("netmode: poll: status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &msg); err != nil {
		return protocol.MasterMessage{}, false, fmt.Errorf("netmode: poll: decode: %w", err)
	}
	return msg, true, nil
}

func (r *RemoteWorker) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("netmode: encode request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s%s", r.CoordinatorAddr, path))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	if err := r.client.DoTimeout(req, resp, defaultRequestTimeout); err != nil {
		return fmt.Errorf("netmode: %s: %w", path, err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("netmode: %s: status %d", path, resp.StatusCode())
	}
	if out != nil {
		return json.Unmarshal(resp.Body(), out)
	}
	return nil
}

// BridgeToMaster drains a local ToMaster-shaped channel and reports each
// message to the coordinator, letting a Worker built for in-process
// channels run unmodified against a remote master.
func (r *RemoteWorker) BridgeToMaster(ctx context.Context, out <-chan protocol.WorkerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			if err := r.Report(ctx, msg); err != nil {
				continue
			}
		}
	}
}

// BridgeFromMaster polls the coordinator and forwards broadcasts onto a
// local FromMaster-shaped channel, letting a Worker built for in-process
// channels run unmodified against a remote master.
func (r *RemoteWorker) BridgeFromMaster(ctx context.Context, in chan<- protocol.MasterMessage) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok, err := r.Poll(ctx)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		select {
		case in <- msg:
		case <-ctx.Done():
			return
		}
	}
}
