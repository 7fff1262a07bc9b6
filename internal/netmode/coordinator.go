// Package netmode implements the optional --network-worker transport: a
// fiber-based HTTP coordinator that lets fuzzing workers run as separate
// processes (or machines) from the master, reporting corpus/crash messages
// and polling for broadcasts instead of using in-process Go channels.
// It follows the same registration-heartbeat-poll dance as an in-process
// master/worker pair, just carried over fiber+fasthttp instead of Go
// channels, with protocol.WorkerMessage/MasterMessage as the payloads.
package netmode

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/fluxfuzzer/jsfuzz/internal/logging"
	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
)

const (
	pollTimeout     = 5 * time.Second
	nodeOfflineAfter = 30 * time.Second
)

// Coordinator exposes the master side of the network-worker protocol. It
// satisfies the shape internal/master.Master expects from a worker channel:
// FromWorkers() returns a channel the master can read WorkerMessages from,
// and Broadcast queues a MasterMessage for delivery to every polling node.
type Coordinator struct {
	app *fiber.App

	fromWorkers chan protocol.WorkerMessage
	toWorkers   chan protocol.MasterMessage

	status *telemetry.Registry
	log    *logging.Logger

	mu    sync.Mutex
	nodes map[string]time.Time
}

func NewCoordinator(status *telemetry.Registry, log *logging.Logger) *Coordinator {
	c := &Coordinator{
		fromWorkers: make(chan protocol.WorkerMessage, 256),
		toWorkers:   make(chan protocol.MasterMessage, 256),
		status:      status,
		log:         log,
		nodes:       make(map[string]time.Time),
	}
	c.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	c.app.Post("/api/register", c.handleRegister)
	c.app.Post("/api/heartbeat", c.handleHeartbeat)
	c.app.Post("/api/report", c.handleReport)
	c.app.Get("/api/poll", c.handlePoll)
	c.app.Get("/api/stats", c.handleStats)
	c.app.Use("/ws/stats", func(ctx *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(ctx) {
			return ctx.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	c.app.Get("/ws/stats", websocket.New(c.handleStatsSocket))
	return c
}

// FromWorkers returns the channel internal/master.Master polls for messages
// reported by network-attached workers, satisfying the same
// <-chan protocol.WorkerMessage shape as an in-process worker channel.
func (c *Coordinator) FromWorkers() <-chan protocol.WorkerMessage {
	return c.fromWorkers
}

// Broadcast queues msg for delivery to every node that next polls
// /api/poll. Never blocks: a full queue drops the broadcast, matching the
// non-blocking-send discipline the in-process master/worker channels use.
func (c *Coordinator) Broadcast(msg protocol.MasterMessage) {
	select {
	case c.toWorkers <- msg:
	default:
		if c.log != nil {
			c.log.Warnf("netmode: broadcast queue full, dropping message")
		}
	}
}

func (c *Coordinator) Listen(addr string) error {
	return c.app.Listen(addr)
}

func (c *Coordinator) Shutdown() error {
	return c.app.Shutdown()
}

type registerRequest struct {
	NodeID string `json:"node_id"`
}

func (c *Coordinator) handleRegister(ctx *fiber.Ctx) error {
	var req registerRequest
	if err := ctx.BodyParser(&req); err != nil || req.NodeID == "" {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	c.mu.Lock()
	c.nodes[req.NodeID] = time.Now()
	c.mu.Unlock()
	return ctx.JSON(fiber.Map{"status": "registered"})
}

func (c *Coordinator) handleHeartbeat(ctx *fiber.Ctx) error {
	var req registerRequest
	if err := ctx.BodyParser(&req); err != nil || req.NodeID == "" {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	c.mu.Lock()
	c.nodes[req.NodeID] = time.Now()
	c.mu.Unlock()
	return ctx.SendStatus(fiber.StatusOK)
}

func (c *Coordinator) handleReport(ctx *fiber.Ctx) error {
	var msg protocol.WorkerMessage
	if err := ctx.BodyParser(&msg); err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	select {
	case c.fromWorkers <- msg:
		return ctx.SendStatus(fiber.StatusOK)
	default:
		return ctx.SendStatus(fiber.StatusServiceUnavailable)
	}
}

func (c *Coordinator) handlePoll(ctx *fiber.Ctx) error {
	select {
	case msg := <-c.toWorkers:
		return ctx.JSON(msg)
	case <-time.After(pollTimeout):
		return ctx.SendStatus(fiber.StatusNoContent)
	}
}

func (c *Coordinator) handleStats(ctx *fiber.Ctx) error {
	if c.status == nil {
		return ctx.JSON(fiber.Map{})
	}
	return ctx.JSON(c.status.All())
}

func (c *Coordinator) handleStatsSocket(conn *websocket.Conn) {
	defer conn.Close()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.status == nil {
			continue
		}
		if err := conn.WriteJSON(c.status.All()); err != nil {
			return
		}
	}
}

// ActiveNodes returns node IDs seen within the offline threshold.
func (c *Coordinator) ActiveNodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]string, 0, len(c.nodes))
	for id, seen := range c.nodes {
		if time.Since(seen) <= nodeOfflineAfter {
			nodes = append(nodes, id)
		}
	}
	return nodes
}
