package generator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Generator produces a batch of candidate programs. The default
// implementation, IPCGenerator, is backed by the line-delimited JSON child
// process protocol; it is a pluggable interface so a worker under test
// can substitute a canned generator.
type Generator interface {
	Request(ctx context.Context, spec BatchSpec) ([]TestCase, error)
	Stop(ctx context.Context) error
	Close() error
}

// IPCGenerator launches a child process once and speaks newline-delimited
// JSON envelopes to it for the lifetime of the worker.
type IPCGenerator struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu       sync.Mutex
	limiter  *rate.Limiter
	lines    chan string
	readErrs chan error
}

// NewIPCGenerator spawns path with GENERATOR_ID set to workerID so that
// concurrent workers never collide on the generator's own temp-file
// namespace.
func NewIPCGenerator(path string, args []string, workerID int) (*IPCGenerator, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), "GENERATOR_ID="+workerGeneratorID(workerID))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("generator stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("generator stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("generator spawn: %w", err)
	}

	g := &IPCGenerator{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   bufio.NewScanner(stdout),
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		lines:    make(chan string, 64),
		readErrs: make(chan error, 1),
	}
	g.stdout.Buffer(make([]byte, 64*1024), 8*1024*1024)
	go g.readLoop()

	if err := g.send(msgInit, nil); err != nil {
		return nil, fmt.Errorf("generator init: %w", err)
	}
	return g, nil
}

func (g *IPCGenerator) readLoop() {
	for g.stdout.Scan() {
		g.lines <- g.stdout.Text()
	}
	if err := g.stdout.Err(); err != nil {
		g.readErrs <- err
	}
	close(g.lines)
}

func (g *IPCGenerator) send(msgType string, data interface{}) error {
	env := Envelope{MsgType: msgType, Data: data}
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err = g.stdin.Write(append(line, '\n'))
	return err
}

// readLine blocks for one line until ctx is done; Request and Stop bound
// their waits through the deadline they put on ctx.
func (g *IPCGenerator) readLine(ctx context.Context) (string, bool) {
	select {
	case line, ok := <-g.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

// Request sends a generate request and collects test_case responses until
// generate_complete arrives or the 20s batch timeout elapses. An error
// response makes it re-send the request, at most once every 100ms. A
// malformed line is dropped silently.
func (g *IPCGenerator) Request(ctx context.Context, spec BatchSpec) ([]TestCase, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req := GenerateRequest{
		Count:         spec.Count,
		MinStatements: spec.MinStatements,
		MaxStatements: spec.MaxStatements,
		OutputDir:     spec.OutputDir,
	}
	if err := g.send(msgGenerate, req); err != nil {
		return nil, fmt.Errorf("send generate: %w", err)
	}

	var cases []TestCase
	for {
		line, ok := g.readLine(ctx)
		if !ok {
			select {
			case err := <-g.readErrs:
				return cases, err
			default:
				return cases, ctx.Err()
			}
		}

		msgType := gjson.Get(line, "msg_type").String()
		switch msgType {
		case msgTestCase:
			var tc TestCase
			if err := json.Unmarshal([]byte(gjson.Get(line, "data").Raw), &tc); err != nil {
				continue // malformed line: drop silently
			}
			cases = append(cases, tc)
		case msgProgress:
			continue
		case msgGenerateComplete:
			return cases, nil
		case msgError:
			// Re-send the same generate request; the limiter spaces
			// re-sends at least 100ms apart.
			if err := g.limiter.Wait(ctx); err != nil {
				return cases, err
			}
			if err := g.send(msgGenerate, req); err != nil {
				return cases, fmt.Errorf("resend generate: %w", err)
			}
		default:
			continue
		}
	}
}

// Stop flushes residual generator state before the next batch. Rather
// than sleeping a blind 50ms, this implementation awaits an init_response
// (reused as the closest thing to a stop acknowledgement the protocol
// defines, data.started=false) with the same 50ms ceiling,
// proceeding immediately if it arrives sooner.
func (g *IPCGenerator) Stop(ctx context.Context) error {
	if err := g.send(msgStop, nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	for {
		line, ok := g.readLine(ctx)
		if !ok {
			return nil // timeout ceiling reached; proceed anyway
		}
		if gjson.Get(line, "msg_type").String() == msgInitResponse {
			return nil
		}
	}
}

func (g *IPCGenerator) Close() error {
	_ = g.send(msgExit, nil)
	_ = g.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- g.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return g.cmd.Process.Kill()
	}
}

// workerGeneratorID renders the GENERATOR_ID value for a worker, exposed
// for callers constructing multiple generators that must not collide.
func workerGeneratorID(workerID int) string {
	return strconv.Itoa(workerID)
}
