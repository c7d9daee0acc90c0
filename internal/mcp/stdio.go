package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const stdioStopTimeout = 5 * time.Second

// stdioTransport runs the server as a child process.
type stdioTransport struct {
	name    string
	command string
	args    []string
	env     map[string]string
	logger  zerolog.Logger

	ids idGenerator

	writeTurn *semaphore.Weighted
	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     *os.File
	pending map[string]chan *models.MCPResponse
	done    chan struct{}
	readErr error
	running bool
}

func newStdioTransport(name string, cfg ProviderConfig) *stdioTransport {
	return &stdioTransport{
		name:    name,
		command: cfg.Command,
		args:    cfg.Args,
		env:     cfg.Env,
		logger:  log.With().Str("provider", name).Str("transport", TransportStdio).Logger(),
		pending: make(map[string]chan *models.MCPResponse),

		writeTurn: semaphore.NewWeighted(1),
	}
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// start spawns the process. The process outlives ctx; close stops it.
func (t *stdioTransport) start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("process already running")
	}

	resolved, err := resolveExecutable(t.command)
	if err != nil {
		return err
	}

	cmd := exec.Command(resolved, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// stdin is an *os.File so writes can take a deadline.
	stdinR, stdin, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR
	closePipe := func() {
		_ = stdinR.Close()
		_ = stdin.Close()
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closePipe()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closePipe()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closePipe()
		return fmt.Errorf("start process: %w", err)
	}
	_ = stdinR.Close()

	t.cmd = cmd
	t.stdin = stdin
	t.done = make(chan struct{})
	t.readErr = nil
	t.running = true

	t.logger.Info().
		Str("command", t.command).
		Strs("args", t.args).
		Int("pid", cmd.Process.Pid).
		Msg("Started MCP server process")

	go t.readLoop(stdout, t.done)
	go t.drainStderr(stderr)
	return nil
}

func (t *stdioTransport) readLoop(stdout io.Reader, done chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		resp, err := decodeResponse(line)
		if err != nil {
			t.logger.Debug().Err(err).Msg("Ignoring non-response frame")
			continue
		}
		if resp.ID == nil {
			// server-initiated notification
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[idKey(resp.ID)]
		t.mu.Unlock()
		if !ok {
			t.logger.Warn().Interface("id", resp.ID).Msg("No pending call for response")
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
	close(done)
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug().Str("stderr", scanner.Text()).Msg("MCP server output")
	}
}

// write sends one frame. Waiting for the writer slot and the write itself
// both stop when ctx is done. A frame cut short leaves the stream unusable,
// so the process is stopped.
func (t *stdioTransport) write(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	stdin := t.stdin
	running := t.running
	t.mu.Unlock()
	if !running || stdin == nil {
		return ErrNotConnected
	}

	if err := t.writeTurn.Acquire(ctx, 1); err != nil {
		return writeContextError(err)
	}
	defer t.writeTurn.Release(1)

	_ = stdin.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = stdin.SetWriteDeadline(time.Now())
	})
	n, err := stdin.Write(data)
	stop()
	if err == nil {
		return nil
	}
	if n > 0 {
		t.logger.Error().Err(err).Int("written", n).Int("frame", len(data)).Msg("Partial frame written, stopping MCP server process")
		go func() { _ = t.close() }()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return writeContextError(ctx.Err())
	}
	return fmt.Errorf("write request: %w", err)
}

func writeContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("write request %w", ErrTimeout)
	}
	return fmt.Errorf("write request cancelled: %w", err)
}

func (t *stdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.ids.next()
	ch := make(chan *models.MCPResponse, 1)

	t.mu.Lock()
	t.pending[id] = ch
	done := t.done
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(ctx, newRequest(id, method, params)); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-done:
		t.mu.Lock()
		err := t.readErr
		t.mu.Unlock()
		return nil, fmt.Errorf("server process exited: %w", err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %w", method, ErrTimeout)
		}
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	}
}

func (t *stdioTransport) notify(ctx context.Context, method string, params any) error {
	return t.write(ctx, newNotification(method, params))
}

// close ends stdin and waits for the process, killing it after a grace period.
func (t *stdioTransport) close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		t.logger.Info().Err(err).Msg("MCP server process exited")
		return nil
	case <-time.After(stdioStopTimeout):
		t.logger.Warn().Msg("Graceful shutdown timeout, killing MCP server process")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill process: %w", err)
			}
		}
		return nil
	}
}
