package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a stdio transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a subprocess. Each JSON-RPC
// message occupies one line on stdin/stdout; stderr is drained and
// logged, never parsed.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	msgs chan []byte
	done chan struct{} // closed after cmd.Wait returns

	closeMu sync.Mutex
	closed  bool
	cmd     *exec.Cmd
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		msgs:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

// Connect spawns the subprocess and starts the background readers.
func (t *StdioTransport) Connect(_ context.Context) error {
	path, err := exec.LookPath(t.config.Command)
	if err != nil {
		return fmt.Errorf("locate %s: %w: %w", t.config.Command, err, ErrTransportUnavailable)
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(path, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w: %w", t.config.Command, err, ErrTransportUnavailable)
	}

	t.cmd = cmd
	t.stdin = stdin

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		t.drainStderr(stderrPipe)
	}()

	go t.readLoop(stdout, stderrDone)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop reads newline-delimited messages from stdout and delivers
// them on t.msgs. On EOF it reaps the subprocess and closes the channel.
func (t *StdioTransport) readLoop(stdout io.Reader, stderrDone <-chan struct{}) {
	defer close(t.msgs)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20) // 1 MiB max line for large responses
	for scanner.Scan() {
		// Scanner reuses its buffer between calls.
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		t.msgs <- line
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("MCP subprocess stdout closed", "error", err)
	}

	// Reap the subprocess once both output pipes are finished.
	<-stderrDone
	if err := t.cmd.Wait(); err != nil {
		t.logger.Debug("MCP subprocess exited", "error", err)
	}
	close(t.done)
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes one message plus the newline delimiter to the subprocess
// stdin. The mutex serializes writers so messages never interleave.
func (t *StdioTransport) Send(_ context.Context, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return fmt.Errorf("subprocess not started: %w", ErrTransportUnavailable)
	}

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	if _, err := t.stdin.Write(buf); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w: %w", err, ErrTransportUnavailable)
	}
	return nil
}

// Messages returns the inbound message channel. It is closed when the
// subprocess exits or Close is called.
func (t *StdioTransport) Messages() <-chan []byte {
	return t.msgs
}

// Close shuts the subprocess down: close stdin so a well-behaved server
// exits, wait briefly, then kill. Idempotent.
func (t *StdioTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	t.writeMu.Lock()
	if t.stdin != nil {
		t.stdin.Close()
	}
	t.writeMu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-t.done
		return nil
	}
}
