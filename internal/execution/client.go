package execution

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/alfaarizi/qubit/internal/buffer"
	"github.com/alfaarizi/qubit/internal/driver"
	"github.com/alfaarizi/qubit/internal/model"
)

const (
	// stderrCapacity bounds the stderr kept per command.
	stderrCapacity = 64 * 1024

	// maxLineSize bounds a single streamed output line.
	maxLineSize = 1024 * 1024
)

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client runs commands and transfers files on the compute host, or on this
// machine in local mode. It is safe for concurrent use.
type Client struct {
	sessionID string
	mode      Mode
	cfg       Config
	dialer    Dialer
	gate      *semaphore.Weighted
	workers   *Workers
	routine   Routine
	driver    driver.OutputDriver
	log       zerolog.Logger
	now       func() time.Time

	// connectMu serializes Connect so mu is never held across a dial.
	connectMu sync.Mutex

	mu       sync.Mutex
	conn     Conn
	files    Files
	lastUsed time.Time
}

// SessionID returns the session the client is pooled under, or "" for an
// ephemeral client.
func (c *Client) SessionID() string { return c.sessionID }

// Mode returns where the client runs jobs.
func (c *Client) Mode() Mode { return c.mode }

// Connected reports whether Connect succeeded and Disconnect has not run.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// LastUsed returns when the client last connected or started an operation.
func (c *Client) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Touch marks the client as used now.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastUsed = c.now()
	c.mu.Unlock()
}

func (c *Client) host() string {
	if c.mode == ModeLocal || c.dialer == nil {
		return "localhost"
	}
	return c.dialer.Host()
}

type connPair struct {
	conn  Conn
	files Files
}

func (p connPair) close() {
	p.files.Close()
	p.conn.Close()
}

// Connect establishes the connection and its file channel. Remote connects
// pass through the shared admission gate. Connecting a connected client is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.Connected() {
		return nil
	}

	var dialer Dialer = LocalDialer{}
	if c.mode == ModeRemote {
		dialer = c.dialer
		if err := c.gate.Acquire(ctx, 1); err != nil {
			return &ConnectionError{Host: dialer.Host(), Err: err}
		}
		defer c.gate.Release(1)
	}

	pair, err := CallOrRelease(ctx, c.workers, func() (connPair, error) {
		conn, err := dialer.Dial(ctx)
		if err != nil {
			return connPair{}, err
		}
		files, err := conn.OpenFiles()
		if err != nil {
			conn.Close()
			return connPair{}, err
		}
		return connPair{conn: conn, files: files}, nil
	}, connPair.close)
	if err != nil {
		c.log.Error().Err(err).Str("host", dialer.Host()).Msg("connection failed")
		return &ConnectionError{Host: dialer.Host(), Err: err}
	}

	c.mu.Lock()
	c.conn, c.files = pair.conn, pair.files
	c.lastUsed = c.now()
	c.mu.Unlock()
	c.log.Info().Str("host", dialer.Host()).Str("mode", string(c.mode)).Msg("connected")
	return nil
}

// Disconnect closes the file channel and the connection. Disconnecting a
// disconnected client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn, files := c.conn, c.files
	c.conn, c.files = nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if c.mode == ModeRemote {
		// Closing must happen even when the gate cannot be had.
		if err := c.gate.Acquire(ctx, 1); err == nil {
			defer c.gate.Release(1)
		}
	}

	_, err := Call(context.WithoutCancel(ctx), c.workers, func() (struct{}, error) {
		if files != nil {
			files.Close()
		}
		return struct{}{}, conn.Close()
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("disconnect error")
		return &ConnectionError{Host: c.host(), Err: err}
	}
	c.log.Info().Str("host", c.host()).Msg("disconnected")
	return nil
}

// session returns the live connection and marks the client used.
func (c *Client) session() (Conn, Files, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, nil, &ConnectionError{Host: c.host(), Err: model.ErrNotConnected}
	}
	c.lastUsed = c.now()
	return c.conn, c.files, nil
}

// execContext detaches a command from the caller's cancellation. A remote
// process outlives a cancelled job; only the exec timeout bounds it.
func (c *Client) execContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if c.cfg.ExecTimeout > 0 {
		return context.WithTimeout(base, c.cfg.ExecTimeout)
	}
	return context.WithCancel(base)
}

func (c *Client) transferContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.TransferTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.TransferTimeout)
	}
	return context.WithCancel(ctx)
}

// ExecuteCommand runs cmd to completion. A non-zero exit is reported in the
// result, not as an error.
func (c *Client) ExecuteCommand(ctx context.Context, cmd string) (CommandResult, error) {
	conn, _, err := c.session()
	if err != nil {
		return CommandResult{}, err
	}

	res, err := Call(ctx, c.workers, func() (CommandResult, error) {
		var stdout bytes.Buffer
		stderr := buffer.NewTail(stderrCapacity)
		execCtx, cancel := c.execContext(ctx)
		defer cancel()

		code, err := conn.Run(execCtx, cmd, &stdout, stderr)
		return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		c.log.Error().Err(err).Msg("execute error")
		return res, &ExecutionError{Op: "command", Err: err, Stderr: res.Stderr}
	}
	return res, nil
}

// run is ExecuteCommand that treats a non-zero exit as an error.
func (c *Client) run(ctx context.Context, cmd, op string) error {
	res, err := c.ExecuteCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ExecutionError{Op: op, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// Stream delivers the output of a running command line by line.
type Stream struct {
	events chan model.Event
	err    error
}

// Events yields one event per non-empty output line. It is closed when the
// command ends or the stream's context is done.
func (s *Stream) Events() <-chan model.Event { return s.events }

// Err reports why the stream ended. It is valid once Events is closed.
func (s *Stream) Err() error { return s.err }

func failedStream(err error) *Stream {
	s := &Stream{events: make(chan model.Event), err: err}
	close(s.events)
	return s
}

// StreamCommand runs cmd and streams its stdout as it is produced. A
// non-zero exit ends the stream with an *ExecutionError carrying the tail of
// stderr; stderr output on success is reported as a final warning line.
func (c *Client) StreamCommand(ctx context.Context, cmd string) *Stream {
	conn, _, err := c.session()
	if err != nil {
		return failedStream(err)
	}

	type exit struct {
		code int
		err  error
	}
	pr, pw := io.Pipe()
	stderr := buffer.NewTail(stderrCapacity)
	done := make(chan exit, 1)

	if err := c.workers.Go(ctx, func() {
		execCtx, cancel := c.execContext(ctx)
		defer cancel()
		code, err := conn.Run(execCtx, cmd, pw, stderr)
		pw.Close()
		done <- exit{code, err}
	}); err != nil {
		return failedStream(err)
	}

	// The reader keeps draining after ctx ends so the command can finish.
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
			}
		}
		if err := scanner.Err(); err != nil {
			scanErr <- err
			io.Copy(io.Discard, pr)
		}
	}()

	s := &Stream{events: make(chan model.Event)}
	go func() {
		defer close(s.events)

	read:
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					break read
				}
				ev, ok := c.driver.ParseLine(line)
				if !ok {
					continue
				}
				select {
				case s.events <- ev:
				case <-ctx.Done():
					s.err = ctx.Err()
					return
				}
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}

		select {
		case err := <-scanErr:
			s.err = &ExecutionError{Op: "stream read", Err: err}
			return
		default:
		}

		var r exit
		select {
		case r = <-done:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}

		switch {
		case r.err != nil:
			s.err = &ExecutionError{Op: "command", Err: r.err, Stderr: strings.TrimSpace(stderr.String())}
		case r.code != 0:
			s.err = &ExecutionError{Op: "command", ExitCode: r.code, Stderr: strings.TrimSpace(stderr.String())}
		case stderr.Len() > 0:
			warning := model.LogEvent{Message: "[WARNING] " + strings.TrimSpace(stderr.String())}
			select {
			case s.events <- warning:
			case <-ctx.Done():
				s.err = ctx.Err()
			}
		}
	}()
	return s
}

// UploadFile copies a local file to the compute host.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &ExecutionError{Op: "upload", Err: err}
	}
	defer f.Close()
	return c.put(ctx, f, remotePath)
}

// WriteFile writes data to a file on the compute host.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	return c.put(ctx, bytes.NewReader(data), remotePath)
}

func (c *Client) put(ctx context.Context, src io.Reader, remotePath string) error {
	_, files, err := c.session()
	if err != nil {
		return err
	}

	tctx, cancel := c.transferContext(ctx)
	defer cancel()
	_, err = Call(tctx, c.workers, func() (int64, error) {
		w, err := files.Create(remotePath)
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(w, ctxReader{ctx: tctx, r: src})
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		return n, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ExecutionError{Op: "upload", Err: err}
	}
	return nil
}

// DownloadFile copies a file from the compute host to localPath.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	data, err := c.ReadFile(ctx, remotePath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return &ExecutionError{Op: "download", Err: err}
	}
	return nil
}

// ReadFile reads a file from the compute host. Transient failures are
// retried on a fresh file channel with a linearly growing backoff.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	attempts := c.cfg.DownloadRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := c.fetch(ctx, remotePath)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts || !IsTransient(err) {
			break
		}

		c.log.Warn().Err(err).Int("attempt", attempt).Str("path", remotePath).Msg("download failed, retrying")
		select {
		case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := c.reopenFiles(ctx); err != nil {
			c.log.Warn().Err(err).Msg("failed to reopen file channel")
		}
	}
	return nil, &ExecutionError{Op: "download", Err: lastErr}
}

func (c *Client) fetch(ctx context.Context, remotePath string) ([]byte, error) {
	_, files, err := c.session()
	if err != nil {
		return nil, err
	}

	tctx, cancel := c.transferContext(ctx)
	defer cancel()
	return Call(tctx, c.workers, func() ([]byte, error) {
		r, err := files.Open(remotePath)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(ctxReader{ctx: tctx, r: r})
	})
}

// reopenFiles replaces the file channel, closing the old one.
func (c *Client) reopenFiles(ctx context.Context) error {
	conn, _, err := c.session()
	if err != nil {
		return err
	}

	files, err := CallOrRelease(ctx, c.workers, conn.OpenFiles, func(f Files) { f.Close() })
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		files.Close()
		return &ConnectionError{Host: c.host(), Err: model.ErrNotConnected}
	}
	old := c.files
	c.files = files
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}
