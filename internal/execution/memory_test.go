package execution

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/alfaarizi/qubit/internal/model"
)

// memHost is an in-memory compute host. Commands other than mkdir and rm
// are handed to script.
type memHost struct {
	mu        sync.Mutex
	files     map[string][]byte
	commands  []string
	script    func(h *memHost, dir string, stdout, stderr io.Writer) int
	dialErr   error
	dialDelay time.Duration

	// openFailures makes that many Open calls fail with openErr.
	openFailures int
	openErr      error
	openCalls    int
	channels     int

	active    int
	maxActive int
}

func newMemHost() *memHost {
	return &memHost{files: make(map[string][]byte)}
}

func (h *memHost) Host() string { return "mem:22" }

func (h *memHost) Dial(ctx context.Context) (Conn, error) {
	h.mu.Lock()
	h.active++
	if h.active > h.maxActive {
		h.maxActive = h.active
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.active--
		h.mu.Unlock()
	}()

	if h.dialDelay > 0 {
		time.Sleep(h.dialDelay)
	}
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return &memConn{h: h}, nil
}

func (h *memHost) file(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[p]
	return data, ok
}

func (h *memHost) put(p string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = data
}

func (h *memHost) ran() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *memHost) fileChannels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels
}

func (h *memHost) peakDials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxActive
}

// commandDir extracts the directory of a "cd '<dir>' && ..." command.
func commandDir(cmd string) string {
	rest, ok := strings.CutPrefix(cmd, "cd '")
	if !ok {
		return ""
	}
	dir, _, _ := strings.Cut(rest, "'")
	return dir
}

type memConn struct {
	h *memHost
}

func (c *memConn) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	h := c.h
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	h.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "mkdir -p "):
		return 0, nil
	case strings.HasPrefix(cmd, "rm -rf "):
		dir := strings.Trim(strings.TrimPrefix(cmd, "rm -rf "), "'")
		h.mu.Lock()
		for p := range h.files {
			if strings.HasPrefix(p, dir+"/") {
				delete(h.files, p)
			}
		}
		h.mu.Unlock()
		return 0, nil
	case h.script != nil:
		return h.script(h, commandDir(cmd), stdout, stderr), nil
	default:
		return 0, nil
	}
}

func (c *memConn) OpenFiles() (Files, error) {
	c.h.mu.Lock()
	c.h.channels++
	c.h.mu.Unlock()
	return &memFiles{h: c.h}, nil
}

func (c *memConn) Close() error { return nil }

type memFiles struct {
	h *memHost
}

func (f *memFiles) Create(p string) (io.WriteCloser, error) {
	return &memWriter{h: f.h, path: p}, nil
}

func (f *memFiles) Open(p string) (io.ReadCloser, error) {
	h := f.h
	h.mu.Lock()
	defer h.mu.Unlock()

	h.openCalls++
	if h.openFailures > 0 {
		h.openFailures--
		return nil, h.openErr
	}
	data, ok := h.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *memFiles) Close() error { return nil }

type memWriter struct {
	h    *memHost
	path string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.h.put(w.path, w.buf.Bytes())
	return nil
}

func newTestFactory(t *testing.T, mode Mode, deps Deps) *Factory {
	t.Helper()
	f, err := NewFactory(Config{
		Mode:            mode,
		ScratchRoot:     "/scratch",
		TransferTimeout: time.Second,
		DownloadRetries: 3,
		RetryBackoff:    time.Millisecond,
		MaxConnections:  DefaultMaxConnections,
		MaxWorkers:      DefaultMaxWorkers,
	}, deps, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { f.Pool().Close(context.Background()) })
	return f
}

func connectedClient(t *testing.T, f *Factory) *Client {
	t.Helper()
	c, err := f.Create(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

// collect drains a job's event channel.
func collect(t *testing.T, events <-chan model.Event) []model.Event {
	t.Helper()
	var out []model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
			return out
		}
	}
}

func phases(events []model.Event) []string {
	var out []string
	for _, ev := range events {
		if p, ok := ev.(model.PhaseEvent); ok {
			out = append(out, p.Phase)
		}
	}
	return out
}
