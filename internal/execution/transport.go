package execution

import (
	"context"
	"io"
)

// Dialer opens connections to the compute host.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	// Host names the target for logs and errors.
	Host() string
}

// Conn is an established connection able to run commands and open file
// channels. Implementations must allow concurrent Run calls.
type Conn interface {
	// Run executes cmd through the remote shell, streaming its output into
	// stdout and stderr. A command that ran and exited non-zero reports its
	// exit code with a nil error.
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error)
	OpenFiles() (Files, error)
	Close() error
}

// Files is a file-transfer channel on a Conn.
type Files interface {
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// ctxReader fails reads once ctx is done, bounding a copy loop.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
