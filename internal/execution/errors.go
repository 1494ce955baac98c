package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/sftp"
)

// ConnectionError reports a failure to reach or use the compute host.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("connection failed: %v", e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError reports a command or transfer that failed on the compute
// host. Stderr holds the tail of the command's error output, if any.
type ExecutionError struct {
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Err != nil && e.Stderr != "":
		return fmt.Sprintf("%s failed: %v: %s", e.Op, e.Err, e.Stderr)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	case e.Stderr != "":
		return fmt.Sprintf("%s failed with exit code %d: %s", e.Op, e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("%s failed with exit code %d", e.Op, e.ExitCode)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports an analysis stage that exceeded its time budget.
type TimeoutError struct {
	Stage string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Stage, e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsTransient reports whether a transfer error is worth retrying on a fresh
// file channel.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, target := range []error{
		io.EOF,
		io.ErrUnexpectedEOF,
		syscall.ECONNRESET,
		syscall.EPIPE,
		os.ErrDeadlineExceeded,
		context.DeadlineExceeded,
		net.ErrClosed,
		sftp.ErrSSHFxConnectionLost,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
