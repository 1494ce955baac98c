package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// LocalDialer runs commands through the local shell and transfers files on
// the local filesystem.
type LocalDialer struct{}

func (LocalDialer) Dial(ctx context.Context) (Conn, error) {
	return localConn{}, nil
}

func (LocalDialer) Host() string { return "localhost" }

type localConn struct{}

func (localConn) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Stdout = stdout
	c.Stderr = stderr
	return exitStatus(ctx, c.Run())
}

func (localConn) OpenFiles() (Files, error) { return localFiles{}, nil }

func (localConn) Close() error { return nil }

type localFiles struct{}

func (localFiles) Create(p string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

func (localFiles) Open(p string) (io.ReadCloser, error) { return os.Open(p) }

func (localFiles) Close() error { return nil }

// exitStatus maps the result of a finished process to an exit code. A
// process killed because ctx ended reports ctx.Err().
func exitStatus(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// DetectLocal reports whether python can import squander on this machine.
func DetectLocal(ctx context.Context, python string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, python, "-c", "import squander").Run() == nil
}

// Mode selects where jobs run.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Valid reports whether m is a known mode setting.
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeLocal || m == ModeRemote
}

// ResolveMode turns a mode setting into the mode jobs will use.
func ResolveMode(setting Mode, localAvailable bool) (Mode, error) {
	switch setting {
	case ModeLocal, ModeRemote:
		return setting, nil
	case ModeAuto, "":
		if localAvailable {
			return ModeLocal, nil
		}
		return ModeRemote, nil
	default:
		return "", fmt.Errorf("invalid execution mode %q", setting)
	}
}
