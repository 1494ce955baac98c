package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the remote compute host.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHosts     string
	ConnectTimeout time.Duration
	Keepalive      time.Duration
}

// SSHDialer dials the compute host with public-key authentication and opens
// SFTP file channels on the resulting connection.
type SSHDialer struct {
	cfg SSHConfig
	log zerolog.Logger
}

// NewSSHDialer creates a dialer for cfg.
func NewSSHDialer(cfg SSHConfig, logger zerolog.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &SSHDialer{
		cfg: cfg,
		log: logger.With().Str("component", "ssh").Logger(),
	}
}

// Host returns the host:port being dialed.
func (d *SSHDialer) Host() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

// Dial connects and authenticates. The connection sends keep-alive requests
// until closed.
func (d *SSHDialer) Dial(ctx context.Context) (Conn, error) {
	config, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := d.Host()
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	// The handshake has no context of its own.
	deadline := time.Now().Add(d.cfg.ConnectTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	nc.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to handshake: %w", err)
	}
	nc.SetDeadline(time.Time{})

	conn := &sshConn{
		client: ssh.NewClient(c, chans, reqs),
		done:   make(chan struct{}),
		log:    d.log,
	}
	if d.cfg.Keepalive > 0 {
		go conn.keepalive(d.cfg.Keepalive)
	}
	d.log.Debug().Str("host", addr).Str("user", d.cfg.User).Msg("ssh connection established")
	return conn, nil
}

func (d *SSHDialer) clientConfig() (*ssh.ClientConfig, error) {
	keyPath := expandHome(d.cfg.KeyPath)
	key, err := os.ReadFile(keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("ssh key not found at %s", keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if d.cfg.KnownHosts != "" {
		hostKey, err = knownhosts.New(expandHome(d.cfg.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.ConnectTimeout,
	}, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

type sshConn struct {
	client *ssh.Client
	log    zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *sshConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.log.Debug().Err(err).Msg("keepalive failed")
				return
			}
		}
	}
}

// Run starts cmd in a new session. When ctx ends first the session is
// closed, which is as far as SSH lets us stop a remote process.
func (c *sshConn) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		<-done
		return -1, ctx.Err()
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (c *sshConn) OpenFiles() (Files, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp channel: %w", err)
	}
	return &sftpFiles{client: client}, nil
}

func (c *sshConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.client.Close()
	})
	return err
}

type sftpFiles struct {
	client *sftp.Client
}

func (f *sftpFiles) Create(p string) (io.WriteCloser, error) {
	if err := f.client.MkdirAll(path.Dir(p)); err != nil {
		return nil, err
	}
	return f.client.Create(p)
}

func (f *sftpFiles) Open(p string) (io.ReadCloser, error) {
	return f.client.Open(p)
}

func (f *sftpFiles) Close() error {
	return f.client.Close()
}
