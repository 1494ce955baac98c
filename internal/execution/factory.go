package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/alfaarizi/qubit/internal/driver"
	"github.com/alfaarizi/qubit/internal/session"
)

// Config holds configuration for execution clients.
type Config struct {
	Mode            Mode
	ScratchRoot     string
	Python          string
	SquanderPath    string
	TransferTimeout time.Duration
	ExecTimeout     time.Duration
	DownloadRetries int
	RetryBackoff    time.Duration
	MaxConnections  int
	MaxWorkers      int
}

func (c Config) withDefaults() Config {
	if c.ScratchRoot == "" {
		c.ScratchRoot = "/tmp/squander_jobs"
	}
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.DownloadRetries < 1 {
		c.DownloadRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxConnections < 1 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	return c
}

// Deps are the collaborators a Factory is built from.
type Deps struct {
	// Dialer reaches the compute host. Required in remote mode.
	Dialer Dialer
	// Routine computes local jobs. Required in local mode.
	Routine Routine
	// LocalAvailable is the result of DetectLocal, used by auto mode.
	LocalAvailable bool
	// Pool holds session clients. A private pool is created when nil.
	Pool *session.Pool[*Client]
}

// Stats is a snapshot of the factory's shared machinery.
type Stats struct {
	Mode          Mode `json:"mode"`
	PooledClients int  `json:"pooled_clients"`
	ActiveWorkers int  `json:"active_workers"`
}

// Factory creates execution clients. It owns the admission gate and the
// worker bridge shared by every client it creates.
type Factory struct {
	cfg     Config
	mode    Mode
	dialer  Dialer
	routine Routine
	gate    *semaphore.Weighted
	workers *Workers
	driver  driver.OutputDriver
	pool    *session.Pool[*Client]
	log     zerolog.Logger
	now     func() time.Time
}

// NewFactory resolves the execution mode and builds the shared machinery.
func NewFactory(cfg Config, deps Deps, logger zerolog.Logger) (*Factory, error) {
	cfg = cfg.withDefaults()
	mode, err := ResolveMode(cfg.Mode, deps.LocalAvailable)
	if err != nil {
		return nil, err
	}
	if mode == ModeRemote && deps.Dialer == nil {
		return nil, errors.New("remote execution requires a dialer")
	}

	pool := deps.Pool
	if pool == nil {
		pool = session.NewPool[*Client](session.Config{}, logger)
	}

	return &Factory{
		cfg:     cfg,
		mode:    mode,
		dialer:  deps.Dialer,
		routine: deps.Routine,
		gate:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		workers: NewWorkers(cfg.MaxWorkers),
		driver:  driver.NewProgressDriver(),
		pool:    pool,
		log:     logger.With().Str("component", "execution").Logger(),
		now:     time.Now,
	}, nil
}

// Mode returns the resolved execution mode.
func (f *Factory) Mode() Mode { return f.mode }

// Pool returns the session pool.
func (f *Factory) Pool() *session.Pool[*Client] { return f.pool }

// Stats returns a snapshot of the shared machinery.
func (f *Factory) Stats() Stats {
	return Stats{
		Mode:          f.mode,
		PooledClients: f.pool.Len(),
		ActiveWorkers: f.workers.Active(),
	}
}

func (f *Factory) newClient(sessionID string) *Client {
	log := f.log
	if sessionID != "" {
		log = log.With().Str("session_id", sessionID).Logger()
	}
	return &Client{
		sessionID: sessionID,
		mode:      f.mode,
		cfg:       f.cfg,
		dialer:    f.dialer,
		gate:      f.gate,
		workers:   f.workers,
		routine:   f.routine,
		driver:    f.driver,
		log:       log,
		now:       f.now,
	}
}

func (f *Factory) matches(c *Client) bool {
	return c.Mode() == f.mode
}

func (f *Factory) build(sessionID string) func(context.Context) (*Client, error) {
	return func(ctx context.Context) (*Client, error) {
		c := f.newClient(sessionID)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Create returns a connected client. Without a session id the client is
// ephemeral and the caller must Disconnect it; with one, the pooled client
// of that session is reused or replaced.
func (f *Factory) Create(ctx context.Context, sessionID string) (*Client, error) {
	if sessionID == "" {
		return f.build("")(ctx)
	}
	return f.pool.Get(ctx, sessionID, f.matches, f.build(sessionID))
}

// Acquire is Create for the duration of one job. The returned release
// function must be called when the job is done: it disconnects an ephemeral
// client and hands a pooled one back to the pool.
func (f *Factory) Acquire(ctx context.Context, sessionID string) (*Client, func(), error) {
	if sessionID == "" {
		c, err := f.build("")(ctx)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.Disconnect(dctx)
		}, nil
	}

	c, err := f.pool.Acquire(ctx, sessionID, f.matches, f.build(sessionID))
	if err != nil {
		return nil, nil, err
	}
	return c, func() {
		c.Touch()
		f.pool.Release(sessionID)
	}, nil
}
