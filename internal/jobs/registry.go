package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alfaarizi/qubit/internal/execution"
	"github.com/alfaarizi/qubit/internal/model"
)

const (
	DefaultSubscriberWait = 10 * time.Second

	cancelledMessage = "Job cancelled by user"
	noResultMessage  = "job ended without result"
)

// ErrShutdown is returned by Submit once the registry is shutting down.
var ErrShutdown = errors.New("job registry is shut down")

// Hub is the part of the pub-sub hub the registry publishes through.
type Hub interface {
	BroadcastToRoom(room string, msg any, exclude string) int
	WaitRoom(ctx context.Context, room string) bool
}

// Runner executes jobs and streams their events.
type Runner interface {
	RunPartition(ctx context.Context, jobID string, payload model.PartitionPayload) <-chan model.Event
	ImportQasm(ctx context.Context, jobID string, payload model.ImportPayload) <-chan model.Event
}

// ClientProvider hands out a Runner for one job. release must be called
// once the job is done with it.
type ClientProvider interface {
	Acquire(ctx context.Context, sessionID string) (runner Runner, release func(), err error)
}

// Auditor records job status transitions. It may be nil.
type Auditor interface {
	Record(ctx context.Context, jobID string, jobType model.JobType, status model.JobStatus) error
}

type factoryClients struct {
	f *execution.Factory
}

// Clients adapts an execution factory to a ClientProvider.
func Clients(f *execution.Factory) ClientProvider {
	return factoryClients{f: f}
}

func (c factoryClients) Acquire(ctx context.Context, sessionID string) (Runner, func(), error) {
	client, release, err := c.f.Acquire(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return client, release, nil
}

// Request describes a job to submit. Exactly one payload matching Type
// must be set.
type Request struct {
	Type      model.JobType
	OwnerID   string
	CircuitID string
	SessionID string
	Partition *model.PartitionPayload
	Import    *model.ImportPayload
}

// Validate checks the job type and its payload.
func (r *Request) Validate() error {
	switch r.Type {
	case model.JobTypePartition:
		if r.Partition == nil {
			return model.ErrCircuitRequired
		}
		return r.Partition.Circuit.Validate()
	case model.JobTypeImport:
		if r.Import == nil {
			return model.ErrQasmRequired
		}
		return r.Import.Validate()
	default:
		return fmt.Errorf("%w: %q", model.ErrInvalidJobType, r.Type)
	}
}

// Config holds configuration for the registry.
type Config struct {
	SubscriberWait time.Duration
}

// job is the live state of a submitted job.
type job struct {
	id        string
	circuitID string
	ownerID   string
	sessionID string
	typ       model.JobType
	room      string
	createdAt time.Time

	status  model.AtomicJobStatus
	updated atomic.Int64
	cancel  context.CancelFunc

	// mu orders publishing against terminal transitions.
	mu sync.Mutex
}

func (j *job) snapshot() model.Job {
	return model.Job{
		ID:        j.id,
		CircuitID: j.circuitID,
		OwnerID:   j.ownerID,
		Type:      j.typ,
		Status:    j.status.Load(),
		SessionID: j.sessionID,
		Room:      j.room,
		CreatedAt: j.createdAt,
		UpdatedAt: time.Unix(0, j.updated.Load()),
	}
}

// Registry tracks running jobs and drives each one on its own goroutine,
// publishing its events to the job's room.
type Registry struct {
	cfg     Config
	hub     Hub
	clients ClientProvider
	audit   Auditor
	log     zerolog.Logger
	now     func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*job
	closed bool
}

// NewRegistry creates a registry. audit may be nil.
func NewRegistry(cfg Config, hub Hub, clients ClientProvider, audit Auditor, logger zerolog.Logger) *Registry {
	if cfg.SubscriberWait <= 0 {
		cfg.SubscriberWait = DefaultSubscriberWait
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		hub:     hub,
		clients: clients,
		audit:   audit,
		log:     logger.With().Str("component", "jobs").Logger(),
		now:     time.Now,
		base:    base,
		stop:    stop,
		jobs:    make(map[string]*job),
	}
}

// Submit records a queued job, starts it in the background and returns its
// id without waiting for it to run.
func (r *Registry) Submit(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	now := r.now()
	ctx, cancel := context.WithCancel(r.base)
	j := &job{
		id:        uuid.New().String(),
		circuitID: req.CircuitID,
		ownerID:   req.OwnerID,
		sessionID: req.SessionID,
		typ:       req.Type,
		createdAt: now,
		cancel:    cancel,
	}
	j.room = model.RoomName(j.typ, j.id)
	j.status.Store(model.JobStatusQueued)
	j.updated.Store(now.UnixNano())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrShutdown
	}
	r.jobs[j.id] = j
	r.wg.Add(1)
	r.mu.Unlock()

	r.record(j, model.JobStatusQueued)
	r.log.Info().
		Str("job_id", j.id).
		Str("job_type", string(j.typ)).
		Str("circuit_id", j.circuitID).
		Str("session_id", j.sessionID).
		Msg("job submitted")

	go r.run(ctx, j, req)
	return j.id, nil
}

// lookup returns a job the requester owns.
func (r *Registry) lookup(jobID, requesterID string) (*job, error) {
	r.mu.RLock()
	j, ok := r.jobs[jobID]
	r.mu.RUnlock()

	if !ok {
		return nil, model.ErrJobNotFound
	}
	if j.ownerID != requesterID {
		return nil, model.ErrForbidden
	}
	return j, nil
}

// Get returns a snapshot of a job the requester owns.
func (r *Registry) Get(jobID, requesterID string) (model.Job, error) {
	j, err := r.lookup(jobID, requesterID)
	if err != nil {
		return model.Job{}, err
	}
	return j.snapshot(), nil
}

// List returns the requester's jobs for a circuit, oldest first.
func (r *Registry) List(circuitID, requesterID string) []model.Job {
	r.mu.RLock()
	out := make([]model.Job, 0)
	for _, j := range r.jobs {
		if j.circuitID == circuitID && j.ownerID == requesterID {
			out = append(out, j.snapshot())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Cancel stops a job the requester owns, publishes its cancelled event and
// removes it from the registry.
func (r *Registry) Cancel(jobID, requesterID string) error {
	j, err := r.lookup(jobID, requesterID)
	if err != nil {
		return err
	}

	cancelled := r.finish(j, model.JobStatusCancelled, model.CancelledEvent{Message: cancelledMessage})
	j.cancel()
	r.remove(j)
	if cancelled {
		r.log.Info().Str("job_id", j.id).Msg("job cancelled")
	}
	return nil
}

// Active returns the number of jobs in the registry.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Shutdown cancels every job and waits for their goroutines to exit or for
// ctx to end. No cancelled events are published.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) remove(j *job) {
	r.mu.Lock()
	if r.jobs[j.id] == j {
		delete(r.jobs, j.id)
	}
	r.mu.Unlock()
}

func (r *Registry) record(j *job, status model.JobStatus) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(context.Background(), j.id, j.typ, status); err != nil {
		r.log.Warn().Err(err).Str("job_id", j.id).Msg("failed to record job status")
	}
}

func (r *Registry) broadcast(j *job, ev model.Event) {
	r.hub.BroadcastToRoom(j.room, model.Envelope{JobID: j.id, CircuitID: j.circuitID, Event: ev}, "")
}

// publish broadcasts a non-terminal event unless the job already ended.
func (r *Registry) publish(j *job, ev model.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Load().Terminal() {
		return
	}
	r.broadcast(j, ev)
}

// finish moves the job to a terminal status and publishes ev. Only the
// first terminal transition of a job succeeds.
func (r *Registry) finish(j *job, status model.JobStatus, ev model.Event) bool {
	j.mu.Lock()
	if j.status.Load().Terminal() {
		j.mu.Unlock()
		return false
	}
	j.status.Store(status)
	j.updated.Store(r.now().UnixNano())
	r.broadcast(j, ev)
	j.mu.Unlock()

	r.record(j, status)
	return true
}

func (r *Registry) run(ctx context.Context, j *job, req Request) {
	log := r.log.With().Str("job_id", j.id).Str("room", j.room).Logger()

	defer r.wg.Done()
	defer r.remove(j)
	defer j.cancel()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("job panicked")
			r.finish(j, model.JobStatusError, model.ErrorEvent{Message: fmt.Sprintf("internal error: %v", p)})
		}
	}()

	wctx, cancel := context.WithTimeout(ctx, r.cfg.SubscriberWait)
	ready := r.hub.WaitRoom(wctx, j.room)
	cancel()
	if !ready {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Dur("waited", r.cfg.SubscriberWait).Msg("no subscriber joined, starting anyway")
	}

	if !j.status.CompareAndSwap(model.JobStatusQueued, model.JobStatusProcessing) {
		return
	}
	j.updated.Store(r.now().UnixNano())
	r.record(j, model.JobStatusProcessing)
	log.Info().Msg("job started")

	runner, release, err := r.clients.Acquire(ctx, j.sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("failed to acquire execution client")
		r.finish(j, model.JobStatusError, model.ErrorEvent{Message: err.Error()})
		return
	}
	defer release()

	var events <-chan model.Event
	switch j.typ {
	case model.JobTypePartition:
		events = runner.RunPartition(ctx, j.id, *req.Partition)
	case model.JobTypeImport:
		events = runner.ImportQasm(ctx, j.id, *req.Import)
	}

	for ev := range events {
		switch ev.(type) {
		case model.CompleteEvent:
			r.finish(j, model.JobStatusDone, ev)
		case model.ErrorEvent:
			r.finish(j, model.JobStatusError, ev)
		case model.CancelledEvent:
			r.finish(j, model.JobStatusCancelled, ev)
		default:
			r.publish(j, ev)
		}
	}

	status := j.status.Load()
	if !status.Terminal() && ctx.Err() == nil {
		r.finish(j, model.JobStatusError, model.ErrorEvent{Message: noResultMessage})
		status = model.JobStatusError
	}
	log.Info().Str("status", status.String()).Msg("job ended")
}
