package model

import (
	"fmt"
	"sync/atomic"
	"time"
)

// JobType identifies what a job does. It is also the prefix of the job's room.
type JobType string

const (
	JobTypePartition JobType = "partition"
	JobTypeImport    JobType = "import"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypePartition || t == JobTypeImport
}

// JobStatus is the lifecycle state of a job.
type JobStatus int32

const (
	// JobStatusUnknown is the zero value and never stored on a live job.
	JobStatusUnknown JobStatus = iota
	JobStatusQueued
	JobStatusProcessing
	JobStatusDone
	JobStatusError
	JobStatusCancelled
)

// NOTE: keep in sync with the JobStatus constants.
var jobStatuses = []string{
	"unknown",
	"queued",
	"processing",
	"done",
	"error",
	"cancelled",
}

func (s JobStatus) String() string {
	if int(s) < 0 || int(s) >= len(jobStatuses) {
		return jobStatuses[0]
	}
	return jobStatuses[s]
}

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError || s == JobStatusCancelled
}

// MarshalText encodes the status by name.
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *JobStatus) UnmarshalText(b []byte) error {
	for i, name := range jobStatuses {
		if name == string(b) {
			*s = JobStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown job status %q", b)
}

// AtomicJobStatus wraps an atomic.Int32 so transitions can be validated with
// CompareAndSwap without a lock on the whole job.
type AtomicJobStatus struct {
	v atomic.Int32
}

// Load atomically loads the status.
func (a *AtomicJobStatus) Load() JobStatus {
	return JobStatus(a.v.Load())
}

// Store atomically stores the status.
func (a *AtomicJobStatus) Store(s JobStatus) {
	a.v.Store(int32(s))
}

// CompareAndSwap moves the status from o to n if it is currently o.
func (a *AtomicJobStatus) CompareAndSwap(o, n JobStatus) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}

// Job is a point-in-time view of a submitted job.
type Job struct {
	ID        string    `json:"jobId"`
	CircuitID string    `json:"circuitId"`
	OwnerID   string    `json:"ownerId"`
	Type      JobType   `json:"jobType"`
	Status    JobStatus `json:"status"`
	SessionID string    `json:"sessionId,omitempty"`
	Room      string    `json:"room"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoomName returns the hub room that carries a job's progress events.
// Clients subscribe to it by this exact name.
func RoomName(t JobType, jobID string) string {
	return string(t) + "-" + jobID
}
