package model

import "errors"

var (
	// ErrJobNotFound is returned when a job is not in the registry. A job that
	// finished and a job that never existed look the same.
	ErrJobNotFound = errors.New("job not found")

	// ErrForbidden is returned when the requester does not own the job.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidJobType is returned when a job request names an unknown job type.
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrCircuitRequired is returned when a partition request carries no circuit.
	ErrCircuitRequired = errors.New("circuit is required")

	// ErrQasmRequired is returned when an import request carries no QASM source.
	ErrQasmRequired = errors.New("qasm source is required")

	// ErrNotConnected is returned by execution clients used before Connect.
	ErrNotConnected = errors.New("not connected")
)
