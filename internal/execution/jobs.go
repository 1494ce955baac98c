package execution

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/alfaarizi/qubit/internal/model"
)

//go:embed scripts/*.py
var scripts embed.FS

const (
	partitionScript = "scripts/partition.py"
	importScript    = "scripts/import_qasm.py"

	circuitFile = "circuit.json"
	qasmFile    = "circuit.qasm"
	resultFile  = "result.json"

	// cleanupTimeout bounds the scratch removal after a failed or cancelled job.
	cleanupTimeout = 30 * time.Second
)

// Analysis stages computed after partitioning.
const (
	StageDensityMatrix = "density_matrix"
	StageEntropy       = "entropy"
	StageUnitary       = "unitary"
)

// AnalysisStages returns the optional stages opts asks for, in run order.
func AnalysisStages(opts model.PartitionOptions) []string {
	var stages []string
	if !opts.SkipDensity {
		stages = append(stages, StageDensityMatrix)
	}
	if !opts.SkipEntropy {
		stages = append(stages, StageEntropy)
	}
	if !opts.SkipUnitary {
		stages = append(stages, StageUnitary)
	}
	return stages
}

func script(name string) string {
	data, err := scripts.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("missing embedded script %s: %v", name, err))
	}
	return string(data)
}

// partitionDocument is the circuit.json handed to the partition script.
type partitionDocument struct {
	NumQubits        int                    `json:"numQubits"`
	PlacedGates      []model.PlacedGate     `json:"placedGates"`
	Measurements     []json.RawMessage      `json:"measurements"`
	Options          model.PartitionOptions `json:"options"`
	Strategy         string                 `json:"strategy"`
	MaxPartitionSize int                    `json:"maxPartitionSize"`
	OnlyStage        string                 `json:"onlyStage,omitempty"`
}

func newPartitionDocument(p model.PartitionPayload) partitionDocument {
	opts := p.Options.WithDefaults()
	doc := partitionDocument{
		NumQubits:        p.Circuit.NumQubits,
		PlacedGates:      p.Circuit.PlacedGates,
		Measurements:     p.Circuit.Measurements,
		Options:          opts,
		Strategy:         opts.Strategy,
		MaxPartitionSize: opts.MaxPartitionSize,
	}
	if doc.PlacedGates == nil {
		doc.PlacedGates = []model.PlacedGate{}
	}
	if doc.Measurements == nil {
		doc.Measurements = []json.RawMessage{}
	}
	return doc
}

func decodePartition(data []byte) (any, error) {
	var r model.PartitionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Errors == nil {
		r.Errors = []model.StageError{}
	}
	return &r, nil
}

func decodeImport(data []byte) (any, error) {
	var r model.ImportResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// emit sends ev unless ctx ends first.
func emit(ctx context.Context, out chan<- model.Event, ev model.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// RunPartition partitions a circuit and streams the job's progress. The
// channel ends with a complete or error event, or with nothing terminal if
// ctx is cancelled.
func (c *Client) RunPartition(ctx context.Context, jobID string, payload model.PartitionPayload) <-chan model.Event {
	out := make(chan model.Event)
	go func() {
		defer close(out)
		if c.mode == ModeLocal {
			c.runLocal(ctx, out, jobID, "Running partition locally...", "Partition completed successfully",
				func(ctx context.Context) (any, error) {
					return c.routine.Partition(ctx, jobID, payload)
				})
			return
		}

		doc, err := json.MarshalIndent(newPartitionDocument(payload), "", "  ")
		if err != nil {
			emit(ctx, out, model.ErrorEvent{Message: err.Error()})
			return
		}
		c.runRemote(ctx, out, remoteJob{
			id:      jobID,
			input:   circuitFile,
			payload: doc,
			script:  script(partitionScript),
			build:   model.Phase("building", "Building and partitioning circuit..."),
			done:    "Partition completed successfully",
			decode:  decodePartition,
		})
	}()
	return out
}

// ImportQasm converts a QASM source into a circuit and streams the job's
// progress like RunPartition.
func (c *Client) ImportQasm(ctx context.Context, jobID string, payload model.ImportPayload) <-chan model.Event {
	out := make(chan model.Event)
	go func() {
		defer close(out)
		if c.mode == ModeLocal {
			c.runLocal(ctx, out, jobID, "Converting QASM locally...", "Import completed successfully",
				func(ctx context.Context) (any, error) {
					return c.routine.ImportQasm(ctx, jobID, payload)
				})
			return
		}

		c.runRemote(ctx, out, remoteJob{
			id:      jobID,
			input:   qasmFile,
			payload: []byte(payload.Qasm),
			script:  script(importScript),
			build:   model.Phase("converting", "Converting QASM..."),
			done:    "Import completed successfully",
			decode:  decodeImport,
		})
	}()
	return out
}

func (c *Client) runLocal(ctx context.Context, out chan<- model.Event, jobID, message, done string, fn func(context.Context) (any, error)) {
	log := c.log.With().Str("job_id", jobID).Logger()

	if !emit(ctx, out, model.Phase("preparing", message)) {
		return
	}
	if c.routine == nil {
		emit(ctx, out, model.ErrorEvent{Message: "local execution is not available"})
		return
	}

	result, err := Call(ctx, c.workers, func() (any, error) { return fn(ctx) })
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("local job failed")
		emit(ctx, out, model.ErrorEvent{Message: err.Error()})
		return
	}
	emit(ctx, out, model.CompleteEvent{Message: done, Result: result})
}

type remoteJob struct {
	id      string
	input   string
	payload []byte
	script  string
	build   model.PhaseEvent
	done    string
	decode  func([]byte) (any, error)
}

// scriptCommand runs script with the remote interpreter inside dir.
func (c *Client) scriptCommand(dir, script string) string {
	env := "PYTHONUNBUFFERED=1 "
	if c.cfg.SquanderPath != "" {
		env += "SQUANDER_PATH=" + shellQuote(c.cfg.SquanderPath) + " "
	}
	if !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	return fmt.Sprintf("cd %s && %s%s << 'EOF'\n%sEOF", shellQuote(dir), env, c.cfg.Python, script)
}

func (c *Client) runRemote(ctx context.Context, out chan<- model.Event, job remoteJob) {
	dir := path.Join(c.cfg.ScratchRoot, job.id)
	log := c.log.With().Str("job_id", job.id).Logger()

	created, failed := false, false
	fail := func(err error) {
		failed = true
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("remote job failed")
		emit(ctx, out, model.ErrorEvent{Message: err.Error()})
	}
	defer func() {
		if created && (failed || ctx.Err() != nil) {
			c.cleanupDetached(ctx, dir)
		}
	}()

	if !emit(ctx, out, model.Phase("preparing", "Preparing job...")) {
		return
	}
	if err := c.run(ctx, "mkdir -p "+shellQuote(dir), "mkdir"); err != nil {
		fail(err)
		return
	}
	created = true

	if !emit(ctx, out, model.Phase("uploading", "Uploading circuit...")) {
		return
	}
	local, err := os.MkdirTemp("", "qubit-"+job.id+"-")
	if err != nil {
		fail(fmt.Errorf("failed to create temp dir: %w", err))
		return
	}
	defer os.RemoveAll(local)

	input := filepath.Join(local, job.input)
	if err := os.WriteFile(input, job.payload, 0o600); err != nil {
		fail(fmt.Errorf("failed to write input: %w", err))
		return
	}
	if err := c.UploadFile(ctx, input, path.Join(dir, job.input)); err != nil {
		fail(err)
		return
	}

	if !emit(ctx, out, job.build) {
		return
	}
	stream := c.StreamCommand(ctx, c.scriptCommand(dir, job.script))
	for ev := range stream.Events() {
		if !emit(ctx, out, ev) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		fail(err)
		return
	}

	if !emit(ctx, out, model.Phase("downloading", "Downloading results...")) {
		return
	}
	output := filepath.Join(local, resultFile)
	if err := c.DownloadFile(ctx, path.Join(dir, resultFile), output); err != nil {
		fail(err)
		return
	}
	data, err := os.ReadFile(output)
	if err != nil {
		fail(fmt.Errorf("failed to read result: %w", err))
		return
	}
	result, err := job.decode(data)
	if err != nil {
		fail(fmt.Errorf("failed to parse result: %w", err))
		return
	}

	if !emit(ctx, out, model.Phase("cleanup", "Cleaning up...")) {
		return
	}
	if err := c.run(ctx, "rm -rf "+shellQuote(dir), "cleanup"); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("failed to remove scratch dir")
	}
	created = false

	emit(ctx, out, model.CompleteEvent{Message: job.done, Result: result})
}

// cleanupDetached removes a scratch dir after its job was cancelled or
// failed, regardless of the job's own context.
func (c *Client) cleanupDetached(ctx context.Context, dir string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.run(cctx, "rm -rf "+shellQuote(dir), "cleanup"); err != nil && !errors.Is(err, model.ErrNotConnected) {
		c.log.Warn().Err(err).Str("dir", dir).Msg("courtesy cleanup failed")
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
