package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfaarizi/qubit/internal/buffer"
	"github.com/alfaarizi/qubit/internal/model"
)

// DefaultStepTimeout bounds each optional analysis stage of a local job.
const DefaultStepTimeout = 60 * time.Second

// Routine computes jobs on this machine.
type Routine interface {
	Partition(ctx context.Context, jobID string, payload model.PartitionPayload) (*model.PartitionResult, error)
	ImportQasm(ctx context.Context, jobID string, payload model.ImportPayload) (*model.ImportResult, error)
}

// ScriptRoutine runs the embedded job scripts with a local interpreter. The
// partition step must succeed; each analysis stage runs separately under
// its own timeout and a failing stage is recorded in the result instead of
// failing the job.
type ScriptRoutine struct {
	python       string
	squanderPath string
	stepTimeout  time.Duration
	log          zerolog.Logger
}

// NewScriptRoutine creates a routine running python.
func NewScriptRoutine(python, squanderPath string, stepTimeout time.Duration, logger zerolog.Logger) *ScriptRoutine {
	if python == "" {
		python = "python3"
	}
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &ScriptRoutine{
		python:       python,
		squanderPath: squanderPath,
		stepTimeout:  stepTimeout,
		log:          logger.With().Str("component", "routine").Logger(),
	}
}

func (r *ScriptRoutine) Partition(ctx context.Context, jobID string, payload model.PartitionPayload) (*model.PartitionResult, error) {
	dir, err := os.MkdirTemp("", "qubit-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	doc := newPartitionDocument(payload)
	core := doc
	core.Options.SkipDensity, core.Options.SkipEntropy, core.Options.SkipUnitary = true, true, true

	var result model.PartitionResult
	if err := r.runJSON(ctx, dir, partitionScript, circuitFile, core, &result); err != nil {
		return nil, err
	}

	result.Analysis = make(map[string]json.RawMessage)
	result.Errors = []model.StageError{}
	for _, stage := range AnalysisStages(doc.Options) {
		value, err := r.runStage(ctx, dir, doc, stage)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			r.log.Warn().Err(err).Str("job_id", jobID).Str("stage", stage).Msg("analysis stage failed")
			result.Analysis[stage] = json.RawMessage("null")
			result.Errors = append(result.Errors, model.StageError{Stage: stage, Error: err.Error()})
			continue
		}
		result.Analysis[stage] = value
	}
	return &result, nil
}

// runStage computes one analysis stage under the step timeout.
func (r *ScriptRoutine) runStage(ctx context.Context, dir string, doc partitionDocument, stage string) (json.RawMessage, error) {
	sctx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	doc.OnlyStage = stage
	var partial model.PartitionResult
	err := r.runJSON(sctx, dir, partitionScript, circuitFile, doc, &partial)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Stage: stage, After: r.stepTimeout}
	}
	if err != nil {
		return nil, err
	}
	for _, se := range partial.Errors {
		if se.Stage == stage {
			return nil, errors.New(se.Error)
		}
	}
	value, ok := partial.Analysis[stage]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return value, nil
}

func (r *ScriptRoutine) ImportQasm(ctx context.Context, jobID string, payload model.ImportPayload) (*model.ImportResult, error) {
	dir, err := os.MkdirTemp("", "qubit-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var result model.ImportResult
	if err := r.run(ctx, dir, importScript, qasmFile, []byte(payload.Qasm), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *ScriptRoutine) runJSON(ctx context.Context, dir, name, input string, doc any, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.run(ctx, dir, name, input, data, out)
}

// run writes input into dir, runs the named script there and decodes the
// result file it leaves behind.
func (r *ScriptRoutine) run(ctx context.Context, dir, name, input string, data []byte, out any) error {
	if err := os.WriteFile(filepath.Join(dir, input), data, 0o600); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	output := filepath.Join(dir, resultFile)
	os.Remove(output)

	cmd := exec.CommandContext(ctx, r.python, "-")
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(script(name))
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if r.squanderPath != "" {
		cmd.Env = append(cmd.Env, "SQUANDER_PATH="+r.squanderPath)
	}
	stderr := buffer.NewTail(stderrCapacity)
	cmd.Stderr = stderr

	code, err := exitStatus(ctx, cmd.Run())
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExecutionError{Op: "local " + strings.TrimSuffix(filepath.Base(name), ".py"), ExitCode: code, Stderr: strings.TrimSpace(stderr.String())}
	}

	result, err := os.ReadFile(output)
	if err != nil {
		return fmt.Errorf("failed to read result: %w", err)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to parse result: %w", err)
	}
	return nil
}
