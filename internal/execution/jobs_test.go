package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfaarizi/qubit/internal/model"
)

type fakeRoutine struct {
	mu        sync.Mutex
	partition func(ctx context.Context, p model.PartitionPayload) (*model.PartitionResult, error)
	calls     []string
}

func (r *fakeRoutine) Partition(ctx context.Context, jobID string, p model.PartitionPayload) (*model.PartitionResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, jobID)
	r.mu.Unlock()
	return r.partition(ctx, p)
}

func (r *fakeRoutine) ImportQasm(ctx context.Context, jobID string, p model.ImportPayload) (*model.ImportResult, error) {
	return &model.ImportResult{NumQubits: 2, PlacedGates: []model.PlacedGate{}}, nil
}

func samplePayload() model.PartitionPayload {
	return model.PartitionPayload{
		Circuit: model.Circuit{
			NumQubits: 2,
			PlacedGates: []model.PlacedGate{
				{ID: "g1", Gate: model.GateRef{ID: "h"}, TargetQubits: []int{0}},
				{ID: "g2", Gate: model.GateRef{ID: "cnot"}, TargetQubits: []int{1}, ControlQubits: []int{0}},
			},
		},
	}
}

func TestRunPartition_Local(t *testing.T) {
	ctx := context.Background()

	t.Run("completes with the routine's result", func(t *testing.T) {
		routine := &fakeRoutine{partition: func(ctx context.Context, p model.PartitionPayload) (*model.PartitionResult, error) {
			return &model.PartitionResult{Strategy: "kahn", MaxPartitionSize: 4, TotalPartitions: 1, TotalGates: 2}, nil
		}}
		c := connectedClient(t, newTestFactory(t, ModeLocal, Deps{Routine: routine}))

		events := collect(t, c.RunPartition(ctx, "job-1", samplePayload()))

		require.Len(t, events, 2)
		assert.Equal(t, model.Phase("preparing", "Running partition locally..."), events[0])
		done, ok := events[1].(model.CompleteEvent)
		require.True(t, ok)
		assert.Equal(t, "Partition completed successfully", done.Message)
		assert.Equal(t, 2, done.Result.(*model.PartitionResult).TotalGates)
		assert.Equal(t, []string{"job-1"}, routine.calls)
	})

	t.Run("routine failure becomes an error event", func(t *testing.T) {
		routine := &fakeRoutine{partition: func(ctx context.Context, p model.PartitionPayload) (*model.PartitionResult, error) {
			return nil, errors.New("unsupported gate: FOO")
		}}
		c := connectedClient(t, newTestFactory(t, ModeLocal, Deps{Routine: routine}))

		events := collect(t, c.RunPartition(ctx, "job-1", samplePayload()))

		require.Len(t, events, 2)
		assert.Equal(t, model.ErrorEvent{Message: "unsupported gate: FOO"}, events[1])
	})

	t.Run("cancellation emits nothing terminal", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		routine := &fakeRoutine{partition: func(ctx context.Context, p model.PartitionPayload) (*model.PartitionResult, error) {
			<-release
			return &model.PartitionResult{}, nil
		}}
		c := connectedClient(t, newTestFactory(t, ModeLocal, Deps{Routine: routine}))
		jctx, cancel := context.WithCancel(ctx)

		events := c.RunPartition(jctx, "job-1", samplePayload())
		first := <-events
		assert.Equal(t, "preparing", first.(model.PhaseEvent).Phase)
		cancel()

		assert.Empty(t, collect(t, events))
	})

	t.Run("missing routine fails the job", func(t *testing.T) {
		c := connectedClient(t, newTestFactory(t, ModeLocal, Deps{}))

		events := collect(t, c.ImportQasm(ctx, "job-2", model.ImportPayload{Qasm: "OPENQASM 2.0;"}))

		require.Len(t, events, 2)
		assert.True(t, model.IsTerminal(events[1]))
		assert.IsType(t, model.ErrorEvent{}, events[1])
	})
}

// partitionScriptHost answers the partition command by printing progress
// and writing a result next to the uploaded circuit.
func partitionScriptHost() *memHost {
	host := newMemHost()
	host.script = func(h *memHost, dir string, stdout, stderr io.Writer) int {
		if _, ok := h.file(dir + "/circuit.json"); !ok {
			fmt.Fprintln(stderr, "circuit.json not found")
			return 1
		}
		fmt.Fprintln(stdout, "[1/3] Building circuit...")
		fmt.Fprintln(stdout, "[2/3] Partitioning circuit (strategy: kahn)...")
		fmt.Fprintln(stdout, "100%")
		h.put(dir+"/result.json", []byte(`{"strategy":"kahn","maxPartitionSize":4,"totalPartitions":1,"totalGates":2,"partitions":[{"index":0,"numGates":2,"qubits":[0,1],"numQubits":2,"gates":[]}],"errors":[]}`))
		return 0
	}
	return host
}

func TestRunPartition_Remote(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every phase and cleans up", func(t *testing.T) {
		host := partitionScriptHost()
		c := connectedClient(t, newTestFactory(t, ModeRemote, Deps{Dialer: host}))

		events := collect(t, c.RunPartition(ctx, "job-1", samplePayload()))

		assert.Equal(t, []string{"preparing", "uploading", "building", "downloading", "cleanup"}, phases(events))
		last := events[len(events)-1]
		done, ok := last.(model.CompleteEvent)
		require.True(t, ok, "last event is %T", last)
		assert.Equal(t, "Partition completed successfully", done.Message)
		result := done.Result.(*model.PartitionResult)
		assert.Equal(t, 1, result.TotalPartitions)

		hundred := 100
		assert.Contains(t, events, model.Event(model.LogEvent{Message: "100%", Progress: &hundred}))

		cmds := host.ran()
		require.Len(t, cmds, 3)
		assert.Equal(t, "mkdir -p '/scratch/job-1'", cmds[0])
		assert.True(t, strings.HasPrefix(cmds[1], "cd '/scratch/job-1' && PYTHONUNBUFFERED=1 python3 << 'EOF'\n"))
		assert.True(t, strings.HasSuffix(cmds[1], "EOF"))
		assert.Equal(t, "rm -rf '/scratch/job-1'", cmds[2])
		_, left := host.file("/scratch/job-1/result.json")
		assert.False(t, left, "scratch dir removed")
	})

	t.Run("uploads the circuit with defaults applied", func(t *testing.T) {
		host := newMemHost()
		var uploaded []byte
		host.script = func(h *memHost, dir string, stdout, stderr io.Writer) int {
			uploaded, _ = h.file(dir + "/circuit.json")
			return 1
		}
		c := connectedClient(t, newTestFactory(t, ModeRemote, Deps{Dialer: host}))

		collect(t, c.RunPartition(ctx, "job-1", samplePayload()))

		var doc map[string]any
		require.NoError(t, json.Unmarshal(uploaded, &doc))
		assert.Equal(t, "kahn", doc["strategy"])
		assert.EqualValues(t, 4, doc["maxPartitionSize"])
		assert.EqualValues(t, 2, doc["numQubits"])
		assert.Len(t, doc["placedGates"], 2)
		assert.Equal(t, []any{}, doc["measurements"])
	})

	t.Run("script failure is one error event with stderr", func(t *testing.T) {
		host := newMemHost()
		host.script = func(h *memHost, dir string, stdout, stderr io.Writer) int {
			fmt.Fprintln(stdout, "[1/3] Building circuit...")
			fmt.Fprintln(stderr, "ValueError: Unsupported gate: FOO")
			return 1
		}
		c := connectedClient(t, newTestFactory(t, ModeRemote, Deps{Dialer: host}))

		events := collect(t, c.RunPartition(ctx, "job-1", samplePayload()))

		var terminal []model.Event
		for _, ev := range events {
			if model.IsTerminal(ev) {
				terminal = append(terminal, ev)
			}
		}
		require.Len(t, terminal, 1)
		errEv, ok := terminal[0].(model.ErrorEvent)
		require.True(t, ok)
		assert.Contains(t, errEv.Message, "Unsupported gate: FOO")
		assert.Equal(t, events[len(events)-1], terminal[0])

		cmds := host.ran()
		assert.Equal(t, "rm -rf '/scratch/job-1'", cmds[len(cmds)-1], "failed jobs are cleaned up")
	})

	t.Run("missing result fails the download", func(t *testing.T) {
		host := newMemHost()
		c := connectedClient(t, newTestFactory(t, ModeRemote, Deps{Dialer: host}))

		events := collect(t, c.RunPartition(ctx, "job-1", samplePayload()))

		assert.Equal(t, []string{"preparing", "uploading", "building", "downloading"}, phases(events))
		assert.IsType(t, model.ErrorEvent{}, events[len(events)-1])
	})

	t.Run("cancellation mid-stream cleans up without a terminal event", func(t *testing.T) {
		release := make(chan struct{})
		host := newMemHost()
		host.script = func(h *memHost, dir string, stdout, stderr io.Writer) int {
			fmt.Fprintln(stdout, "[1/3] Building circuit...")
			<-release
			fmt.Fprintln(stdout, "[2/3] Partitioning circuit (strategy: kahn)...")
			return 0
		}
		c := connectedClient(t, newTestFactory(t, ModeRemote, Deps{Dialer: host}))

		jobCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events := c.RunPartition(jobCtx, "job-c", samplePayload())

		var seen []model.Event
		timeout := time.After(5 * time.Second)
	waitLog:
		for {
			select {
			case ev, ok := <-events:
				require.True(t, ok, "stream ended before any output")
				seen = append(seen, ev)
				if _, isLog := ev.(model.LogEvent); isLog {
					break waitLog
				}
			case <-timeout:
				t.Fatal("timed out waiting for output")
			}
		}

		cancel()
		close(release)
		seen = append(seen, collect(t, events)...)

		for _, ev := range seen {
			assert.False(t, model.IsTerminal(ev), "unexpected terminal event %#v", ev)
		}
		assert.Contains(t, host.ran(), "rm -rf '/scratch/job-c'", "courtesy cleanup runs after cancellation")
		_, left := host.file("/scratch/job-c/circuit.json")
		assert.False(t, left)
	})

	t.Run("import converts qasm", func(t *testing.T) {
		host := newMemHost()
		host.script = func(h *memHost, dir string, stdout, stderr io.Writer) int {
			if src, _ := h.file(dir + "/circuit.qasm"); !strings.HasPrefix(string(src), "OPENQASM") {
				return 1
			}
			h.put(dir+"/result.json", []byte(`{"numQubits":1,"placedGates":[{"id":"gate-001","gate":{"id":"h","name":"H"},"targetQubits":[0],"controlQubits":[]}]}`))
			return 0
		}
		c := connectedClient(t, newTestFactory(t, ModeRemote, Deps{Dialer: host}))

		events := collect(t, c.ImportQasm(ctx, "job-2", model.ImportPayload{Qasm: "OPENQASM 2.0;\nqreg q[1];\nh q[0];\n"}))

		assert.Equal(t, []string{"preparing", "uploading", "converting", "downloading", "cleanup"}, phases(events))
		done := events[len(events)-1].(model.CompleteEvent)
		assert.Equal(t, "Import completed successfully", done.Message)
		assert.Equal(t, 1, done.Result.(*model.ImportResult).NumQubits)
	})
}

func TestAnalysisStages(t *testing.T) {
	assert.Equal(t, []string{StageDensityMatrix, StageEntropy, StageUnitary}, AnalysisStages(model.PartitionOptions{}))
	assert.Equal(t, []string{StageEntropy}, AnalysisStages(model.PartitionOptions{SkipDensity: true, SkipUnitary: true}))
	assert.Empty(t, AnalysisStages(model.PartitionOptions{SkipDensity: true, SkipEntropy: true, SkipUnitary: true}))
}

func TestScriptCommand(t *testing.T) {
	f := newTestFactory(t, ModeRemote, Deps{Dialer: newMemHost()})
	c := f.newClient("")
	c.cfg.SquanderPath = "/opt/it's here"

	cmd := c.scriptCommand("/scratch/job-1", "print('hi')")

	assert.Equal(t, "cd '/scratch/job-1' && PYTHONUNBUFFERED=1 SQUANDER_PATH='/opt/it'\\''s here' python3 << 'EOF'\nprint('hi')\nEOF", cmd)
}
