package model

import (
	"encoding/json"
	"fmt"
)

const (
	DefaultStrategy         = "kahn"
	DefaultMaxPartitionSize = 4
)

// GateRef names the gate kind of a placed gate.
type GateRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PlacedGate is one gate on the circuit canvas. A placed gate with a nested
// Circuit stands for a sub-circuit starting at StartQubit.
type PlacedGate struct {
	ID            string         `json:"id,omitempty"`
	Gate          GateRef        `json:"gate"`
	TargetQubits  []int          `json:"targetQubits"`
	ControlQubits []int          `json:"controlQubits"`
	Parameters    []float64      `json:"parameters,omitempty"`
	StartQubit    int            `json:"startQubit,omitempty"`
	Circuit       *NestedCircuit `json:"circuit,omitempty"`
}

// NestedCircuit is the body of a sub-circuit gate.
type NestedCircuit struct {
	Gates []PlacedGate `json:"gates"`
}

// Circuit is the circuit payload of a partition job.
type Circuit struct {
	NumQubits    int               `json:"numQubits"`
	PlacedGates  []PlacedGate      `json:"placedGates"`
	Measurements []json.RawMessage `json:"measurements"`
}

// Validate checks qubit indices against the circuit width.
func (c *Circuit) Validate() error {
	if c.NumQubits <= 0 {
		return fmt.Errorf("%w: numQubits must be positive", ErrCircuitRequired)
	}
	return validateGates(c.PlacedGates, 0, c.NumQubits)
}

func validateGates(gates []PlacedGate, offset, width int) error {
	for i, g := range gates {
		if g.Circuit != nil {
			if err := validateGates(g.Circuit.Gates, offset+g.StartQubit, width); err != nil {
				return err
			}
			continue
		}
		if g.Gate.ID == "" {
			return fmt.Errorf("gate %d: missing gate id", i)
		}
		if len(g.TargetQubits) == 0 {
			return fmt.Errorf("gate %d (%s): no target qubits", i, g.Gate.ID)
		}
		for _, q := range append(append([]int(nil), g.TargetQubits...), g.ControlQubits...) {
			if q+offset < 0 || q+offset >= width {
				return fmt.Errorf("gate %d (%s): qubit %d out of range", i, g.Gate.ID, q+offset)
			}
		}
	}
	return nil
}

// PartitionOptions tune a partition job. Zero values select the defaults.
type PartitionOptions struct {
	Strategy         string `json:"strategy,omitempty"`
	MaxPartitionSize int    `json:"maxPartitionSize,omitempty"`
	SkipDensity      bool   `json:"skipDensity,omitempty"`
	SkipEntropy      bool   `json:"skipEntropy,omitempty"`
	SkipUnitary      bool   `json:"skipUnitary,omitempty"`
	NumShots         int    `json:"numShots,omitempty"`
}

// WithDefaults fills unset options.
func (o PartitionOptions) WithDefaults() PartitionOptions {
	if o.Strategy == "" {
		o.Strategy = DefaultStrategy
	}
	if o.MaxPartitionSize <= 0 {
		o.MaxPartitionSize = DefaultMaxPartitionSize
	}
	return o
}

// PartitionPayload is everything a partition job needs.
type PartitionPayload struct {
	Circuit Circuit          `json:"circuit"`
	Options PartitionOptions `json:"options"`
}

// ImportPayload is everything an import job needs.
type ImportPayload struct {
	Qasm string `json:"qasm"`
}

// Validate rejects empty QASM sources.
func (p *ImportPayload) Validate() error {
	if p.Qasm == "" {
		return ErrQasmRequired
	}
	return nil
}

// StageError records an optional analysis stage that failed or timed out.
type StageError struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// PartitionGate is a gate as reported inside a partition.
type PartitionGate struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TargetQubits  []int  `json:"targetQubits"`
	ControlQubits []int  `json:"controlQubits"`
}

// Partition is one block of the partitioned circuit.
type Partition struct {
	Index     int             `json:"index"`
	NumGates  int             `json:"numGates"`
	Qubits    []int           `json:"qubits"`
	NumQubits int             `json:"numQubits"`
	Gates     []PartitionGate `json:"gates"`
}

// PartitionResult is the result of a partition job.
type PartitionResult struct {
	Strategy         string                     `json:"strategy"`
	MaxPartitionSize int                        `json:"maxPartitionSize"`
	TotalPartitions  int                        `json:"totalPartitions"`
	TotalGates       int                        `json:"totalGates"`
	Partitions       []Partition                `json:"partitions"`
	Analysis         map[string]json.RawMessage `json:"analysis,omitempty"`
	Errors           []StageError               `json:"errors"`
}

// ImportResult is the circuit recovered from a QASM source.
type ImportResult struct {
	NumQubits   int          `json:"numQubits"`
	PlacedGates []PlacedGate `json:"placedGates"`
	Parameters  []float64    `json:"parameters,omitempty"`
}
