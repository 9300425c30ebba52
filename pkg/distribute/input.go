// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import "fmt"

// InputReplicationMode selects how input functions are replicated across workers.
type InputReplicationMode int

const (
	// PerWorkerReplication calls the input function once per worker; each replica on
	// that worker dequeues from the same per-worker stream.
	PerWorkerReplication InputReplicationMode = iota
)

// String implements fmt.Stringer.
func (m InputReplicationMode) String() string {
	switch m {
	case PerWorkerReplication:
		return "PerWorkerReplication"
	default:
		return fmt.Sprintf("InputReplicationMode(%d)", int(m))
	}
}

// Dataset is the contract input pipelines must satisfy; concrete dataset types come
// from the caller.
type Dataset interface {
	Name() string
}

// DatasetFn builds a dataset; used with Strategy.DistributeDataset.
type DatasetFn func() (any, error)

// InputFn builds a per-pipeline input source from the pipeline's InputContext; used
// with Strategy.MakeInputIterator.
type InputFn func(ctx *InputContext) (any, error)

// validateDataset checks that an input or dataset function produced a Dataset.
func validateDataset(value any, origin string) (Dataset, error) {
	if value == nil {
		return nil, errorf(ErrUnimplemented, "%s returned nil instead of a Dataset", origin)
	}
	ds, ok := value.(Dataset)
	if !ok {
		return nil, errorf(ErrUnimplemented, "%s returned %T, which does not implement Dataset", origin, value)
	}
	return ds, nil
}

// InputContext tells one input pipeline where it sits among its peers, so sharding and
// batch-size decisions can be made without global coordination. Immutable once built.
type InputContext struct {
	numInputPipelines int
	inputPipelineID   int
	numReplicasInSync int
}

// NewInputContext builds the context for pipeline inputPipelineID out of
// numInputPipelines, feeding numReplicasInSync replicas.
func NewInputContext(numInputPipelines, inputPipelineID, numReplicasInSync int) (*InputContext, error) {
	if numInputPipelines < 1 {
		return nil, errorf(ErrNotDivisible, "numInputPipelines must be >= 1, got %d", numInputPipelines)
	}
	if inputPipelineID < 0 || inputPipelineID >= numInputPipelines {
		return nil, errorf(ErrNotDivisible, "inputPipelineID must be in [0, %d), got %d",
			numInputPipelines, inputPipelineID)
	}
	if numReplicasInSync < 1 {
		return nil, errorf(ErrNotDivisible, "numReplicasInSync must be >= 1, got %d", numReplicasInSync)
	}
	return &InputContext{
		numInputPipelines: numInputPipelines,
		inputPipelineID:   inputPipelineID,
		numReplicasInSync: numReplicasInSync,
	}, nil
}

// NumInputPipelines returns how many input pipelines exist in total.
func (c *InputContext) NumInputPipelines() int { return c.numInputPipelines }

// InputPipelineID returns this pipeline's index, in [0, NumInputPipelines).
func (c *InputContext) InputPipelineID() int { return c.inputPipelineID }

// NumReplicasInSync returns how many replicas the pipelines feed per step.
func (c *InputContext) NumReplicasInSync() int { return c.numReplicasInSync }

// PerReplicaBatchSize splits a global batch size evenly across the replicas in sync.
// It fails if the global batch size is not divisible by the number of replicas.
func (c *InputContext) PerReplicaBatchSize(globalBatchSize int) (int, error) {
	if globalBatchSize%c.numReplicasInSync != 0 {
		return 0, errorf(ErrNotDivisible,
			"global batch size %d cannot be split evenly across %d replicas",
			globalBatchSize, c.numReplicasInSync)
	}
	return globalBatchSize / c.numReplicasInSync, nil
}

// String implements fmt.Stringer.
func (c *InputContext) String() string {
	return fmt.Sprintf("InputContext(pipeline %d of %d, %d replicas in sync)",
		c.inputPipelineID, c.numInputPipelines, c.numReplicasInSync)
}
