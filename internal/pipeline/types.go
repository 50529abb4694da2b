// Copyright 2025 James Ross
// Package pipeline holds the declarative pipeline configuration types, the
// durable state shape persisted by storage, and the synapse context exposed
// to jobs. It has no I/O of its own; engine, restart, query and storage all
// build on these types.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Opaque carries values across the untyped input/options/artifact/error-data
// boundary. The core never introspects it beyond JSON-marshal/unmarshal at
// the storage edge.
type Opaque = any

// JobContext is handed to a job's Execute function. Jobs have no direct
// access to other jobs' artifacts or to the pipeline input; only the
// resolved jobInput and options reach them.
type JobContext struct {
	PipelineID string
	JobIndex   int
	Logger     *zap.Logger
}

// ExecuteFunc is a job's pure-ish black-box unit of work.
type ExecuteFunc func(ctx context.Context, input Opaque, options Opaque, jctx JobContext) (artifact Opaque, err error)

// JobDef is a named unit of work.
type JobDef struct {
	Name    string
	Execute ExecuteFunc
}

// SynapseContext is the ephemeral, per-execution, per-synapse-call view a
// synapse reads from. It is a read-only snapshot: PipelineInput plus a
// lookup over artifacts already produced in this execution. A synapse may
// only read artifacts of jobs whose stage index is strictly less than its
// own; the engine fills the map with artifacts from already-joined stages
// and writes a stage's new artifacts only after that stage joins, so jobs
// running together in one stage never see each other's output. When a stage
// is resumed after a restart, the artifacts of its jobs that were already
// done are loaded into the map before the remaining jobs' synapses run.
type SynapseContext struct {
	PipelineInput Opaque
	artifacts     map[string]Opaque
}

// NewSynapseContext builds a context view over the given input and the
// artifacts map owned exclusively by the execution currently running.
func NewSynapseContext(input Opaque, artifacts map[string]Opaque) SynapseContext {
	return SynapseContext{PipelineInput: input, artifacts: artifacts}
}

// GetArtifact looks up a previously produced artifact by job name. The
// second return value is false if that job has not (yet, from this
// synapse's point of view) produced one.
func (c SynapseContext) GetArtifact(jobName string) (Opaque, bool) {
	v, ok := c.artifacts[jobName]
	return v, ok
}

// SynapseFunc computes a job's input from the context view of the pipeline.
type SynapseFunc func(ctx SynapseContext) Opaque

// JobRef bundles a job definition with its wiring: an optional synapse, and
// retry policy.
type JobRef struct {
	Job        JobDef
	Synapse    SynapseFunc // nil => use the stage's defaultInput
	Retries    int         // default 0
	RetryDelay time.Duration // default 1s
}

// Stage is either a single job reference or an ordered set of job
// references meant to run in parallel. Build one with JobStage, RefStage or
// Parallel.
type Stage struct {
	Jobs []JobRef
}

// JobStage normalizes a bare job definition into a one-job stage with no
// synapse and default retry policy.
func JobStage(def JobDef) Stage {
	return Stage{Jobs: []JobRef{{Job: def}}}
}

// RefStage normalizes a single job reference into a one-job stage.
func RefStage(ref JobRef) Stage {
	return Stage{Jobs: []JobRef{ref}}
}

// Parallel builds a stage out of several job references intended to run
// concurrently.
func Parallel(refs ...JobRef) Stage {
	return Stage{Jobs: refs}
}

// InputHashFunc is a pure function from input to a short string used in
// place of the default content hash, letting a pipeline define its own
// memoization key (e.g. hashing only a subset of the input).
type InputHashFunc func(input Opaque) string

// Config is an immutable, in-process pipeline definition.
type Config struct {
	Name             string
	Stages           []Stage
	ComputeInputHash InputHashFunc // optional
}

// Status is the coarse lifecycle state of a pipeline run.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusDone        Status = "done"
	StatusError       Status = "error"
)

// JobStatus is the lifecycle state of one job within a run.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobError      JobStatus = "error"
)

// ErrorRecord is one captured failed attempt.
type ErrorRecord struct {
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	Attempt int       `json:"attempt"`
	Logs    Opaque    `json:"logs,omitempty"`
	Data    Opaque    `json:"data,omitempty"`
}

// JobState is the durable, per-job element of a pipeline run.
type JobState struct {
	Name        string        `json:"name"`
	Status      JobStatus     `json:"status"`
	Input       Opaque        `json:"input,omitempty"`
	Options     Opaque        `json:"options,omitempty"`
	Artifact    Opaque        `json:"artifact,omitempty"`
	ArtifactSet bool          `json:"artifactSet"`
	Errors      []ErrorRecord `json:"errors,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	FinishedAt  *time.Time    `json:"finishedAt,omitempty"`
	RetryCount  int           `json:"retryCount"`
	MaxRetries  int           `json:"maxRetries"`
}

// State is the durable record for one pipeline run, keyed by PipelineID.
type State struct {
	PipelineID      string              `json:"pipelineId"`
	PipelineType    string              `json:"pipelineType"`
	Status          Status              `json:"status"`
	CurrentJobIndex int                 `json:"currentJobIndex"`
	Input           Opaque              `json:"input"`
	JobOptions      map[string]Opaque   `json:"jobOptions,omitempty"`
	Jobs            []JobState          `json:"jobs"`
	ConfigHash      string              `json:"configHash"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// Clone returns a deep-enough copy of the state for callers that mutate the
// returned value without racing the owner (storage backends return these
// from findById instead of handing out internal pointers).
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Jobs = make([]JobState, len(s.Jobs))
	copy(cp.Jobs, s.Jobs)
	for i := range cp.Jobs {
		if s.Jobs[i].Errors != nil {
			cp.Jobs[i].Errors = make([]ErrorRecord, len(s.Jobs[i].Errors))
			copy(cp.Jobs[i].Errors, s.Jobs[i].Errors)
		}
	}
	if s.JobOptions != nil {
		cp.JobOptions = make(map[string]Opaque, len(s.JobOptions))
		for k, v := range s.JobOptions {
			cp.JobOptions[k] = v
		}
	}
	return &cp
}
