// Copyright 2025 James Ross
// Package engine runs pipelines: stage-by-stage scheduling with intra-stage
// fan-out, synapse resolution, per-job retry with back-off, and durable
// state persisted through the storage contract at every transition.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/registry"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRetryDelay = time.Second

// StartRequest carries the opaque run input and per-job options.
type StartRequest struct {
	Data       pipeline.Opaque
	JobOptions map[string]pipeline.Opaque
}

// StartOptions tune one start/restart call. OnExecutionStart receives the
// background execution's completion channel; serverless hosts register it
// with their keep-alive-past-response primitive. Conventional deployments
// leave it nil and the execution simply runs to completion on its own.
type StartOptions struct {
	OnExecutionStart func(done <-chan error)
}

// StartResult is what a start call returns immediately, before execution.
type StartResult struct {
	PipelineID string `json:"pipelineId"`
	IsNew      bool   `json:"isNew"`
}

type Engine struct {
	reg   *registry.Registry
	store storage.Store
	log   *zap.Logger
}

func New(reg *registry.Registry, store storage.Store, log *zap.Logger) *Engine {
	return &Engine{reg: reg, store: store, log: log}
}

// StartPipeline is idempotent on the content-addressed pipeline ID: a second
// call with identical input returns the existing record without starting
// execution, unless the config hash changed, in which case the old record is
// deleted and a fresh run begins.
func (e *Engine) StartPipeline(ctx context.Context, pipelineType string, req StartRequest, opts StartOptions) (StartResult, error) {
	cfg, err := e.reg.Lookup(pipelineType)
	if err != nil {
		return StartResult{}, err
	}
	id, err := pipeline.ComputePipelineID(cfg, req.Data)
	if err != nil {
		return StartResult{}, pipelineerr.Wrap(pipelineerr.CodeInvalidInput, "input is not serializable", err)
	}
	hash := pipeline.ComputeConfigHash(cfg)

	// The find-then-create sequence has a race window under concurrent
	// starts of the same input; Create fails on duplicate key and we fall
	// back to re-reading, so the second caller observes the existing record
	// instead of an error.
	for attempt := 0; ; attempt++ {
		existing, err := e.store.FindByID(ctx, id)
		if err != nil {
			return StartResult{}, err
		}
		if existing != nil {
			if existing.ConfigHash == hash {
				obs.PipelinesReused.WithLabelValues(pipelineType).Inc()
				return StartResult{PipelineID: id, IsNew: false}, nil
			}
			// Shape changed; the old run is no longer trustworthy.
			if _, err := e.store.Delete(ctx, id); err != nil {
				return StartResult{}, err
			}
			obs.PipelinesInvalidated.WithLabelValues(pipelineType).Inc()
			e.log.Info("pipeline invalidated on config change",
				obs.String("pipeline_id", id),
				obs.String("pipeline_type", pipelineType),
				obs.String("old_hash", existing.ConfigHash),
				obs.String("new_hash", hash))
		}

		state := newState(cfg, id, hash, req)
		if _, err := e.store.Create(ctx, state); err != nil {
			if pe, ok := pipelineerr.As(err); ok && pe.Code == pipelineerr.CodeDuplicatePipelineID && attempt == 0 {
				continue // lost the race; re-read and take a second look at the hash
			}
			return StartResult{}, err
		}
		break
	}

	obs.PipelinesStarted.WithLabelValues(pipelineType).Inc()
	if err := e.Dispatch(pipelineType, id, 0, opts); err != nil {
		return StartResult{}, err
	}
	return StartResult{PipelineID: id, IsNew: true}, nil
}

// DeletePipeline removes a durable record, for operator cleanup.
func (e *Engine) DeletePipeline(ctx context.Context, id string) error {
	deleted, err := e.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return pipelineerr.New(pipelineerr.CodeNotFound, "pipeline not found: "+id)
	}
	return nil
}

func newState(cfg pipeline.Config, id, hash string, req StartRequest) *pipeline.State {
	flat := pipeline.Flatten(cfg)
	jobs := make([]pipeline.JobState, len(flat))
	for i, fj := range flat {
		jobs[i] = pipeline.JobState{Name: fj.Ref.Job.Name, Status: pipeline.JobPending}
	}
	return &pipeline.State{
		PipelineID:      id,
		PipelineType:    cfg.Name,
		Status:          pipeline.StatusProcessing,
		CurrentJobIndex: 0,
		Input:           req.Data,
		JobOptions:      req.JobOptions,
		Jobs:            jobs,
		ConfigHash:      hash,
	}
}

// Dispatch launches the execution loop as a background task starting at the
// given stage. The restart coordinator calls it with a non-zero offset after
// resetting durable state; StartPipeline always dispatches from stage 0.
func (e *Engine) Dispatch(pipelineType, pipelineID string, startFromStage int, opts StartOptions) error {
	cfg, err := e.reg.Lookup(pipelineType)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		err := e.run(context.Background(), cfg, pipelineID, startFromStage)
		if err != nil {
			// Storage failures mid-run abort the task; the record may be
			// left mid-flight in processing until the watchdog reclaims it.
			e.log.Error("pipeline execution aborted",
				obs.String("pipeline_id", pipelineID),
				obs.String("pipeline_type", pipelineType),
				obs.Err(err))
		}
		done <- err
	}()
	if opts.OnExecutionStart != nil {
		opts.OnExecutionStart(done)
	}
	return nil
}

type jobRun struct {
	ref pipeline.JobRef
	idx int
}

type jobResult struct {
	name       string
	artifact   pipeline.Opaque
	failed     bool
	storageErr error
}

func (e *Engine) run(ctx context.Context, cfg pipeline.Config, pipelineID string, startFromStage int) error {
	execID := uuid.NewString()
	log := e.log.With(
		obs.String("pipeline_id", pipelineID),
		obs.String("pipeline_type", cfg.Name),
		obs.String("execution_id", execID))

	st, err := e.store.FindByID(ctx, pipelineID)
	if err != nil {
		return err
	}
	if st == nil {
		return pipelineerr.New(pipelineerr.CodeNotFound, "pipeline not found: "+pipelineID)
	}
	flat := pipeline.Flatten(cfg)
	if len(st.Jobs) != len(flat) {
		return pipelineerr.New(pipelineerr.CodeInvalidState,
			fmt.Sprintf("pipeline %s has %d durable jobs but the registered config flattens to %d", pipelineID, len(st.Jobs), len(flat)))
	}

	// The artifact map is owned exclusively by this execution; stage
	// goroutines read it through the synapse context and only the joined
	// loop below ever writes to it.
	artifacts := make(map[string]pipeline.Opaque)
	defaultInput := st.Input

	flatIdx := 0
	for s, stage := range cfg.Stages {
		n := len(stage.Jobs)

		if s < startFromStage {
			// Restart skip: prior artifacts stay available downstream.
			for i := 0; i < n; i++ {
				js := st.Jobs[flatIdx+i]
				if js.Status == pipeline.JobDone {
					artifacts[js.Name] = js.Artifact
				}
			}
			if n == 1 && st.Jobs[flatIdx].Status == pipeline.JobDone {
				defaultInput = st.Jobs[flatIdx].Artifact
			}
			flatIdx += n
			continue
		}

		var toExecute []jobRun
		for i := 0; i < n; i++ {
			idx := flatIdx + i
			js := st.Jobs[idx]
			if js.Status == pipeline.JobDone {
				artifacts[js.Name] = js.Artifact
				continue
			}
			toExecute = append(toExecute, jobRun{ref: stage.Jobs[i], idx: idx})
		}
		if len(toExecute) == 0 {
			if n == 1 {
				defaultInput = st.Jobs[flatIdx].Artifact
			}
			flatIdx += n
			continue
		}

		now := time.Now().UTC()
		for _, jr := range toExecute {
			if err := e.store.UpdateJobStatus(ctx, pipelineID, jr.idx, pipeline.JobProcessing, &now); err != nil {
				return err
			}
		}

		stageStart := time.Now()
		sctx := pipeline.NewSynapseContext(st.Input, artifacts)
		results := make([]jobResult, len(toExecute))
		var wg sync.WaitGroup
		for i, jr := range toExecute {
			wg.Add(1)
			go func(i int, jr jobRun) {
				defer wg.Done()
				results[i] = e.runJob(ctx, pipelineID, jr, sctx, defaultInput, st.JobOptions, log)
			}(i, jr)
		}
		wg.Wait()
		obs.StageDuration.Observe(time.Since(stageStart).Seconds())

		anyFailed := false
		for _, r := range results {
			if r.storageErr != nil {
				return r.storageErr
			}
			if r.failed {
				anyFailed = true
			}
		}
		if anyFailed {
			if err := e.store.UpdateStatus(ctx, pipelineID, pipeline.StatusError); err != nil {
				return err
			}
			obs.PipelinesFailed.WithLabelValues(cfg.Name).Inc()
			log.Error("pipeline failed", obs.Int("stage", s))
			return nil
		}

		for _, r := range results {
			artifacts[r.name] = r.artifact
		}
		if n == 1 {
			defaultInput = results[0].artifact
		}
		flatIdx += n
	}

	if err := e.store.UpdateStatus(ctx, pipelineID, pipeline.StatusDone); err != nil {
		return err
	}
	obs.PipelinesCompleted.WithLabelValues(cfg.Name).Inc()
	log.Info("pipeline completed")
	return nil
}

func (e *Engine) runJob(ctx context.Context, pipelineID string, jr jobRun, sctx pipeline.SynapseContext, defaultInput pipeline.Opaque, jobOptions map[string]pipeline.Opaque, log *zap.Logger) jobResult {
	name := jr.ref.Job.Name
	jlog := log.With(obs.String("job", name), obs.Int("job_index", jr.idx))

	jobInput := defaultInput
	if jr.ref.Synapse != nil {
		jobInput = jr.ref.Synapse(sctx)
	}
	options := jobOptions[name]

	if err := e.store.UpdateJobInput(ctx, pipelineID, jr.idx, jobInput, options); err != nil {
		return jobResult{name: name, storageErr: err}
	}
	if jr.ref.Retries > 0 {
		if err := e.store.UpdateJobRetryCount(ctx, pipelineID, jr.idx, 0, jr.ref.Retries); err != nil {
			return jobResult{name: name, storageErr: err}
		}
	}

	retryDelay := jr.ref.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	jctx := pipeline.JobContext{PipelineID: pipelineID, JobIndex: jr.idx, Logger: jlog}

	for attempt := 0; attempt <= jr.ref.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
			if err := e.store.UpdateJobRetryCount(ctx, pipelineID, jr.idx, attempt, jr.ref.Retries); err != nil {
				return jobResult{name: name, storageErr: err}
			}
			// startedAt stays at the first attempt of this run
			if err := e.store.UpdateJobStatus(ctx, pipelineID, jr.idx, pipeline.JobProcessing, nil); err != nil {
				return jobResult{name: name, storageErr: err}
			}
			obs.JobsRetried.Inc()
		}

		obs.JobsExecuted.Inc()
		artifact, execErr := invoke(ctx, jr.ref.Job.Execute, jobInput, options, jctx)
		if execErr == nil {
			now := time.Now().UTC()
			if err := e.store.UpdateJobArtifact(ctx, pipelineID, jr.idx, artifact, now); err != nil {
				return jobResult{name: name, storageErr: err}
			}
			jlog.Info("job done", obs.Int("attempt", attempt))
			return jobResult{name: name, artifact: artifact}
		}

		rec := pipeline.ErrorRecord{Message: execErr.Error(), Stack: stackOf(execErr), Attempt: attempt}
		isFinal := attempt == jr.ref.Retries
		var finishedAt *time.Time
		if isFinal {
			now := time.Now().UTC()
			finishedAt = &now
		}
		if err := e.store.AppendJobError(ctx, pipelineID, jr.idx, rec, isFinal, finishedAt); err != nil {
			return jobResult{name: name, storageErr: err}
		}
		if isFinal {
			obs.JobsFailed.Inc()
			jlog.Error("job failed", obs.Int("attempt", attempt), obs.Err(execErr))
			return jobResult{name: name, failed: true}
		}
		jlog.Warn("job attempt failed, retrying", obs.Int("attempt", attempt), obs.Err(execErr))
	}
	// unreachable: the loop always returns on the final attempt
	return jobResult{name: name, failed: true}
}

type panicError struct {
	val   any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("%v", p.val) }

func stackOf(err error) string {
	if pe, ok := err.(*panicError); ok {
		return string(pe.stack)
	}
	return ""
}

// invoke shields the engine from panicking job code; a panic becomes an
// error record carrying the goroutine stack.
func invoke(ctx context.Context, exec pipeline.ExecuteFunc, input, options pipeline.Opaque, jctx pipeline.JobContext) (artifact pipeline.Opaque, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifact = nil
			err = &panicError{val: r, stack: debug.Stack()}
		}
	}()
	return exec(ctx, input, options, jctx)
}
