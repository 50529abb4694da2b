// Copyright 2025 James Ross
// Package restart implements restart-from-job: locate the named job, reset
// the durable suffix, and re-dispatch execution with a stage offset so the
// engine's skip logic reuses every artifact produced before that stage.
package restart

import (
	"context"

	"github.com/flyingrobots/pipeline-orchestrator/internal/engine"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/registry"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"go.uber.org/zap"
)

// Request names the job to restart from, with optional wholesale
// replacement of the pipeline's job options.
type Request struct {
	JobName    string
	JobOptions map[string]pipeline.Opaque
}

// Result reports what the reset touched.
type Result struct {
	PipelineID   string `json:"pipelineId"`
	FromJobName  string `json:"fromJobName"`
	FromJobIndex int    `json:"fromJobIndex"`
	JobsToRerun  int    `json:"jobsToRerun"`
}

type Coordinator struct {
	reg   *registry.Registry
	store storage.Store
	eng   *engine.Engine
	log   *zap.Logger
}

func New(reg *registry.Registry, store storage.Store, eng *engine.Engine, log *zap.Logger) *Coordinator {
	return &Coordinator{reg: reg, store: store, eng: eng, log: log}
}

// RestartFromJob recomputes the chosen job and everything downstream of its
// stage, keeping already-done sibling jobs in the same stage.
func (c *Coordinator) RestartFromJob(ctx context.Context, pipelineID, fromJobName string, req Request, opts engine.StartOptions) (Result, error) {
	st, err := c.store.FindByID(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}
	if st == nil {
		return Result{}, pipelineerr.New(pipelineerr.CodeNotFound, "pipeline not found: "+pipelineID)
	}
	if st.Status == pipeline.StatusProcessing {
		return Result{}, pipelineerr.New(pipelineerr.CodeInvalidState, "pipeline is processing; cannot restart a run in flight")
	}
	cfg, err := c.reg.Lookup(st.PipelineType)
	if err != nil {
		return Result{}, err
	}

	flat := pipeline.Flatten(cfg)
	k := -1
	for i, fj := range flat {
		if fj.Ref.Job.Name == fromJobName {
			k = i
			break
		}
	}
	if k < 0 {
		return Result{}, pipelineerr.New(pipelineerr.CodeJobNotFound, "job not found in pipeline: "+fromJobName)
	}
	sIdx := flat[k].StageIndex

	// Reset set: the target itself (even if done), every downstream stage,
	// and same-stage siblings that never finished. Done siblings keep their
	// artifacts.
	reset := []int{k}
	for i, fj := range flat {
		if i == k {
			continue
		}
		switch {
		case fj.StageIndex > sIdx:
			reset = append(reset, i)
		case fj.StageIndex == sIdx && i < len(st.Jobs) && st.Jobs[i].Status != pipeline.JobDone:
			reset = append(reset, i)
		}
	}
	minIdx := reset[0]
	for _, i := range reset {
		if i < minIdx {
			minIdx = i
		}
	}

	if err := c.store.ResetJobs(ctx, storage.ResetSpec{
		PipelineID:         pipelineID,
		ResetJobIndices:    reset,
		JobOptions:         req.JobOptions,
		NewCurrentJobIndex: minIdx,
	}); err != nil {
		return Result{}, err
	}

	obs.PipelinesRestarted.WithLabelValues(st.PipelineType).Inc()
	c.log.Info("pipeline restart dispatched",
		obs.String("pipeline_id", pipelineID),
		obs.String("from_job", fromJobName),
		obs.Int("from_stage", sIdx),
		obs.Int("jobs_to_rerun", len(reset)))

	if err := c.eng.Dispatch(st.PipelineType, pipelineID, sIdx, opts); err != nil {
		return Result{}, err
	}
	return Result{PipelineID: pipelineID, FromJobName: fromJobName, FromJobIndex: k, JobsToRerun: len(reset)}, nil
}
