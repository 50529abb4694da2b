// Copyright 2025 James Ross
// Package query projects durable pipeline state into the client-facing
// status/result views: stage grouping per the registered config, current
// job identification, and a top-level error summary for failed runs.
package query

import (
	"context"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/registry"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
)

// JobView is the per-job slice of a status response.
type JobView struct {
	Name       string                 `json:"name"`
	Status     pipeline.JobStatus     `json:"status"`
	StartedAt  *time.Time             `json:"startedAt,omitempty"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
	RetryCount int                    `json:"retryCount"`
	MaxRetries int                    `json:"maxRetries"`
	Errors     []pipeline.ErrorRecord `json:"errors,omitempty"`
}

// StageView groups the jobs of one declared stage.
type StageView struct {
	Stage int       `json:"stage"`
	Jobs  []JobView `json:"jobs"`
}

// ErrorSummary elevates the terminal failure of the first errored job.
type ErrorSummary struct {
	Message string `json:"message"`
	JobName string `json:"jobName"`
}

type StatusResponse struct {
	PipelineID     string          `json:"pipelineId"`
	PipelineType   string          `json:"pipelineType"`
	Status         pipeline.Status `json:"status"`
	CurrentJobName string          `json:"currentJobName,omitempty"`
	Stages         []StageView     `json:"stages"`
	Error          *ErrorSummary   `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type ResultResponse struct {
	PipelineID string             `json:"pipelineId"`
	JobName    string             `json:"jobName"`
	Status     pipeline.JobStatus `json:"status"`
	// Artifact is a pointer so the wire format can distinguish "no artifact
	// yet" (key omitted) from a done job that produced an explicit null
	// (key present, value null).
	Artifact *pipeline.Opaque `json:"artifact,omitempty"`
}

type API struct {
	reg   *registry.Registry
	store storage.Store
}

func New(reg *registry.Registry, store storage.Store) *API {
	return &API{reg: reg, store: store}
}

func (a *API) fetch(ctx context.Context, id string) (*pipeline.State, error) {
	st, err := a.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, pipelineerr.New(pipelineerr.CodeNotFound, "pipeline not found: "+id)
	}
	return st, nil
}

// GetStatus groups the flat durable job list back into declared stages using
// the registered config. A record referencing an unregistered type is a
// configuration error at the boundary.
func (a *API) GetStatus(ctx context.Context, id string) (StatusResponse, error) {
	st, err := a.fetch(ctx, id)
	if err != nil {
		return StatusResponse{}, err
	}
	cfg, err := a.reg.Lookup(st.PipelineType)
	if err != nil {
		return StatusResponse{}, err
	}

	resp := StatusResponse{
		PipelineID:   st.PipelineID,
		PipelineType: st.PipelineType,
		Status:       st.Status,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
	}
	if st.CurrentJobIndex >= 0 && st.CurrentJobIndex < len(st.Jobs) {
		resp.CurrentJobName = st.Jobs[st.CurrentJobIndex].Name
	}

	flatIdx := 0
	for s, stage := range cfg.Stages {
		sv := StageView{Stage: s}
		for range stage.Jobs {
			if flatIdx >= len(st.Jobs) {
				break
			}
			js := st.Jobs[flatIdx]
			sv.Jobs = append(sv.Jobs, JobView{
				Name:       js.Name,
				Status:     js.Status,
				StartedAt:  js.StartedAt,
				FinishedAt: js.FinishedAt,
				RetryCount: js.RetryCount,
				MaxRetries: js.MaxRetries,
				Errors:     js.Errors,
			})
			flatIdx++
		}
		resp.Stages = append(resp.Stages, sv)
	}

	if st.Status == pipeline.StatusError {
		for _, js := range st.Jobs {
			if js.Status == pipeline.JobError && len(js.Errors) > 0 {
				last := js.Errors[len(js.Errors)-1]
				resp.Error = &ErrorSummary{Message: last.Message, JobName: js.Name}
				break
			}
		}
	}
	return resp, nil
}

// GetResult resolves the named job, or the last job in the flat list when no
// name is given. Artifact is absent until the job is done; a job may have
// produced an explicitly nil artifact.
func (a *API) GetResult(ctx context.Context, id, jobName string) (ResultResponse, error) {
	st, err := a.fetch(ctx, id)
	if err != nil {
		return ResultResponse{}, err
	}
	if len(st.Jobs) == 0 {
		return ResultResponse{}, pipelineerr.New(pipelineerr.CodeJobNotFound, "pipeline has no jobs")
	}

	var js *pipeline.JobState
	if jobName == "" {
		js = &st.Jobs[len(st.Jobs)-1]
	} else {
		for i := range st.Jobs {
			if st.Jobs[i].Name == jobName {
				js = &st.Jobs[i]
				break
			}
		}
		if js == nil {
			return ResultResponse{}, pipelineerr.New(pipelineerr.CodeJobNotFound, "job not found in pipeline: "+jobName)
		}
	}

	resp := ResultResponse{PipelineID: id, JobName: js.Name, Status: js.Status}
	// ArtifactSet is stamped by the success-terminal write and cleared on
	// reset, so it is true exactly when the job is done and its artifact —
	// possibly a deliberate nil — is the real output.
	if js.Status == pipeline.JobDone && js.ArtifactSet {
		art := js.Artifact
		resp.Artifact = &art
	}
	return resp, nil
}

// GetPipeline returns the raw durable state for administrative/debug use.
func (a *API) GetPipeline(ctx context.Context, id string) (*pipeline.State, error) {
	return a.fetch(ctx, id)
}

// GetJob returns the full durable state of one job, for debug endpoints.
func (a *API) GetJob(ctx context.Context, id, jobName string) (pipeline.JobState, error) {
	st, err := a.fetch(ctx, id)
	if err != nil {
		return pipeline.JobState{}, err
	}
	for i := range st.Jobs {
		if st.Jobs[i].Name == jobName {
			return st.Jobs[i], nil
		}
	}
	return pipeline.JobState{}, pipelineerr.New(pipelineerr.CodeJobNotFound, "job not found in pipeline: "+jobName)
}

// List pages over stored pipelines, newest first.
func (a *API) List(ctx context.Context, filter storage.ListFilter) (storage.Page, error) {
	return a.store.FindAll(ctx, filter)
}
