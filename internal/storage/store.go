// Copyright 2025 James Ross
// Package storage defines the durable storage contract. Each
// operation is expected to be atomic at the granularity of a single call;
// the engine never wraps multiple calls in a transaction. Three conforming
// implementations live in the memstore, redisdoc and gormdoc subpackages.
package storage

import (
	"context"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
)

// ListFilter narrows FindAll to one pipeline type; empty means "all types".
type ListFilter struct {
	PipelineType string
	Page         int
	Limit        int
}

// Page is the {items, total, page, limit, totalPages} paged result shape.
type Page struct {
	Items      []*pipeline.State
	Total      int
	PageNum    int
	Limit      int
	TotalPages int
}

// ResetSpec describes a partial reset for restart-from-job.
type ResetSpec struct {
	PipelineID        string
	ResetJobIndices   []int
	JobOptions        map[string]pipeline.Opaque // nil => keep existing options
	NewCurrentJobIndex int
}

// Store is the storage capability interface every backend implements.
type Store interface {
	FindByID(ctx context.Context, id string) (*pipeline.State, error)
	FindAll(ctx context.Context, filter ListFilter) (Page, error)
	Create(ctx context.Context, state *pipeline.State) (*pipeline.State, error)
	Delete(ctx context.Context, id string) (bool, error)

	UpdateStatus(ctx context.Context, id string, status pipeline.Status) error
	UpdateJobStatus(ctx context.Context, id string, jobIndex int, status pipeline.JobStatus, startedAt *time.Time) error
	UpdateJobArtifact(ctx context.Context, id string, jobIndex int, artifact pipeline.Opaque, finishedAt time.Time) error
	AppendJobError(ctx context.Context, id string, jobIndex int, rec pipeline.ErrorRecord, isFinal bool, finishedAt *time.Time) error
	UpdateCurrentJobIndex(ctx context.Context, id string, jobIndex int) error
	UpdateJobInput(ctx context.Context, id string, jobIndex int, input pipeline.Opaque, options pipeline.Opaque) error
	UpdateJobRetryCount(ctx context.Context, id string, jobIndex int, retryCount, maxRetries int) error

	FindAndTimeoutStaleJobs(ctx context.Context, timeout time.Duration) (int, error)
	ResetJobs(ctx context.Context, spec ResetSpec) error
}
