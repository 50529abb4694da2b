// Copyright 2025 James Ross
// Package memstore is the ephemeral, in-memory storage backend: a
// mutex-guarded map, suitable for tests and single-process deployments
// that can afford to lose state on restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
)

type Store struct {
	mu      sync.Mutex
	records map[string]*pipeline.State
	seq     int // monotonic insertion counter, used to break CreatedAt ties deterministically
	order   map[string]int
}

func New() *Store {
	return &Store{
		records: make(map[string]*pipeline.State),
		order:   make(map[string]int),
	}
}

func (s *Store) FindByID(_ context.Context, id string) (*pipeline.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *Store) FindAll(_ context.Context, filter storage.ListFilter) (storage.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*pipeline.State
	for _, st := range s.records {
		if filter.PipelineType != "" && st.PipelineType != filter.PipelineType {
			continue
		}
		matched = append(matched, st)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return s.order[matched[i].PipelineID] > s.order[matched[j].PipelineID]
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}
	total := len(matched)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	items := make([]*pipeline.State, 0, end-start)
	for _, st := range matched[start:end] {
		items = append(items, st.Clone())
	}
	return storage.Page{Items: items, Total: total, PageNum: page, Limit: limit, TotalPages: totalPages}, nil
}

func (s *Store) Create(_ context.Context, state *pipeline.State) (*pipeline.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[state.PipelineID]; exists {
		return nil, pipelineerr.New(pipelineerr.CodeDuplicatePipelineID, fmt.Sprintf("pipeline %s already exists", state.PipelineID))
	}
	now := time.Now().UTC()
	cp := state.Clone()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.records[cp.PipelineID] = cp
	s.seq++
	s.order[cp.PipelineID] = s.seq
	return cp.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	delete(s.order, id)
	return true, nil
}

func (s *Store) mutate(id string, fn func(*pipeline.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[id]
	if !ok {
		return pipelineerr.New(pipelineerr.CodeNotFound, "pipeline not found: "+id)
	}
	if err := fn(st); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status pipeline.Status) error {
	return s.mutate(id, func(st *pipeline.State) error {
		st.Status = status
		return nil
	})
}

func (s *Store) UpdateJobStatus(_ context.Context, id string, jobIndex int, status pipeline.JobStatus, startedAt *time.Time) error {
	return s.mutate(id, func(st *pipeline.State) error {
		if jobIndex < 0 || jobIndex >= len(st.Jobs) {
			return pipelineerr.New(pipelineerr.CodeJobNotFound, "job index out of range")
		}
		st.Jobs[jobIndex].Status = status
		if startedAt != nil {
			st.Jobs[jobIndex].StartedAt = startedAt
		}
		st.CurrentJobIndex = jobIndex
		return nil
	})
}

func (s *Store) UpdateJobArtifact(_ context.Context, id string, jobIndex int, artifact pipeline.Opaque, finishedAt time.Time) error {
	return s.mutate(id, func(st *pipeline.State) error {
		if jobIndex < 0 || jobIndex >= len(st.Jobs) {
			return pipelineerr.New(pipelineerr.CodeJobNotFound, "job index out of range")
		}
		j := &st.Jobs[jobIndex]
		j.Status = pipeline.JobDone
		j.Artifact = artifact
		j.ArtifactSet = true
		ft := finishedAt
		j.FinishedAt = &ft
		return nil
	})
}

func (s *Store) AppendJobError(_ context.Context, id string, jobIndex int, rec pipeline.ErrorRecord, isFinal bool, finishedAt *time.Time) error {
	return s.mutate(id, func(st *pipeline.State) error {
		if jobIndex < 0 || jobIndex >= len(st.Jobs) {
			return pipelineerr.New(pipelineerr.CodeJobNotFound, "job index out of range")
		}
		j := &st.Jobs[jobIndex]
		j.Errors = append(j.Errors, rec)
		if isFinal {
			j.Status = pipeline.JobError
			if finishedAt != nil {
				ft := *finishedAt
				j.FinishedAt = &ft
			}
			st.Status = pipeline.StatusError
		}
		return nil
	})
}

func (s *Store) UpdateCurrentJobIndex(_ context.Context, id string, jobIndex int) error {
	return s.mutate(id, func(st *pipeline.State) error {
		st.CurrentJobIndex = jobIndex
		return nil
	})
}

func (s *Store) UpdateJobInput(_ context.Context, id string, jobIndex int, input pipeline.Opaque, options pipeline.Opaque) error {
	return s.mutate(id, func(st *pipeline.State) error {
		if jobIndex < 0 || jobIndex >= len(st.Jobs) {
			return pipelineerr.New(pipelineerr.CodeJobNotFound, "job index out of range")
		}
		st.Jobs[jobIndex].Input = input
		if options != nil {
			st.Jobs[jobIndex].Options = options
		}
		return nil
	})
}

func (s *Store) UpdateJobRetryCount(_ context.Context, id string, jobIndex int, retryCount, maxRetries int) error {
	return s.mutate(id, func(st *pipeline.State) error {
		if jobIndex < 0 || jobIndex >= len(st.Jobs) {
			return pipelineerr.New(pipelineerr.CodeJobNotFound, "job index out of range")
		}
		st.Jobs[jobIndex].RetryCount = retryCount
		st.Jobs[jobIndex].MaxRetries = maxRetries
		return nil
	})
}

// FindAndTimeoutStaleJobs scans every record for a processing job whose
// StartedAt predates now-timeout and reclaims it.
func (s *Store) FindAndTimeoutStaleJobs(_ context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)
	reclaimed := 0
	for _, st := range s.records {
		if st.Status != pipeline.StatusProcessing {
			continue
		}
		touched := false
		for i := range st.Jobs {
			j := &st.Jobs[i]
			if j.Status != pipeline.JobProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
				continue
			}
			minutes := int(timeout.Minutes())
			j.Errors = append(j.Errors, pipeline.ErrorRecord{
				Message: fmt.Sprintf("Job timed out after %d minutes", minutes),
				Attempt: j.RetryCount,
			})
			j.Status = pipeline.JobError
			ft := now
			j.FinishedAt = &ft
			reclaimed++
			touched = true
		}
		if touched {
			st.Status = pipeline.StatusError
			st.UpdatedAt = now
		}
	}
	return reclaimed, nil
}

// ResetJobs atomically resets the indicated jobs to pending and repositions
// the pipeline pointer, for restart-from-job.
func (s *Store) ResetJobs(_ context.Context, spec storage.ResetSpec) error {
	return s.mutate(spec.PipelineID, func(st *pipeline.State) error {
		for _, idx := range spec.ResetJobIndices {
			if idx < 0 || idx >= len(st.Jobs) {
				return pipelineerr.New(pipelineerr.CodeJobNotFound, "reset job index out of range")
			}
			j := &st.Jobs[idx]
			j.Status = pipeline.JobPending
			j.Artifact = nil
			j.ArtifactSet = false
			j.Errors = nil
			j.StartedAt = nil
			j.FinishedAt = nil
			j.RetryCount = 0
			j.MaxRetries = 0
			j.Input = nil
		}
		st.Status = pipeline.StatusProcessing
		st.CurrentJobIndex = spec.NewCurrentJobIndex
		if spec.JobOptions != nil {
			st.JobOptions = spec.JobOptions
		}
		return nil
	})
}
