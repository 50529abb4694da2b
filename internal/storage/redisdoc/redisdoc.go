// Copyright 2025 James Ross
// Package redisdoc is a document-shaped storage backend: one JSON document
// per pipeline, a sorted set keyed by createdAt for newest-first pagination,
// and an index walk for the stale-job sweep.
package redisdoc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key this backend touches so it can share a
// Redis instance with other applications.
const KeyPrefix = "pipeline:doc:"

const indexKey = "pipeline:doc:index" // ZSET: member=id, score=createdAt unixnano
func typeIndexKey(pipelineType string) string {
	return "pipeline:doc:type:" + pipelineType
}

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func docKey(id string) string { return KeyPrefix + id }

func (s *Store) load(ctx context.Context, id string) (*pipeline.State, error) {
	raw, err := s.rdb.Get(ctx, docKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "redis GET failed", err)
	}
	var st pipeline.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "decode pipeline document failed", err)
	}
	return &st, nil
}

func (s *Store) save(ctx context.Context, st *pipeline.State) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.CodeStorageError, "encode pipeline document failed", err)
	}
	if err := s.rdb.Set(ctx, docKey(st.PipelineID), raw, 0).Err(); err != nil {
		return pipelineerr.Wrap(pipelineerr.CodeStorageError, "redis SET failed", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*pipeline.State, error) {
	return s.load(ctx, id)
}

func (s *Store) FindAll(ctx context.Context, filter storage.ListFilter) (storage.Page, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}

	var ids []string
	var err error
	if filter.PipelineType != "" {
		ids, err = s.rdb.ZRevRange(ctx, typeIndexKey(filter.PipelineType), 0, -1).Result()
	} else {
		ids, err = s.rdb.ZRevRange(ctx, indexKey, 0, -1).Result()
	}
	if err != nil {
		return storage.Page{}, pipelineerr.Wrap(pipelineerr.CodeStorageError, "redis ZREVRANGE failed", err)
	}

	total := len(ids)
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
	for _, id := range ids[start:end] {
		st, err := s.load(ctx, id)
		if err != nil {
			return storage.Page{}, err
		}
		if st != nil {
			items = append(items, st)
		}
	}
	return storage.Page{Items: items, Total: total, PageNum: page, Limit: limit, TotalPages: totalPages}, nil
}

func (s *Store) Create(ctx context.Context, state *pipeline.State) (*pipeline.State, error) {
	now := time.Now().UTC()
	cp := state.Clone()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "encode pipeline document failed", err)
	}
	ok, err := s.rdb.SetNX(ctx, docKey(cp.PipelineID), raw, 0).Result()
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "redis SETNX failed", err)
	}
	if !ok {
		return nil, pipelineerr.New(pipelineerr.CodeDuplicatePipelineID, fmt.Sprintf("pipeline %s already exists", cp.PipelineID))
	}
	score := float64(now.UnixNano())
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: cp.PipelineID})
	pipe.ZAdd(ctx, typeIndexKey(cp.PipelineType), redis.Z{Score: score, Member: cp.PipelineID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "redis index update failed", err)
	}
	return cp, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	st, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, docKey(id))
	pipe.ZRem(ctx, indexKey, id)
	pipe.ZRem(ctx, typeIndexKey(st.PipelineType), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, pipelineerr.Wrap(pipelineerr.CodeStorageError, "redis delete failed", err)
	}
	return true, nil
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*pipeline.State) error) error {
	st, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if st == nil {
		return pipelineerr.New(pipelineerr.CodeNotFound, "pipeline not found: "+id)
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.save(ctx, st)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status pipeline.Status) error {
	return s.mutate(ctx, id, func(st *pipeline.State) error {
		st.Status = status
		return nil
	})
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, jobIndex int, status pipeline.JobStatus, startedAt *time.Time) error {
	return s.mutate(ctx, id, func(st *pipeline.State) error {
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

func (s *Store) UpdateJobArtifact(ctx context.Context, id string, jobIndex int, artifact pipeline.Opaque, finishedAt time.Time) error {
	return s.mutate(ctx, id, func(st *pipeline.State) error {
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

func (s *Store) AppendJobError(ctx context.Context, id string, jobIndex int, rec pipeline.ErrorRecord, isFinal bool, finishedAt *time.Time) error {
	return s.mutate(ctx, id, func(st *pipeline.State) error {
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

func (s *Store) UpdateCurrentJobIndex(ctx context.Context, id string, jobIndex int) error {
	return s.mutate(ctx, id, func(st *pipeline.State) error {
		st.CurrentJobIndex = jobIndex
		return nil
	})
}

func (s *Store) UpdateJobInput(ctx context.Context, id string, jobIndex int, input pipeline.Opaque, options pipeline.Opaque) error {
	return s.mutate(ctx, id, func(st *pipeline.State) error {
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

func (s *Store) UpdateJobRetryCount(ctx context.Context, id string, jobIndex int, retryCount, maxRetries int) error {
	return s.mutate(ctx, id, func(st *pipeline.State) error {
		if jobIndex < 0 || jobIndex >= len(st.Jobs) {
			return pipelineerr.New(pipelineerr.CodeJobNotFound, "job index out of range")
		}
		st.Jobs[jobIndex].RetryCount = retryCount
		st.Jobs[jobIndex].MaxRetries = maxRetries
		return nil
	})
}

// FindAndTimeoutStaleJobs reads every pipeline id from the createdAt index
// in one ZRANGE and loads each document in turn, reclaiming stale
// processing jobs.
func (s *Store) FindAndTimeoutStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	ids, err := s.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, pipelineerr.Wrap(pipelineerr.CodeStorageError, "redis ZRANGE failed", err)
	}
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)
	reclaimed := 0
	for _, id := range ids {
		st, err := s.load(ctx, id)
		if err != nil || st == nil || st.Status != pipeline.StatusProcessing {
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
			if err := s.save(ctx, st); err != nil {
				return reclaimed, err
			}
		}
	}
	return reclaimed, nil
}

func (s *Store) ResetJobs(ctx context.Context, spec storage.ResetSpec) error {
	return s.mutate(ctx, spec.PipelineID, func(st *pipeline.State) error {
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
