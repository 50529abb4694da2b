// Copyright 2025 James Ross
// Package gormdoc is a relational storage backend: a table fronted by
// gorm, with the job list and opaque payloads kept in a single
// datatypes.JSON "document" column. sqlite backs local/dev and the test
// suite; postgres is wired for production use.
package gormdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// pipelineRow is the relational shell: indexable columns plus one JSON
// document column carrying the opaque and nested parts of the state
// (Input, JobOptions, Jobs with their artifacts/errors).
type pipelineRow struct {
	PipelineID      string `gorm:"primaryKey;column:pipeline_id"`
	PipelineType    string `gorm:"index"`
	Status          string `gorm:"index"`
	ConfigHash      string
	CurrentJobIndex int
	Document        datatypes.JSON
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

func (pipelineRow) TableName() string { return "pipeline_states" }

// document is what Document actually marshals/unmarshals: the parts of
// pipeline.State not promoted to relational columns.
type document struct {
	Input      pipeline.Opaque              `json:"input"`
	JobOptions map[string]pipeline.Opaque   `json:"jobOptions,omitempty"`
	Jobs       []pipeline.JobState          `json:"jobs"`
}

// Config selects the SQL driver. Driver is "sqlite" or "postgres"; DSN is
// the driver-specific connection string (a file path for sqlite, a
// standard libpq URL for postgres).
type Config struct {
	Driver string
	DSN    string
}

type Store struct {
	db *gorm.DB
}

// Open connects and auto-migrates the pipeline_states table.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("gormdoc: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm open failed", err)
	}
	if err := db.AutoMigrate(&pipelineRow{}); err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm automigrate failed", err)
	}
	return &Store{db: db}, nil
}

func toRow(st *pipeline.State) (*pipelineRow, error) {
	doc := document{Input: pipeline.Sanitize(st.Input), JobOptions: sanitizeOptions(st.JobOptions), Jobs: st.Jobs}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &pipelineRow{
		PipelineID:      st.PipelineID,
		PipelineType:    st.PipelineType,
		Status:          string(st.Status),
		ConfigHash:      st.ConfigHash,
		CurrentJobIndex: st.CurrentJobIndex,
		Document:        datatypes.JSON(raw),
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	}, nil
}

func sanitizeOptions(opts map[string]pipeline.Opaque) map[string]pipeline.Opaque {
	if opts == nil {
		return nil
	}
	out := make(map[string]pipeline.Opaque, len(opts))
	for k, v := range opts {
		out[k] = pipeline.Sanitize(v)
	}
	return out
}

func fromRow(row *pipelineRow) (*pipeline.State, error) {
	var doc document
	if len(row.Document) > 0 {
		if err := json.Unmarshal(row.Document, &doc); err != nil {
			return nil, err
		}
	}
	var jobOptions map[string]pipeline.Opaque
	if doc.JobOptions != nil {
		jobOptions = make(map[string]pipeline.Opaque, len(doc.JobOptions))
		for k, v := range doc.JobOptions {
			jobOptions[k] = pipeline.Dematerialize(v)
		}
	}
	return &pipeline.State{
		PipelineID:      row.PipelineID,
		PipelineType:    row.PipelineType,
		Status:          pipeline.Status(row.Status),
		CurrentJobIndex: row.CurrentJobIndex,
		Input:           pipeline.Dematerialize(doc.Input),
		JobOptions:      jobOptions,
		Jobs:            doc.Jobs,
		ConfigHash:      row.ConfigHash,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*pipeline.State, error) {
	var row pipelineRow
	err := s.db.WithContext(ctx).Where("pipeline_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm find failed", err)
	}
	return fromRow(&row)
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

	q := s.db.WithContext(ctx).Model(&pipelineRow{})
	if filter.PipelineType != "" {
		q = q.Where("pipeline_type = ?", filter.PipelineType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return storage.Page{}, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm count failed", err)
	}

	var rows []pipelineRow
	if err := q.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&rows).Error; err != nil {
		return storage.Page{}, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm list failed", err)
	}

	items := make([]*pipeline.State, 0, len(rows))
	for i := range rows {
		st, err := fromRow(&rows[i])
		if err != nil {
			return storage.Page{}, pipelineerr.Wrap(pipelineerr.CodeStorageError, "decode pipeline document failed", err)
		}
		items = append(items, st)
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return storage.Page{Items: items, Total: int(total), PageNum: page, Limit: limit, TotalPages: totalPages}, nil
}

func (s *Store) Create(ctx context.Context, state *pipeline.State) (*pipeline.State, error) {
	now := time.Now().UTC()
	cp := state.Clone()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	row, err := toRow(cp)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "encode pipeline document failed", err)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if existing, ferr := s.FindByID(ctx, state.PipelineID); ferr == nil && existing != nil {
			return nil, pipelineerr.New(pipelineerr.CodeDuplicatePipelineID, fmt.Sprintf("pipeline %s already exists", state.PipelineID))
		}
		return nil, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm create failed", err)
	}
	return cp, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("pipeline_id = ?", id).Delete(&pipelineRow{})
	if res.Error != nil {
		return false, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm delete failed", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*pipeline.State) error) error {
	st, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if st == nil {
		return pipelineerr.New(pipelineerr.CodeNotFound, "pipeline not found: "+id)
	}
	if err := fn(st); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()
	row, err := toRow(st)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.CodeStorageError, "encode pipeline document failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&pipelineRow{}).Where("pipeline_id = ?", id).Updates(map[string]any{
		"status":            row.Status,
		"current_job_index": row.CurrentJobIndex,
		"document":          row.Document,
		"updated_at":        row.UpdatedAt,
	}).Error; err != nil {
		return pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm update failed", err)
	}
	return nil
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

func (s *Store) FindAndTimeoutStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	var rows []pipelineRow
	if err := s.db.WithContext(ctx).Where("status = ?", string(pipeline.StatusProcessing)).Find(&rows).Error; err != nil {
		return 0, pipelineerr.Wrap(pipelineerr.CodeStorageError, "gorm scan failed", err)
	}
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)
	reclaimed := 0
	for i := range rows {
		st, err := fromRow(&rows[i])
		if err != nil {
			continue
		}
		touched := false
		for j := range st.Jobs {
			job := &st.Jobs[j]
			if job.Status != pipeline.JobProcessing || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
				continue
			}
			minutes := int(timeout.Minutes())
			job.Errors = append(job.Errors, pipeline.ErrorRecord{
				Message: fmt.Sprintf("Job timed out after %d minutes", minutes),
				Attempt: job.RetryCount,
			})
			job.Status = pipeline.JobError
			ft := now
			job.FinishedAt = &ft
			reclaimed++
			touched = true
		}
		if touched {
			st.Status = pipeline.StatusError
			row, err := toRow(st)
			if err != nil {
				continue
			}
			s.db.WithContext(ctx).Model(&pipelineRow{}).Where("pipeline_id = ?", st.PipelineID).Updates(map[string]any{
				"status":     row.Status,
				"document":   row.Document,
				"updated_at": now,
			})
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
