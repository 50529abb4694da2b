// Copyright 2025 James Ross
// Conformance suite: every storage backend must satisfy the same behavioral
// contract, so each test here runs against all of them through a factory
// table.
package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage/gormdoc"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage/memstore"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage/redisdoc"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factory struct {
	name string
	make func(t *testing.T) storage.Store
}

func backends() []factory {
	return []factory{
		{name: "memstore", make: func(t *testing.T) storage.Store {
			return memstore.New()
		}},
		{name: "redisdoc", make: func(t *testing.T) storage.Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return redisdoc.New(rdb)
		}},
		{name: "gormdoc", make: func(t *testing.T) storage.Store {
			s, err := gormdoc.Open(gormdoc.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "pipelines.db")})
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s storage.Store)) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.make(t))
		})
	}
}

func sampleState(id, pipelineType string) *pipeline.State {
	return &pipeline.State{
		PipelineID:      id,
		PipelineType:    pipelineType,
		Status:          pipeline.StatusProcessing,
		CurrentJobIndex: 0,
		Input:           map[string]pipeline.Opaque{"seed": float64(1)},
		Jobs: []pipeline.JobState{
			{Name: "first", Status: pipeline.JobPending},
			{Name: "second", Status: pipeline.JobPending},
		},
		ConfigHash: "cafebabecafebabe",
	}
}

func TestCreateAndFindByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		created, err := s.Create(ctx, sampleState("p1", "demo"))
		require.NoError(t, err)
		assert.False(t, created.CreatedAt.IsZero())
		assert.False(t, created.UpdatedAt.IsZero())

		st, err := s.FindByID(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "demo", st.PipelineType)
		assert.Equal(t, pipeline.StatusProcessing, st.Status)
		require.Len(t, st.Jobs, 2)
		assert.Equal(t, "first", st.Jobs[0].Name)
		assert.Equal(t, map[string]pipeline.Opaque{"seed": float64(1)}, st.Input)

		missing, err := s.FindByID(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestCreateFailsOnDuplicateID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		_, err := s.Create(ctx, sampleState("dup", "demo"))
		require.NoError(t, err)
		_, err = s.Create(ctx, sampleState("dup", "demo"))
		pe, ok := pipelineerr.As(err)
		require.True(t, ok)
		assert.Equal(t, pipelineerr.CodeDuplicatePipelineID, pe.Code)
	})
}

func TestFindAllPaginatesNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		ids := []string{"old", "mid", "new"}
		for _, id := range ids {
			_, err := s.Create(ctx, sampleState(id, "demo"))
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}
		_, err := s.Create(ctx, sampleState("other", "elsewhere"))
		require.NoError(t, err)

		page, err := s.FindAll(ctx, storage.ListFilter{PipelineType: "demo", Page: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, 2, page.TotalPages)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "new", page.Items[0].PipelineID)
		assert.Equal(t, "mid", page.Items[1].PipelineID)

		page2, err := s.FindAll(ctx, storage.ListFilter{PipelineType: "demo", Page: 2, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page2.Items, 1)
		assert.Equal(t, "old", page2.Items[0].PipelineID)

		all, err := s.FindAll(ctx, storage.ListFilter{Page: 1, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 4, all.Total)
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		_, err := s.Create(ctx, sampleState("bye", "demo"))
		require.NoError(t, err)

		deleted, err := s.Delete(ctx, "bye")
		require.NoError(t, err)
		assert.True(t, deleted)

		st, err := s.FindByID(ctx, "bye")
		require.NoError(t, err)
		assert.Nil(t, st)

		deleted, err = s.Delete(ctx, "bye")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestJobMutators(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		_, err := s.Create(ctx, sampleState("mut", "demo"))
		require.NoError(t, err)

		started := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.UpdateJobStatus(ctx, "mut", 1, pipeline.JobProcessing, &started))
		require.NoError(t, s.UpdateJobInput(ctx, "mut", 1, float64(5), map[string]pipeline.Opaque{"mode": "fast"}))
		require.NoError(t, s.UpdateJobRetryCount(ctx, "mut", 1, 1, 3))

		st, err := s.FindByID(ctx, "mut")
		require.NoError(t, err)
		j := st.Jobs[1]
		assert.Equal(t, pipeline.JobProcessing, j.Status)
		require.NotNil(t, j.StartedAt)
		assert.Equal(t, float64(5), j.Input)
		assert.Equal(t, 1, j.RetryCount)
		assert.Equal(t, 3, j.MaxRetries)
		// updateJobStatus repositions the pipeline pointer
		assert.Equal(t, 1, st.CurrentJobIndex)

		finished := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.UpdateJobArtifact(ctx, "mut", 1, "result", finished))
		st, _ = s.FindByID(ctx, "mut")
		assert.Equal(t, pipeline.JobDone, st.Jobs[1].Status)
		assert.Equal(t, "result", st.Jobs[1].Artifact)
		require.NotNil(t, st.Jobs[1].FinishedAt)

		require.NoError(t, s.UpdateCurrentJobIndex(ctx, "mut", 0))
		st, _ = s.FindByID(ctx, "mut")
		assert.Equal(t, 0, st.CurrentJobIndex)

		require.NoError(t, s.UpdateStatus(ctx, "mut", pipeline.StatusDone))
		st, _ = s.FindByID(ctx, "mut")
		assert.Equal(t, pipeline.StatusDone, st.Status)

		err = s.UpdateJobStatus(ctx, "mut", 99, pipeline.JobDone, nil)
		pe, ok := pipelineerr.As(err)
		require.True(t, ok)
		assert.Equal(t, pipelineerr.CodeJobNotFound, pe.Code)

		err = s.UpdateStatus(ctx, "ghost", pipeline.StatusDone)
		pe, ok = pipelineerr.As(err)
		require.True(t, ok)
		assert.Equal(t, pipelineerr.CodeNotFound, pe.Code)
	})
}

func TestAppendJobError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		_, err := s.Create(ctx, sampleState("err", "demo"))
		require.NoError(t, err)

		require.NoError(t, s.AppendJobError(ctx, "err", 0, pipeline.ErrorRecord{Message: "first", Attempt: 0}, false, nil))
		st, _ := s.FindByID(ctx, "err")
		assert.Equal(t, pipeline.JobPending, st.Jobs[0].Status)
		assert.Equal(t, pipeline.StatusProcessing, st.Status)
		require.Len(t, st.Jobs[0].Errors, 1)

		finished := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.AppendJobError(ctx, "err", 0, pipeline.ErrorRecord{Message: "fatal", Attempt: 1}, true, &finished))
		st, _ = s.FindByID(ctx, "err")
		assert.Equal(t, pipeline.JobError, st.Jobs[0].Status)
		assert.Equal(t, pipeline.StatusError, st.Status)
		require.Len(t, st.Jobs[0].Errors, 2)
		assert.Equal(t, "fatal", st.Jobs[0].Errors[1].Message)
		require.NotNil(t, st.Jobs[0].FinishedAt)
	})
}

func TestFindAndTimeoutStaleJobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()

		stale := sampleState("stale", "demo")
		longAgo := time.Now().UTC().Add(-time.Minute)
		stale.Jobs[0].Status = pipeline.JobProcessing
		stale.Jobs[0].StartedAt = &longAgo
		stale.Jobs[0].RetryCount = 2
		_, err := s.Create(ctx, stale)
		require.NoError(t, err)

		fresh := sampleState("fresh", "demo")
		justNow := time.Now().UTC()
		fresh.Jobs[0].Status = pipeline.JobProcessing
		fresh.Jobs[0].StartedAt = &justNow
		_, err = s.Create(ctx, fresh)
		require.NoError(t, err)

		finished := sampleState("finished", "demo")
		finished.Status = pipeline.StatusDone
		_, err = s.Create(ctx, finished)
		require.NoError(t, err)

		count, err := s.FindAndTimeoutStaleJobs(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		st, _ := s.FindByID(ctx, "stale")
		assert.Equal(t, pipeline.StatusError, st.Status)
		j := st.Jobs[0]
		assert.Equal(t, pipeline.JobError, j.Status)
		require.NotEmpty(t, j.Errors)
		assert.Contains(t, j.Errors[len(j.Errors)-1].Message, "timed out")
		assert.Equal(t, 2, j.Errors[len(j.Errors)-1].Attempt)
		require.NotNil(t, j.FinishedAt)

		st, _ = s.FindByID(ctx, "fresh")
		assert.Equal(t, pipeline.StatusProcessing, st.Status)
		st, _ = s.FindByID(ctx, "finished")
		assert.Equal(t, pipeline.StatusDone, st.Status)
	})
}

func TestResetJobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		done := sampleState("reset", "demo")
		now := time.Now().UTC()
		done.Status = pipeline.StatusError
		for i := range done.Jobs {
			done.Jobs[i].Status = pipeline.JobDone
			done.Jobs[i].Artifact = "kept"
			done.Jobs[i].StartedAt = &now
			done.Jobs[i].FinishedAt = &now
			done.Jobs[i].RetryCount = 1
			done.Jobs[i].MaxRetries = 2
			done.Jobs[i].Errors = []pipeline.ErrorRecord{{Message: "old", Attempt: 0}}
		}
		_, err := s.Create(ctx, done)
		require.NoError(t, err)

		require.NoError(t, s.ResetJobs(ctx, storage.ResetSpec{
			PipelineID:         "reset",
			ResetJobIndices:    []int{1},
			JobOptions:         map[string]pipeline.Opaque{"second": map[string]pipeline.Opaque{"mode": "redo"}},
			NewCurrentJobIndex: 1,
		}))

		st, _ := s.FindByID(ctx, "reset")
		assert.Equal(t, pipeline.StatusProcessing, st.Status)
		assert.Equal(t, 1, st.CurrentJobIndex)
		assert.Equal(t, map[string]pipeline.Opaque{"mode": "redo"}, st.JobOptions["second"])

		// untouched job keeps everything
		assert.Equal(t, pipeline.JobDone, st.Jobs[0].Status)
		assert.Equal(t, "kept", st.Jobs[0].Artifact)
		assert.NotEmpty(t, st.Jobs[0].Errors)

		// reset job is wiped back to pending
		j := st.Jobs[1]
		assert.Equal(t, pipeline.JobPending, j.Status)
		assert.Nil(t, j.Artifact)
		assert.Empty(t, j.Errors)
		assert.Nil(t, j.StartedAt)
		assert.Nil(t, j.FinishedAt)
		assert.Equal(t, 0, j.RetryCount)
		assert.Equal(t, 0, j.MaxRetries)

		err = s.ResetJobs(ctx, storage.ResetSpec{PipelineID: "reset", ResetJobIndices: []int{42}})
		pe, ok := pipelineerr.As(err)
		require.True(t, ok)
		assert.Equal(t, pipelineerr.CodeJobNotFound, pe.Code)
	})
}

func TestOpaquePayloadsSurviveRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		st := sampleState("payload", "demo")
		st.Input = map[string]pipeline.Opaque{
			"nested": map[string]pipeline.Opaque{"list": []pipeline.Opaque{float64(1), "two", true}},
		}
		_, err := s.Create(ctx, st)
		require.NoError(t, err)

		require.NoError(t, s.UpdateJobArtifact(ctx, "payload", 0, map[string]pipeline.Opaque{"k": "v"}, time.Now().UTC()))

		got, err := s.FindByID(ctx, "payload")
		require.NoError(t, err)
		input := got.Input.(map[string]pipeline.Opaque)
		nested := input["nested"].(map[string]pipeline.Opaque)
		list := nested["list"].([]pipeline.Opaque)
		require.Len(t, list, 3)
		assert.Equal(t, float64(1), list[0])
		assert.Equal(t, "two", list[1])
		assert.Equal(t, true, list[2])

		artifact := got.Jobs[0].Artifact.(map[string]pipeline.Opaque)
		assert.Equal(t, "v", artifact["k"])
	})
}
