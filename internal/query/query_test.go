// Copyright 2025 James Ross
package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/registry"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopExec(_ context.Context, _ pipeline.Opaque, _ pipeline.Opaque, _ pipeline.JobContext) (pipeline.Opaque, error) {
	return nil, nil
}

func testConfig() pipeline.Config {
	return pipeline.Config{
		Name: "report",
		Stages: []pipeline.Stage{
			pipeline.JobStage(pipeline.JobDef{Name: "extract", Execute: nopExec}),
			pipeline.Parallel(
				pipeline.JobRef{Job: pipeline.JobDef{Name: "words", Execute: nopExec}},
				pipeline.JobRef{Job: pipeline.JobDef{Name: "lines", Execute: nopExec}},
			),
			pipeline.JobStage(pipeline.JobDef{Name: "render", Execute: nopExec}),
		},
	}
}

func seed(t *testing.T, store storage.Store, st *pipeline.State) {
	t.Helper()
	_, err := store.Create(context.Background(), st)
	require.NoError(t, err)
}

func newAPI(t *testing.T) (*API, *memstore.Store) {
	reg := registry.New()
	reg.Register(testConfig())
	store := memstore.New()
	return New(reg, store), store
}

func TestGetStatusGroupsJobsByStage(t *testing.T) {
	api, store := newAPI(t)
	now := time.Now().UTC()
	seed(t, store, &pipeline.State{
		PipelineID:      "p1",
		PipelineType:    "report",
		Status:          pipeline.StatusProcessing,
		CurrentJobIndex: 2,
		Jobs: []pipeline.JobState{
			{Name: "extract", Status: pipeline.JobDone, StartedAt: &now, FinishedAt: &now},
			{Name: "words", Status: pipeline.JobProcessing, StartedAt: &now},
			{Name: "lines", Status: pipeline.JobProcessing, StartedAt: &now},
			{Name: "render", Status: pipeline.JobPending},
		},
	})

	resp, err := api.GetStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusProcessing, resp.Status)
	assert.Equal(t, "lines", resp.CurrentJobName)
	require.Len(t, resp.Stages, 3)
	assert.Len(t, resp.Stages[0].Jobs, 1)
	assert.Len(t, resp.Stages[1].Jobs, 2)
	assert.Len(t, resp.Stages[2].Jobs, 1)
	assert.Equal(t, "words", resp.Stages[1].Jobs[0].Name)
	assert.Nil(t, resp.Error)
}

func TestGetStatusElevatesFirstErroredJob(t *testing.T) {
	api, store := newAPI(t)
	seed(t, store, &pipeline.State{
		PipelineID:   "p2",
		PipelineType: "report",
		Status:       pipeline.StatusError,
		Jobs: []pipeline.JobState{
			{Name: "extract", Status: pipeline.JobDone},
			{Name: "words", Status: pipeline.JobError, Errors: []pipeline.ErrorRecord{
				{Message: "first attempt", Attempt: 0},
				{Message: "fail", Attempt: 1},
			}},
			{Name: "lines", Status: pipeline.JobDone},
			{Name: "render", Status: pipeline.JobPending},
		},
	})

	resp, err := api.GetStatus(context.Background(), "p2")
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "fail", resp.Error.Message)
	assert.Equal(t, "words", resp.Error.JobName)
}

func TestGetStatusUnknownTypeAndMissingPipeline(t *testing.T) {
	api, store := newAPI(t)
	_, err := api.GetStatus(context.Background(), "ghost")
	pe, ok := pipelineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerr.CodeNotFound, pe.Code)

	seed(t, store, &pipeline.State{
		PipelineID:   "p3",
		PipelineType: "unregistered",
		Status:       pipeline.StatusDone,
		Jobs:         []pipeline.JobState{{Name: "x", Status: pipeline.JobDone}},
	})
	_, err = api.GetStatus(context.Background(), "p3")
	pe, ok = pipelineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerr.CodeUnknownPipelineType, pe.Code)
}

func TestGetResultDefaultsToLastJob(t *testing.T) {
	api, store := newAPI(t)
	seed(t, store, &pipeline.State{
		PipelineID:   "p4",
		PipelineType: "report",
		Status:       pipeline.StatusDone,
		Jobs: []pipeline.JobState{
			{Name: "extract", Status: pipeline.JobDone, Artifact: "text", ArtifactSet: true},
			{Name: "words", Status: pipeline.JobDone, Artifact: float64(10), ArtifactSet: true},
			{Name: "lines", Status: pipeline.JobDone, Artifact: float64(3), ArtifactSet: true},
			{Name: "render", Status: pipeline.JobDone, Artifact: "rendered", ArtifactSet: true},
		},
	})

	resp, err := api.GetResult(context.Background(), "p4", "")
	require.NoError(t, err)
	assert.Equal(t, "render", resp.JobName)
	require.NotNil(t, resp.Artifact)
	assert.Equal(t, "rendered", *resp.Artifact)

	resp, err = api.GetResult(context.Background(), "p4", "words")
	require.NoError(t, err)
	require.NotNil(t, resp.Artifact)
	assert.Equal(t, float64(10), *resp.Artifact)

	_, err = api.GetResult(context.Background(), "p4", "ghost")
	pe, ok := pipelineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerr.CodeJobNotFound, pe.Code)
}

func TestGetResultOmitsArtifactUntilDone(t *testing.T) {
	api, store := newAPI(t)
	seed(t, store, &pipeline.State{
		PipelineID:   "p5",
		PipelineType: "report",
		Status:       pipeline.StatusError,
		Jobs: []pipeline.JobState{
			{Name: "extract", Status: pipeline.JobError, Errors: []pipeline.ErrorRecord{{Message: "boom"}}},
			{Name: "words", Status: pipeline.JobPending},
			{Name: "lines", Status: pipeline.JobPending},
			{Name: "render", Status: pipeline.JobPending},
		},
	})

	resp, err := api.GetResult(context.Background(), "p5", "extract")
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobError, resp.Status)
	assert.Nil(t, resp.Artifact)

	// the serialized response omits the artifact key entirely
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	_, present := fields["artifact"]
	assert.False(t, present)
}

func TestGetResultNullArtifactForDoneJob(t *testing.T) {
	api, store := newAPI(t)
	seed(t, store, &pipeline.State{
		PipelineID:   "p7",
		PipelineType: "report",
		Status:       pipeline.StatusDone,
		Jobs: []pipeline.JobState{
			{Name: "extract", Status: pipeline.JobDone, Artifact: nil, ArtifactSet: true},
			{Name: "words", Status: pipeline.JobDone, Artifact: float64(1), ArtifactSet: true},
			{Name: "lines", Status: pipeline.JobDone, Artifact: float64(1), ArtifactSet: true},
			{Name: "render", Status: pipeline.JobDone, Artifact: nil, ArtifactSet: true},
		},
	})

	resp, err := api.GetResult(context.Background(), "p7", "extract")
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobDone, resp.Status)
	require.NotNil(t, resp.Artifact)
	assert.Nil(t, *resp.Artifact)

	// a done job with no artifact serializes an explicit null, not an
	// omitted key
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	v, present := fields["artifact"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestGetJobAndPipeline(t *testing.T) {
	api, store := newAPI(t)
	seed(t, store, &pipeline.State{
		PipelineID:   "p6",
		PipelineType: "report",
		Status:       pipeline.StatusDone,
		Jobs: []pipeline.JobState{
			{Name: "extract", Status: pipeline.JobDone, Artifact: "text", RetryCount: 1, MaxRetries: 2},
			{Name: "words", Status: pipeline.JobDone},
			{Name: "lines", Status: pipeline.JobDone},
			{Name: "render", Status: pipeline.JobDone},
		},
	})

	js, err := api.GetJob(context.Background(), "p6", "extract")
	require.NoError(t, err)
	assert.Equal(t, 1, js.RetryCount)
	assert.Equal(t, "text", js.Artifact)

	st, err := api.GetPipeline(context.Background(), "p6")
	require.NoError(t, err)
	assert.Equal(t, "p6", st.PipelineID)
	assert.Len(t, st.Jobs, 4)
}

func TestListFiltersByType(t *testing.T) {
	api, store := newAPI(t)
	for i, typ := range []string{"report", "report", "other"} {
		seed(t, store, &pipeline.State{
			PipelineID:   string(rune('a' + i)),
			PipelineType: typ,
			Status:       pipeline.StatusDone,
			Jobs:         []pipeline.JobState{{Name: "x", Status: pipeline.JobDone}},
		})
		time.Sleep(2 * time.Millisecond)
	}

	page, err := api.List(context.Background(), storage.ListFilter{PipelineType: "report", Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	for _, item := range page.Items {
		assert.Equal(t, "report", item.PipelineType)
	}
}
