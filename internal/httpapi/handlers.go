// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/flyingrobots/pipeline-orchestrator/internal/engine"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
	"github.com/flyingrobots/pipeline-orchestrator/internal/restart"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"github.com/xeipuuv/gojsonschema"
)

const validActions = "status, result, list, job, pipeline, retry, delete"

// envelope is the common response shape: {success, data?, error?}.
type envelope struct {
	Success bool            `json:"success"`
	Data    pipeline.Opaque `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type startBody struct {
	Input      pipeline.Opaque            `json:"input"`
	JobOptions map[string]pipeline.Opaque `json:"jobOptions"`
}

type retryBody struct {
	JobName    string                     `json:"jobName" validate:"required"`
	JobOptions map[string]pipeline.Opaque `json:"jobOptions"`
}

func (s *Server) pipelineHandler(pipelineType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := r.URL.Query().Get("action")
		switch r.Method {
		case http.MethodPost:
			switch action {
			case "":
				s.handleStart(w, r, pipelineType)
			case "retry":
				s.handleRetry(w, r)
			case "delete":
				s.handleDelete(w, r)
			default:
				writeError(w, http.StatusBadRequest, "unknown action %q; valid actions: "+validActions, action)
			}
		case http.MethodGet:
			switch action {
			case "status":
				s.handleStatus(w, r)
			case "result":
				s.handleResult(w, r)
			case "list":
				s.handleList(w, r, pipelineType)
			case "job":
				s.handleJob(w, r)
			case "pipeline":
				s.handlePipeline(w, r)
			default:
				writeError(w, http.StatusBadRequest, "unknown action %q; valid actions: "+validActions, action)
			}
		}
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, pipelineType string) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	res, err := s.startSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if !res.Valid() {
		writeError(w, http.StatusBadRequest, "invalid start request: %s", res.Errors()[0].String())
		return
	}
	var body startBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	result, err := s.eng.StartPipeline(r.Context(), pipelineType, engine.StartRequest{
		Data:       body.Input,
		JobOptions: body.JobOptions,
	}, engine.StartOptions{})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: id")
		return
	}
	var body retryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := s.validate.Struct(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid retry request: jobName is required")
		return
	}

	result, err := s.coord.RestartFromJob(r.Context(), id, body.JobName, restart.Request{
		JobName:    body.JobName,
		JobOptions: body.JobOptions,
	}, engine.StartOptions{})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: id")
		return
	}
	resp, err := s.q.GetStatus(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: id")
		return
	}
	resp, err := s.q.GetResult(r.Context(), id, r.URL.Query().Get("jobName"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, pipelineType string) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := s.q.List(r.Context(), storage.ListFilter{
		PipelineType: pipelineType,
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]pipeline.Opaque{
		"items":      resp.Items,
		"total":      resp.Total,
		"page":       resp.PageNum,
		"limit":      resp.Limit,
		"totalPages": resp.TotalPages,
	}})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DebugEndpointsEnabled {
		writeError(w, http.StatusForbidden, "debug endpoints are disabled")
		return
	}
	id := r.URL.Query().Get("id")
	jobName := r.URL.Query().Get("jobName")
	if id == "" || jobName == "" {
		writeError(w, http.StatusBadRequest, "missing required parameters: id, jobName")
		return
	}
	js, err := s.q.GetJob(r.Context(), id, jobName)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: js})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DebugEndpointsEnabled {
		writeError(w, http.StatusForbidden, "debug endpoints are disabled")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: id")
		return
	}
	st, err := s.q.GetPipeline(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: st})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DebugEndpointsEnabled {
		writeError(w, http.StatusForbidden, "debug endpoints are disabled")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: id")
		return
	}
	if err := s.eng.DeletePipeline(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]pipeline.Opaque{"deleted": id}})
}

// writeErr maps taxonomy-tagged errors to status codes; anything untagged is
// an unexpected fault.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	if pe, ok := pipelineerr.As(err); ok {
		writeError(w, pipelineerr.HTTPStatus(pe.Code), "%s", pe.Message)
		return
	}
	s.logger.Error("unexpected handler error", obs.Err(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}
