// Copyright 2025 James Ross
// Package httpapi is the thin HTTP adapter over the core's operations: one
// route per registered pipeline, POST to start, GET with an action query to
// inspect, POST ?action=retry to restart from a job.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/engine"
	"github.com/flyingrobots/pipeline-orchestrator/internal/query"
	"github.com/flyingrobots/pipeline-orchestrator/internal/registry"
	"github.com/flyingrobots/pipeline-orchestrator/internal/restart"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Config tunes the adapter; DebugEndpointsEnabled gates the raw-state
// actions (job, pipeline, delete) behind a 403 when off.
type Config struct {
	ListenAddr            string
	BasePath              string
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	DebugEndpointsEnabled bool
}

// startSchemaJSON is the generic shape every start body must satisfy before
// the engine sees it; the narrower retry DTO is checked with struct tags.
const startSchemaJSON = `{
	"type": "object",
	"required": ["input"],
	"properties": {
		"input": {},
		"jobOptions": {"type": "object"}
	}
}`

type Server struct {
	cfg         Config
	reg         *registry.Registry
	eng         *engine.Engine
	coord       *restart.Coordinator
	q           *query.API
	logger      *zap.Logger
	server      *http.Server
	validate    *validator.Validate
	startSchema *gojsonschema.Schema
}

func NewServer(cfg Config, reg *registry.Registry, eng *engine.Engine, coord *restart.Coordinator, q *query.API, logger *zap.Logger) (*Server, error) {
	if cfg.BasePath == "" {
		cfg.BasePath = "/pipelines"
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(startSchemaJSON))
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:         cfg,
		reg:         reg,
		eng:         eng,
		coord:       coord,
		q:           q,
		logger:      logger,
		validate:    validator.New(),
		startSchema: schema,
	}, nil
}

// Start starts the API server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("Starting pipeline API server",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("debug_endpoints", s.cfg.DebugEndpointsEnabled))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Routes configures one route per registered pipeline (exported for testing).
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	for _, name := range s.reg.Names() {
		r.HandleFunc(s.cfg.BasePath+"/"+name, s.pipelineHandler(name)).Methods(http.MethodGet, http.MethodPost)
	}
	return r
}
