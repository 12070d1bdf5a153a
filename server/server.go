//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package server exposes graph execution over HTTP. Runs are submitted
// through the runner, streamed as server-sent events, and thread state is
// readable and writable through the checkpoint surface.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-graph-go/cron"
	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/runner"
)

// sseDone is the stream end sentinel sent after the last event.
const sseDone = "[DONE]"

// Server is the HTTP front end for graph execution.
type Server struct {
	router    *mux.Router
	runner    *runner.Runner
	scheduler *cron.Scheduler

	mu     sync.RWMutex
	graphs map[string]*graph.Executor
}

// Option configures the Server.
type Option func(*Server)

// WithScheduler enables the cron endpoints backed by the given scheduler.
func WithScheduler(scheduler *cron.Scheduler) Option {
	return func(s *Server) { s.scheduler = scheduler }
}

// New creates a server over the given runner. Graphs registered through
// RegisterGraph become addressable by name.
func New(r *runner.Runner, opts ...Option) *Server {
	s := &Server{
		router: mux.NewRouter(),
		runner: r,
		graphs: make(map[string]*graph.Executor),
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// RegisterGraph makes a compiled graph's executor addressable by name and
// registers it with the runner.
func (s *Server) RegisterGraph(name string, executor *graph.Executor) {
	s.mu.Lock()
	s.graphs[name] = executor
	s.mu.Unlock()
	s.runner.RegisterGraph(name, executor)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/graphs", s.handleListGraphs).Methods(http.MethodGet)

	// Run APIs.
	s.router.HandleFunc("/graphs/{graph}/runs", s.handleCreateRun).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{graph}/runs/stream", s.handleStreamRun).Methods(http.MethodPost)
	s.router.HandleFunc("/runs/{run}", s.handleGetRun).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{run}", s.handleCancelRun).Methods(http.MethodDelete)

	// Thread state APIs.
	s.router.HandleFunc("/graphs/{graph}/threads/{thread}/state", s.handleGetState).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graph}/threads/{thread}/state", s.handleUpdateState).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{graph}/threads/{thread}/history", s.handleStateHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graph}/threads/{thread}", s.handleDeleteThread).Methods(http.MethodDelete)

	// Cron APIs.
	s.router.HandleFunc("/crons", s.handleCreateCron).Methods(http.MethodPost)
	s.router.HandleFunc("/crons", s.handleListCrons).Methods(http.MethodGet)
	s.router.HandleFunc("/crons/{cron}", s.handleGetCron).Methods(http.MethodGet)
	s.router.HandleFunc("/crons/{cron}", s.handleDeleteCron).Methods(http.MethodDelete)

	preflight := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	s.router.PathPrefix("/").HandlerFunc(preflight).Methods(http.MethodOptions)
}

// ---- request / response schemas -----------------------------------------

// runRequest is the body of run submissions.
type runRequest struct {
	// LineageID is the thread to run on. Empty starts an anonymous run.
	LineageID string `json:"lineage_id,omitempty"`
	// CheckpointID pins the starting checkpoint.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// Input is the initial state update.
	Input map[string]any `json:"input,omitempty"`
	// Resume supplies a single resume value for an interrupted thread.
	Resume any `json:"resume,omitempty"`
	// ResumeMap supplies keyed resume values.
	ResumeMap map[string]any `json:"resume_map,omitempty"`
	// ResumeValues supplies positional resume values.
	ResumeValues []any `json:"resume_values,omitempty"`
	// StreamModes selects the event families to emit.
	StreamModes []string `json:"stream_modes,omitempty"`
	// Wait makes the non-streaming endpoint block until the run finishes.
	Wait bool `json:"wait,omitempty"`
}

func (rr *runRequest) submitRequest(graphName string) runner.SubmitRequest {
	req := runner.SubmitRequest{
		GraphName:    graphName,
		LineageID:    rr.LineageID,
		CheckpointID: rr.CheckpointID,
	}
	if rr.Input != nil {
		req.Input = graph.State(rr.Input)
	}
	if rr.Resume != nil || len(rr.ResumeMap) > 0 || len(rr.ResumeValues) > 0 {
		cmd := &graph.ResumeCommand{
			Resume:       rr.Resume,
			ResumeMap:    rr.ResumeMap,
			ResumeValues: rr.ResumeValues,
		}
		req.Command = cmd
	}
	for _, mode := range rr.StreamModes {
		req.StreamModes = append(req.StreamModes, graph.StreamMode(mode))
	}
	return req
}

// runResponse describes one run.
type runResponse struct {
	RunID     string      `json:"run_id"`
	GraphName string      `json:"graph_name"`
	LineageID string      `json:"lineage_id,omitempty"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	Values    graph.State `json:"values,omitempty"`
	Interrupt any         `json:"interrupt,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func buildRunResponse(run *runner.Run) runResponse {
	resp := runResponse{
		RunID:     run.ID,
		GraphName: run.GraphName,
		LineageID: run.LineageID,
		Status:    string(run.Status()),
		CreatedAt: run.CreatedAt(),
	}
	if run.Status().Terminal() {
		values, interrupt, err := run.Result()
		resp.Values = values
		if interrupt != nil {
			resp.Interrupt = interrupt.Value
		}
		if err != nil {
			resp.Error = err.Error()
		}
	}
	return resp
}

// updateStateRequest is the body of thread state updates.
type updateStateRequest struct {
	// Values is the state update to apply.
	Values map[string]any `json:"values"`
	// AsNode attributes the update to a node for routing purposes.
	AsNode string `json:"as_node,omitempty"`
	// CheckpointID selects the checkpoint to branch from; empty uses the
	// latest.
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// cronRequest is the body of cron job registrations.
type cronRequest struct {
	Schedule  string         `json:"schedule"`
	GraphName string         `json:"graph_name"`
	LineageID string         `json:"lineage_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// ---- run handlers --------------------------------------------------------

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	graphName := mux.Vars(r)["graph"]
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	run, err := s.runner.Submit(r.Context(), req.submitRequest(graphName))
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if !req.Wait {
		s.writeJSON(w, http.StatusAccepted, buildRunResponse(run))
		return
	}
	if _, err := s.runner.Wait(r.Context(), run.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, buildRunResponse(run))
}

func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	graphName := mux.Vars(r)["graph"]
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	run, err := s.runner.Submit(r.Context(), req.submitRequest(graphName))
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	events := run.Subscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for e := range events {
		data, err := json.Marshal(sseEvent(e))
		if err != nil {
			log.Errorf("marshal sse event: %v", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprintf(w, "data: %s\n\n", sseDone)
	flusher.Flush()
	log.Debugf("stream for run %s finished", run.ID)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Get(mux.Vars(r)["run"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, buildRunResponse(run))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	err := s.runner.Cancel(mux.Vars(r)["run"])
	switch {
	case errors.Is(err, runner.ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, runner.ErrRunFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- thread state handlers -----------------------------------------------

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executor, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	config := graph.CreateCheckpointConfig(vars["thread"], r.URL.Query().Get("checkpoint_id"), "")
	snapshot, err := executor.GetState(r.Context(), config)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executor, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	config := graph.CreateCheckpointConfig(vars["thread"], req.CheckpointID, "")
	updated, err := executor.UpdateState(r.Context(), config, graph.State(req.Values), req.AsNode)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint_id": graph.GetCheckpointID(updated),
		"lineage_id":    graph.GetLineageID(updated),
	})
}

func (s *Server) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executor, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	filter := graph.NewCheckpointFilter()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		var n int
		if _, err := fmt.Sscanf(limit, "%d", &n); err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter = filter.WithLimit(n)
	}
	config := graph.CreateCheckpointConfig(vars["thread"], "", "")
	snapshots, err := executor.GetStateHistory(r.Context(), config, filter)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executor, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	manager := executor.CheckpointManager()
	if manager == nil {
		http.Error(w, graph.ErrCheckpointSaverRequired.Error(), http.StatusConflict)
		return
	}
	if err := manager.DeleteLineage(r.Context(), vars["thread"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- cron handlers -------------------------------------------------------

func (s *Server) handleCreateCron(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "cron scheduler not configured", http.StatusNotImplemented)
		return
	}
	var req cronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	job, err := s.scheduler.AddJob(cron.JobRequest{
		Schedule:  req.Schedule,
		GraphName: req.GraphName,
		LineageID: req.LineageID,
		Input:     graph.State(req.Input),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListCrons(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "cron scheduler not configured", http.StatusNotImplemented)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scheduler.ListJobs())
}

func (s *Server) handleGetCron(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "cron scheduler not configured", http.StatusNotImplemented)
		return
	}
	job, err := s.scheduler.GetJob(mux.Vars(r)["cron"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteCron(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "cron scheduler not configured", http.StatusNotImplemented)
		return
	}
	if err := s.scheduler.RemoveJob(mux.Vars(r)["cron"]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers -------------------------------------------------------------

func (s *Server) executor(name string) (*graph.Executor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	executor, ok := s.graphs[name]
	return executor, ok
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode response: %v", err)
	}
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrGraphNotRegistered):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, runner.ErrRunConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, graph.ErrCheckpointNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, graph.ErrCheckpointSaverRequired),
		errors.Is(err, graph.ErrLineageIDRequired):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// sseEvent flattens an event for the wire. Structured payloads are kept
// in-process only; subscribers get the serialized metadata instead.
func sseEvent(e *event.Event) map[string]any {
	payload := map[string]any{
		"id":            e.ID,
		"invocation_id": e.InvocationID,
		"author":        e.Author,
		"object":        e.Object,
		"timestamp":     e.Timestamp.UnixMilli(),
		"done":          e.Done,
	}
	if e.Error != nil {
		payload["error"] = e.Error
	}
	if len(e.StateDelta) > 0 {
		delta := make(map[string]json.RawMessage, len(e.StateDelta))
		for k, v := range e.StateDelta {
			delta[k] = json.RawMessage(v)
		}
		payload["state_delta"] = delta
	}
	return payload
}
