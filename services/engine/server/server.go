// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes exploration sessions over HTTP and websocket. The
// REST surface creates and inspects sessions; the websocket surface streams
// progress events to the observer and accepts goal and user-input messages.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/observability"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/pipeline"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/scheduler"
)

const serviceName = "idea-exploration"

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a goal is submitted for a session
	// that is already running.
	ErrSessionExists = errors.New("session already started")
)

// Config assembles a Server. Retriever, Refiner, Estimator, Sandbox, and
// Generator are shared across sessions; everything per-session (graphs,
// emitter, resolver, scheduler) is built at session start.
type Config struct {
	Retriever pipeline.Retriever
	Refiner   pipeline.Refiner
	Estimator pipeline.Estimator
	Sandbox   pipeline.Sandbox
	Generator scheduler.Generator

	Workers  int
	MaxDepth int
	MaxNodes int

	// Metrics, when set, is subscribed on every session emitter.
	Metrics *observability.Metrics

	// Gatherer backs the /metrics endpoint. Defaults to the global
	// Prometheus gatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server owns the session registry and the HTTP surface.
//
// Thread Safety: all methods are safe for concurrent use.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// sessionEntry tracks one running or finished session. done is closed when
// the session's Run returns; err is valid only after that.
type sessionEntry struct {
	session *scheduler.Session
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewServer validates the shared collaborators and returns a Server.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Retriever == nil:
		return nil, errors.New("server: retriever is required")
	case cfg.Refiner == nil:
		return nil, errors.New("server: refiner is required")
	case cfg.Estimator == nil:
		return nil, errors.New("server: estimator is required")
	case cfg.Sandbox == nil:
		return nil, errors.New("server: sandbox is required")
	case cfg.Generator == nil:
		return nil, errors.New("server: generator is required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*sessionEntry),
	}, nil
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer,
		promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions/:sessionId", s.handleGetSession)
		v1.GET("/sessions/:sessionId/graphs", s.handleGetGraphs)
		v1.POST("/sessions/:sessionId/input", s.handleUserInput)
	}

	router.GET("/ws/:sessionId", s.handleWebSocket)

	return router
}

// Shutdown cancels every running session and waits for their schedulers to
// wind down.
func (s *Server) Shutdown() {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	for _, entry := range entries {
		entry.cancel()
	}
	for _, entry := range entries {
		<-entry.done
	}
}

// startSession registers a new session under sessionID (a fresh id when
// empty) and runs it on its own goroutine. The returned entry is already
// running.
func (s *Server) startSession(goal, sessionID string) (*sessionEntry, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	emitter := events.NewEmitter(sessionID)

	resolver, err := pipeline.NewResolver(pipeline.Config{
		Emitter:   emitter,
		Retriever: s.cfg.Retriever,
		Refiner:   s.cfg.Refiner,
		Estimator: s.cfg.Estimator,
		Sandbox:   s.cfg.Sandbox,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building resolver: %w", err)
	}

	session, err := scheduler.NewSession(scheduler.SessionConfig{
		Goal:      goal,
		Resolver:  resolver,
		Generator: s.cfg.Generator,
		Emitter:   emitter,
		Workers:   s.cfg.Workers,
		MaxDepth:  s.cfg.MaxDepth,
		MaxNodes:  s.cfg.MaxNodes,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building session: %w", err)
	}

	if s.cfg.Metrics != nil {
		session.Emitter().Subscribe(s.cfg.Metrics.Observe)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &sessionEntry{
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.sessions[session.ID()]; exists {
		s.mu.Unlock()
		cancel()
		return nil, ErrSessionExists
	}
	s.sessions[session.ID()] = entry
	s.mu.Unlock()

	go func() {
		defer close(entry.done)
		entry.err = session.Run(ctx)
		if entry.err != nil && !errors.Is(entry.err, context.Canceled) {
			s.logger.Error("session run failed",
				"session_id", session.ID(), "error", entry.err)
			return
		}
		s.logger.Info("session finished", "session_id", session.ID())
	}()

	s.logger.Info("session started",
		"session_id", session.ID(), "goal", goal)
	return entry, nil
}

func (s *Server) lookup(sessionID string) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[sessionID]
	return entry, ok
}

var _ scheduler.NodeResolver = (*pipeline.Resolver)(nil)

// --- REST handlers ---

type createSessionRequest struct {
	Goal string `json:"goal" binding:"required"`

	// Context is optional background the user supplies with the goal.
	Context string `json:"context"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
}

type userInputRequest struct {
	NodeID string `json:"node_id" binding:"required"`
	Input  string `json:"input" binding:"required"`
}

type sessionStatusResponse struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
	Running   bool   `json:"running"`

	// Active reports whether either graph still has nodes in a
	// processing state, including nodes parked on user input.
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

type graphsResponse struct {
	KeyInformation      *graph.Snapshot `json:"key_information"`
	SolutionExploration *graph.Snapshot `json:"solution_exploration,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := s.startSession(composeGoal(req.Goal, req.Context), "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID: entry.session.ID(),
		Goal:      entry.session.Goal(),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	entry, ok := s.lookup(c.Param("sessionId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
		return
	}

	resp := sessionStatusResponse{
		SessionID: entry.session.ID(),
		Goal:      entry.session.Goal(),
		Running:   true,
		Active:    entry.session.KeyInformation().HasActive(),
	}
	if exploration := entry.session.Exploration(); exploration != nil {
		resp.Active = resp.Active || exploration.HasActive()
	}
	select {
	case <-entry.done:
		resp.Running = false
		if entry.err != nil {
			resp.Error = entry.err.Error()
		}
	default:
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetGraphs(c *gin.Context) {
	entry, ok := s.lookup(c.Param("sessionId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
		return
	}

	resp := graphsResponse{
		KeyInformation: entry.session.KeyInformation().Snapshot(),
	}
	if exploration := entry.session.Exploration(); exploration != nil {
		resp.SolutionExploration = exploration.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUserInput(c *gin.Context) {
	entry, ok := s.lookup(c.Param("sessionId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
		return
	}

	var req userInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := entry.session.Resume(req.NodeID, req.Input); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, graph.ErrNodeNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// composeGoal folds the optional free-text context into the goal the
// generators see.
func composeGoal(goal, context string) string {
	if context == "" {
		return goal
	}
	return goal + "\n\nAdditional context: " + context
}
