// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
)

// SessionConfig assembles a Session.
type SessionConfig struct {
	Goal      string
	Resolver  NodeResolver
	Generator Generator

	// Emitter is created with a fresh session id when nil.
	Emitter *events.Emitter

	Workers  int
	MaxDepth int
	MaxNodes int
	Logger   *slog.Logger
}

// Session explores one goal through two graphs run in sequence: first the
// key information needed regardless of approach, then candidate solutions
// conditioned on what was learned.
//
// Thread Safety: Run must be called once; Resume and the accessors are
// safe concurrently with Run.
type Session struct {
	id      string
	goal    string
	emitter *events.Emitter
	logger  *slog.Logger

	cfg     SessionConfig
	keyInfo *Scheduler

	mu          sync.RWMutex
	exploration *Scheduler

	explorationGraph *graph.Graph
}

// NewSession creates a session for the given goal. The key-information
// scheduler is built immediately; the exploration scheduler is built when
// Run reaches it, so it can carry the gathered values as background.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Goal == "" {
		return nil, errors.New("goal must not be empty")
	}

	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NewEmitter(uuid.NewString())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keyInfo, err := New(Config{
		Graph:     graph.New(graph.KindKeyInformation, cfg.Goal),
		Resolver:  cfg.Resolver,
		Generator: cfg.Generator,
		Emitter:   emitter,
		Workers:   cfg.Workers,
		MaxDepth:  cfg.MaxDepth,
		MaxNodes:  cfg.MaxNodes,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build key information scheduler: %w", err)
	}

	return &Session{
		id:               emitter.SessionID(),
		goal:             cfg.Goal,
		emitter:          emitter,
		logger:           logger,
		cfg:              cfg,
		keyInfo:          keyInfo,
		explorationGraph: graph.New(graph.KindSolutionExploration, cfg.Goal),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Goal returns the goal under exploration.
func (s *Session) Goal() string { return s.goal }

// Emitter returns the session's event emitter for subscription.
func (s *Session) Emitter() *events.Emitter { return s.emitter }

// KeyInformation returns the key-information graph.
func (s *Session) KeyInformation() *graph.Graph { return s.keyInfo.Graph() }

// Exploration returns the solution-exploration graph. It is empty until
// the key-information phase finishes.
func (s *Session) Exploration() *graph.Graph { return s.explorationGraph }

// Run executes both phases to quiescence.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session started", "session_id", s.id, "goal", s.goal)

	if err := s.keyInfo.Run(ctx); err != nil {
		return fmt.Errorf("key information phase: %w", err)
	}

	exploration, err := New(Config{
		Graph:      s.explorationGraph,
		Resolver:   s.cfg.Resolver,
		Generator:  s.cfg.Generator,
		Emitter:    s.emitter,
		Workers:    s.cfg.Workers,
		MaxDepth:   s.cfg.MaxDepth,
		MaxNodes:   s.cfg.MaxNodes,
		Background: s.keyInfo.Graph().KnownValues(),
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("build exploration scheduler: %w", err)
	}
	s.mu.Lock()
	s.exploration = exploration
	s.mu.Unlock()

	if err := exploration.Run(ctx); err != nil {
		return fmt.Errorf("solution exploration phase: %w", err)
	}

	s.logger.Info("session finished", "session_id", s.id)
	return nil
}

// Resume routes user input to whichever graph holds the parked node. Node
// ids are only unique within a graph, so routing looks for a BLOCKED
// occupant of the id rather than stopping at the first graph that knows it.
func (s *Session) Resume(nodeID, input string) error {
	s.mu.RLock()
	exploration := s.exploration
	s.mu.RUnlock()

	if n, ok := s.keyInfo.Graph().Node(nodeID); ok && n.State == graph.StateBlocked {
		return s.keyInfo.Resume(nodeID, input)
	}
	if exploration != nil {
		if n, ok := exploration.Graph().Node(nodeID); ok && n.State == graph.StateBlocked {
			return exploration.Resume(nodeID, input)
		}
	}

	// Neither graph has the node blocked; resolve anyway so the caller
	// gets the precise error (unknown id vs not waiting for input).
	err := s.keyInfo.Resume(nodeID, input)
	if errors.Is(err, graph.ErrNodeNotFound) && exploration != nil {
		return exploration.Resume(nodeID, input)
	}
	return err
}
