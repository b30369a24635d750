// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler runs a graph to quiescence: a bounded worker pool
// consumes ready nodes, blocked nodes are parked off-pool until external
// input arrives, and once a depth's nodes are terminal the generation
// service is asked to deepen the graph with the accumulated values.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
)

var tracer = otel.Tracer("explorer.scheduler")

const (
	// DefaultWorkers bounds concurrent node resolutions.
	DefaultWorkers = 4

	// DefaultMaxDepth bounds deepening iterations beyond depth 0.
	DefaultMaxDepth = 3

	// DefaultMaxNodes bounds total graph size across all depths.
	DefaultMaxNodes = 60

	// rootBatchSize is the required size of a depth-0 batch.
	rootBatchSize = 3
)

var (
	// ErrRootBatch indicates a depth-0 batch of the wrong shape: it must be
	// exactly three nodes, none declaring dependencies.
	ErrRootBatch = errors.New("root batch must be exactly three independent nodes")

	// ErrUnanchoredNode indicates a deepening node that depends on nothing,
	// which would silently start a second disconnected exploration.
	ErrUnanchoredNode = errors.New("deepening node declares no dependencies")
)

// NodeResolver drives one claimed node to a terminal or parked state.
type NodeResolver interface {
	Resolve(ctx context.Context, g *graph.Graph, nodeID string) error
}

// GenerateRequest asks the generation service for a node batch.
type GenerateRequest struct {
	Kind graph.Kind `json:"graph_kind"`
	Goal string     `json:"goal"`

	// Depth is 0 for the initial batch, else the depth being generated.
	Depth int `json:"depth"`

	// KnownValues are resolved question -> value pairs from this graph.
	KnownValues map[string]string `json:"known_values,omitempty"`

	// Background carries values from outside this graph, e.g. the key
	// information gathered before solution exploration begins.
	Background map[string]string `json:"background,omitempty"`

	// Nodes are the graph's current nodes; empty at depth 0.
	Nodes []*graph.Node `json:"nodes,omitempty"`
}

// Generator proposes node batches. An empty batch at depth > 0 means the
// exploration is exhausted and deepening stops.
type Generator interface {
	GenerateNodes(ctx context.Context, req GenerateRequest) ([]graph.NodeSpec, error)
}

// Config assembles a Scheduler.
type Config struct {
	Graph     *graph.Graph
	Resolver  NodeResolver
	Generator Generator
	Emitter   *events.Emitter

	// Workers bounds concurrent resolutions; DefaultWorkers if zero.
	Workers int

	// MaxDepth bounds deepening; DefaultMaxDepth if zero.
	MaxDepth int

	// MaxNodes bounds graph size; DefaultMaxNodes if zero.
	MaxNodes int

	// Background is handed through to every generation request.
	Background map[string]string

	Logger *slog.Logger
}

// Scheduler owns one graph's execution.
//
// Description:
//
//	Run drives the depth loop; Resume feeds user input to a parked node
//	from any goroutine. The graph itself is the only shared state, and all
//	node mutation goes through its serialized methods.
//
// Thread Safety: Run must be called once; Resume is safe concurrently
// with Run.
type Scheduler struct {
	graph      *graph.Graph
	resolver   NodeResolver
	generator  Generator
	emitter    *events.Emitter
	sem        *semaphore.Weighted
	maxDepth   int
	maxNodes   int
	background map[string]string
	logger     *slog.Logger

	mu         sync.Mutex
	dispatched map[string]bool
	inflight   int

	// wake is pulsed on worker completion and Resume so the drain loop
	// re-examines readiness without polling.
	wake chan struct{}
}

// New creates a Scheduler from the given configuration.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Graph == nil:
		return nil, errors.New("graph must not be nil")
	case cfg.Resolver == nil:
		return nil, errors.New("resolver must not be nil")
	case cfg.Generator == nil:
		return nil, errors.New("generator must not be nil")
	case cfg.Emitter == nil:
		return nil, errors.New("emitter must not be nil")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	maxNodes := cfg.MaxNodes
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		graph:      cfg.Graph,
		resolver:   cfg.Resolver,
		generator:  cfg.Generator,
		emitter:    cfg.Emitter,
		sem:        semaphore.NewWeighted(int64(workers)),
		maxDepth:   maxDepth,
		maxNodes:   maxNodes,
		background: cfg.Background,
		logger:     logger,
		dispatched: make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Graph exposes the scheduler's graph for observation.
func (s *Scheduler) Graph() *graph.Graph { return s.graph }

// Run generates depth 0, resolves to quiescence, and deepens until the
// generator is exhausted or a depth/size limit is reached.
//
// Description:
//
//	Cancellation stops new dispatch; in-flight resolutions finish or
//	cancel cooperatively through ctx, and the graph as of cancellation is
//	the final observable state. A structurally rejected deepening batch
//	aborts only that batch: deepening stops, the run still succeeds.
//
// Outputs:
//
//	error - ctx.Err() on cancellation, a wrapped generator fault, or
//	        ErrRootBatch for a malformed depth-0 batch.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "scheduler.Run",
		trace.WithAttributes(attribute.String("graph.kind", string(s.graph.Kind()))))
	defer span.End()

	specs, err := s.generator.GenerateNodes(ctx, GenerateRequest{
		Kind:       s.graph.Kind(),
		Goal:       s.graph.Goal(),
		Background: s.background,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("generate initial nodes: %w", err)
	}
	if err := validateRootBatch(specs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	added, err := s.graph.AddNodes(specs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("admit initial nodes: %w", err)
	}
	s.emitter.Emit(events.TypeGraphInitialized, &events.GraphInitializedData{
		GraphKind: s.graph.Kind(),
		Goal:      s.graph.Goal(),
		Nodes:     added,
	})
	s.logger.Info("graph initialized",
		"kind", s.graph.Kind(), "nodes", len(added))

	for depth := 0; ; depth++ {
		if err := s.drain(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if depth >= s.maxDepth {
			s.logger.Info("depth limit reached", "depth", depth)
			break
		}
		if s.graph.Len() >= s.maxNodes {
			s.logger.Info("node limit reached", "nodes", s.graph.Len())
			break
		}

		specs, err := s.generator.GenerateNodes(ctx, GenerateRequest{
			Kind:        s.graph.Kind(),
			Goal:        s.graph.Goal(),
			Depth:       depth + 1,
			KnownValues: s.graph.KnownValues(),
			Background:  s.background,
			Nodes:       s.graph.Nodes(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deepen to depth %d: %w", depth+1, err)
		}
		if len(specs) == 0 {
			s.logger.Info("generation exhausted", "depth", depth)
			break
		}

		if err := validateDeepeningBatch(specs); err != nil {
			s.logger.Warn("deepening batch rejected", "depth", depth+1, "error", err)
			break
		}
		added, err := s.graph.AddNodes(specs)
		if err != nil {
			s.logger.Warn("deepening batch rejected", "depth", depth+1, "error", err)
			break
		}
		s.emitter.Emit(events.TypeNodesAdded, &events.NodesAddedData{
			GraphKind: s.graph.Kind(),
			Nodes:     added,
		})
		s.logger.Info("graph deepened", "depth", depth+1, "nodes", len(added))
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Resume completes a parked ask_user node with the supplied input and wakes
// the drain loop so dependents dispatch.
func (s *Scheduler) Resume(nodeID, input string) error {
	if err := s.graph.ResolveUserInput(nodeID, input); err != nil {
		return err
	}

	s.emitter.Emit(events.TypeUserInputReceived, &events.UserInputReceivedData{
		GraphKind: s.graph.Kind(),
		NodeID:    nodeID,
		Input:     input,
	})
	s.emitter.Emit(events.TypeNodeValueSet, &events.NodeValueSetData{
		GraphKind: s.graph.Kind(),
		NodeID:    nodeID,
		Value:     input,
		Source:    graph.SourceUser,
	})
	s.emitter.Emit(events.TypeNodeStateChanged, &events.NodeStateChangedData{
		GraphKind: s.graph.Kind(),
		NodeID:    nodeID,
		State:     graph.StateComplete,
	})

	s.logger.Info("user input received", "node_id", nodeID)
	s.notify()
	return nil
}

// drain dispatches ready nodes until the graph is quiescent: every node is
// terminal, or the only non-terminal nodes are stranded behind failures.
// Blocked nodes hold no worker slot; drain sleeps on the wake channel until
// Resume or a worker completion changes readiness.
func (s *Scheduler) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dispatched := s.dispatchReady(ctx)

		s.mu.Lock()
		inflight := s.inflight
		s.mu.Unlock()

		if !dispatched && inflight == 0 {
			if s.graph.AllTerminal() {
				return nil
			}
			if len(s.graph.Blocked()) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.wake:
				}
				continue
			}
			// Remaining non-terminal nodes are stranded: their dependencies
			// failed, or their own resolution errored irrecoverably. They
			// stay visible in their last state.
			s.logger.Warn("graph quiescent with stranded nodes",
				"kind", s.graph.Kind())
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// dispatchReady hands every not-yet-dispatched ready node to a worker.
// Reports whether anything new was dispatched.
func (s *Scheduler) dispatchReady(ctx context.Context) bool {
	any := false
	for _, n := range s.graph.ReadyNodes() {
		s.mu.Lock()
		if s.dispatched[n.ID] {
			s.mu.Unlock()
			continue
		}
		s.dispatched[n.ID] = true
		s.inflight++
		s.mu.Unlock()

		any = true
		id := n.ID
		go func() {
			defer func() {
				s.mu.Lock()
				s.inflight--
				s.mu.Unlock()
				s.notify()
			}()

			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)

			if err := s.resolver.Resolve(ctx, s.graph, id); err != nil {
				s.logger.Error("node resolution error", "node_id", id, "error", err)
			}
		}()
	}
	return any
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// validateRootBatch enforces the depth-0 contract: exactly three nodes and
// no dependencies.
func validateRootBatch(specs []graph.NodeSpec) error {
	if len(specs) != rootBatchSize {
		return fmt.Errorf("%w: got %d nodes", ErrRootBatch, len(specs))
	}
	for _, spec := range specs {
		if len(spec.DependsOn) > 0 {
			return fmt.Errorf("%w: node %q declares dependencies", ErrRootBatch, spec.ID)
		}
	}
	return nil
}

// validateDeepeningBatch requires every node past depth 0 to anchor itself
// to the graph (an existing or in-batch node).
func validateDeepeningBatch(specs []graph.NodeSpec) error {
	for _, spec := range specs {
		if len(spec.DependsOn) == 0 {
			return fmt.Errorf("%w: node %q", ErrUnanchoredNode, spec.ID)
		}
	}
	return nil
}
