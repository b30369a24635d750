// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
)

var tracer = otel.Tracer("explorer.pipeline")

// maxRefinedQueries caps the refinement stage of the escalation ladder.
const maxRefinedQueries = 3

var (
	// ErrInputNotReady indicates a calculation was dispatched before all of
	// its input nodes were COMPLETE. This is a scheduler ordering bug, not a
	// runtime condition of the node itself.
	ErrInputNotReady = errors.New("input node not complete")

	// ErrEstimateUnavailable indicates the estimation service faulted after
	// its own retries. The node is left in NEEDS_ESTIMATE for a later pass.
	ErrEstimateUnavailable = errors.New("estimate unavailable")
)

// Config assembles a Resolver's collaborators.
type Config struct {
	Emitter   *events.Emitter
	Retriever Retriever
	Refiner   Refiner
	Estimator Estimator
	Sandbox   Sandbox
	Logger    *slog.Logger
}

// Resolver drives one node at a time from PENDING to a terminal or parked
// state, emitting progress events along the way.
//
// Thread Safety: Safe for concurrent use; concurrent Resolve calls must
// target distinct nodes (the scheduler guarantees this).
type Resolver struct {
	emitter   *events.Emitter
	retriever Retriever
	refiner   Refiner
	estimator Estimator
	sandbox   Sandbox
	logger    *slog.Logger
}

// NewResolver creates a Resolver from the given configuration.
//
// Inputs:
//
//	cfg - All collaborators are required except Logger, which defaults to
//	      slog.Default().
//
// Outputs:
//
//	*Resolver - The resolver.
//	error - Non-nil if a required collaborator is missing.
func NewResolver(cfg Config) (*Resolver, error) {
	switch {
	case cfg.Emitter == nil:
		return nil, errors.New("emitter must not be nil")
	case cfg.Retriever == nil:
		return nil, errors.New("retriever must not be nil")
	case cfg.Refiner == nil:
		return nil, errors.New("refiner must not be nil")
	case cfg.Estimator == nil:
		return nil, errors.New("estimator must not be nil")
	case cfg.Sandbox == nil:
		return nil, errors.New("sandbox must not be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		emitter:   cfg.Emitter,
		retriever: cfg.Retriever,
		refiner:   cfg.Refiner,
		estimator: cfg.Estimator,
		sandbox:   cfg.Sandbox,
		logger:    logger,
	}, nil
}

// Resolve claims a ready node and runs it to a terminal or parked state.
//
// Description:
//
//	Dispatches on the node's type and gathering method. Web-search nodes
//	run the search strategy with the escalation ladder behind it; ask-user
//	nodes are parked BLOCKED with a user_input_requested event and consume
//	no further work until external input arrives; calculate nodes resolve
//	their inputs and run the sandbox.
//
// Inputs:
//
//	ctx - Cancellation context for the node's external calls.
//	g - The graph owning the node.
//	nodeID - ID of a node whose dependencies are all COMPLETE.
//
// Outputs:
//
//	error - Non-nil if the node could not be claimed or a collaborator
//	        faulted irrecoverably. Domain failures (no fact found, sandbox
//	        errors) are recorded on the node, not returned.
//
// Thread Safety: Safe for concurrent use on distinct nodes.
func (r *Resolver) Resolve(ctx context.Context, g *graph.Graph, nodeID string) error {
	ctx, span := tracer.Start(ctx, "pipeline.Resolve",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("graph.kind", string(g.Kind())),
		))
	defer span.End()

	state, err := g.Start(nodeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("claim node %q: %w", nodeID, err)
	}
	r.emitState(g, nodeID, state)

	switch state {
	case graph.StateBlocked:
		node, _ := g.Node(nodeID)
		r.emitter.Emit(events.TypeUserInputRequested, &events.UserInputRequestedData{
			GraphKind: g.Kind(),
			NodeID:    nodeID,
			Question:  node.Question,
			Rationale: node.Rationale,
		})
		r.logger.Info("node parked on user input", "node_id", nodeID)
		return nil

	case graph.StateCalculating:
		err = r.resolveCalculation(ctx, g, nodeID)

	case graph.StateSearching:
		err = r.resolveSearch(ctx, g, nodeID)

	default:
		err = fmt.Errorf("node %q entered unexpected state %s", nodeID, state)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// resolveSearch runs the node's declared queries, then the escalation
// ladder if none of them yields a fact.
func (r *Resolver) resolveSearch(ctx context.Context, g *graph.Graph, nodeID string) error {
	node, ok := g.Node(nodeID)
	if !ok {
		return fmt.Errorf("resolve search %q: %w", nodeID, graph.ErrNodeNotFound)
	}

	results, failed := r.runQueries(ctx, node.Question, node.Search.Queries)
	r.recordFailedQueries(g, nodeID, failed)
	if len(results) > 0 {
		return r.completeSearch(g, nodeID, results)
	}

	// No fact found: not an error, the ladder takes over.
	r.logger.Info("search exhausted, escalating",
		"node_id", nodeID, "failed_queries", len(failed))
	return r.escalate(ctx, g, nodeID, node.Question)
}

// escalate runs the two-stage ladder: one breakdown attempt with at most
// three refined queries, then a first-principles estimate. The ladder never
// re-enters SEARCHING.
func (r *Resolver) escalate(ctx context.Context, g *graph.Graph, nodeID, question string) error {
	if err := g.Transition(nodeID, graph.StateNeedsBreakdown); err != nil {
		return fmt.Errorf("escalate %q: %w", nodeID, err)
	}
	r.emitState(g, nodeID, graph.StateNeedsBreakdown)

	node, _ := g.Node(nodeID)

	bd, err := r.refiner.Refine(ctx, RefineRequest{
		Question:      question,
		FailedQueries: node.Search.FailedQueries,
		KnownValues:   g.KnownValues(),
	})
	if err != nil {
		// A refinement fault skips straight to estimation; the ladder must
		// still terminate in a value.
		r.logger.Warn("query refinement unavailable",
			"node_id", nodeID, "error", err)
	}

	if bd != nil {
		attempt := &graph.BreakdownAttempt{
			OriginalQuestion: question,
			Rationale:        bd.Rationale,
			NewNodes:         bd.NewNodes,
		}
		if err := g.RecordBreakdown(nodeID, attempt); err != nil {
			return fmt.Errorf("record breakdown %q: %w", nodeID, err)
		}
		r.addBreakdownSiblings(g, nodeID, bd.NewNodes)

		refined := bd.Queries
		if len(refined) > maxRefinedQueries {
			refined = refined[:maxRefinedQueries]
		}
		results, failed := r.runQueries(ctx, question, refined)
		r.recordFailedQueries(g, nodeID, failed)
		if len(results) > 0 {
			if err := g.Update(nodeID, func(n *graph.Node) error {
				n.Breakdown.WasSuccessful = true
				return nil
			}); err != nil {
				return err
			}
			return r.completeSearch(g, nodeID, results)
		}
	}

	if err := g.Transition(nodeID, graph.StateNeedsEstimate); err != nil {
		return fmt.Errorf("escalate %q: %w", nodeID, err)
	}
	r.emitState(g, nodeID, graph.StateNeedsEstimate)

	// Re-read the value map: siblings may have completed during the
	// refined-query pass, and the estimate should see them.
	node, _ = g.Node(nodeID)
	est, err := r.estimator.Estimate(ctx, EstimateRequest{
		Question:      question,
		FailedQueries: node.Search.FailedQueries,
		KnownValues:   g.KnownValues(),
	})
	if err != nil {
		return fmt.Errorf("estimate %q: %w: %w", nodeID, ErrEstimateUnavailable, err)
	}

	if err := g.Update(nodeID, func(n *graph.Node) error {
		n.Estimate = est
		return nil
	}); err != nil {
		return err
	}
	if err := g.Complete(nodeID, est.Value, graph.SourceEstimate); err != nil {
		return fmt.Errorf("complete estimate %q: %w", nodeID, err)
	}

	r.emitter.Emit(events.TypeNodeValueSet, &events.NodeValueSetData{
		GraphKind: g.Kind(),
		NodeID:    nodeID,
		Value:     est.Value,
		Source:    graph.SourceEstimate,
		Estimate:  est,
	})
	r.emitState(g, nodeID, graph.StateComplete)
	return nil
}

// addBreakdownSiblings admits the breakdown's independent sibling nodes.
// A structurally invalid sibling batch is logged and dropped; it never
// affects the original node's ladder.
func (r *Resolver) addBreakdownSiblings(g *graph.Graph, parentID string, specs []graph.NodeSpec) {
	if len(specs) == 0 {
		return
	}
	added, err := g.AddNodes(specs)
	if err != nil {
		r.logger.Warn("breakdown sibling batch rejected",
			"parent_id", parentID, "error", err)
		return
	}
	r.emitter.Emit(events.TypeNodesAdded, &events.NodesAddedData{
		GraphKind: g.Kind(),
		ParentID:  parentID,
		Nodes:     added,
	})
}

// runQueries issues queries in order and accepts the first affirmative
// extraction. It returns the accepted results and the texts of queries
// that yielded nothing. A retrieval service fault counts the query as
// failed; the ladder guarantees a value regardless.
func (r *Resolver) runQueries(ctx context.Context, question string, queries []graph.SearchQuery) ([]graph.SearchResult, []string) {
	var failed []string
	for _, q := range queries {
		if ctx.Err() != nil {
			failed = append(failed, q.Query)
			continue
		}
		results, err := r.retriever.Retrieve(ctx, question, q)
		if err != nil {
			r.logger.Warn("retrieval fault", "query", q.Query, "error", err)
			failed = append(failed, q.Query)
			continue
		}
		if len(results) == 0 {
			failed = append(failed, q.Query)
			continue
		}
		return results, failed
	}
	return nil, failed
}

// recordFailedQueries appends failed query texts to the node's payload so
// refinement can avoid their shape.
func (r *Resolver) recordFailedQueries(g *graph.Graph, nodeID string, failed []string) {
	if len(failed) == 0 {
		return
	}
	if err := g.Update(nodeID, func(n *graph.Node) error {
		n.Search.FailedQueries = append(n.Search.FailedQueries, failed...)
		return nil
	}); err != nil {
		r.logger.Warn("record failed queries", "node_id", nodeID, "error", err)
	}
}

// completeSearch sets a search-sourced value from accepted results. Facts
// are joined with "; " into the node value.
func (r *Resolver) completeSearch(g *graph.Graph, nodeID string, results []graph.SearchResult) error {
	facts := make([]string, 0, len(results))
	for _, res := range results {
		facts = append(facts, res.Fact)
	}
	value := strings.Join(facts, "; ")

	if err := g.Update(nodeID, func(n *graph.Node) error {
		n.Search.Results = append(n.Search.Results, results...)
		return nil
	}); err != nil {
		return err
	}
	if err := g.Complete(nodeID, value, graph.SourceSearch); err != nil {
		return fmt.Errorf("complete search %q: %w", nodeID, err)
	}

	r.emitter.Emit(events.TypeNodeValueSet, &events.NodeValueSetData{
		GraphKind:         g.Kind(),
		NodeID:            nodeID,
		Value:             value,
		Source:            graph.SourceSearch,
		SupportingResults: results,
	})
	r.emitState(g, nodeID, graph.StateComplete)
	return nil
}

// resolveCalculation resolves input values and runs the sandbox. A sandbox
// error is a terminal failure of this node; it never enters the search
// ladder and is never retried, since recomputation with identical inputs
// is deterministic.
func (r *Resolver) resolveCalculation(ctx context.Context, g *graph.Graph, nodeID string) error {
	node, ok := g.Node(nodeID)
	if !ok {
		return fmt.Errorf("resolve calculation %q: %w", nodeID, graph.ErrNodeNotFound)
	}

	inputs := make(map[string]float64, len(node.Calc.InputIDs))
	for _, depID := range node.Calc.InputIDs {
		dep, ok := g.Node(depID)
		if !ok || dep.State != graph.StateComplete {
			return fmt.Errorf("calculation %q input %q: %w", nodeID, depID, ErrInputNotReady)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(dep.Value), 64)
		if err != nil {
			return r.failCalculation(g, nodeID,
				fmt.Sprintf("input %q has non-numeric value %q", depID, dep.Value))
		}
		inputs[depID] = v
	}

	if err := g.Update(nodeID, func(n *graph.Node) error {
		n.Calc.Inputs = inputs
		return nil
	}); err != nil {
		return err
	}

	result, err := r.sandbox.Execute(ctx, node.Calc.Expression, inputs)
	if err != nil {
		return r.failCalculation(g, nodeID, err.Error())
	}

	value := strconv.FormatFloat(result, 'g', -1, 64)
	if err := g.Update(nodeID, func(n *graph.Node) error {
		n.Calc.Result = result
		return nil
	}); err != nil {
		return err
	}
	if err := g.Complete(nodeID, value, graph.SourceCalculation); err != nil {
		return fmt.Errorf("complete calculation %q: %w", nodeID, err)
	}

	r.emitter.Emit(events.TypeNodeValueSet, &events.NodeValueSetData{
		GraphKind: g.Kind(),
		NodeID:    nodeID,
		Value:     value,
		Source:    graph.SourceCalculation,
	})
	r.emitState(g, nodeID, graph.StateComplete)
	return nil
}

// failCalculation marks a calculating node FAILED with a visible reason.
func (r *Resolver) failCalculation(g *graph.Graph, nodeID, reason string) error {
	if err := g.Fail(nodeID, reason); err != nil {
		return fmt.Errorf("fail calculation %q: %w", nodeID, err)
	}
	r.logger.Warn("calculation failed", "node_id", nodeID, "reason", reason)
	r.emitState(g, nodeID, graph.StateFailed)
	return nil
}

func (r *Resolver) emitState(g *graph.Graph, nodeID string, state graph.State) {
	r.emitter.Emit(events.TypeNodeStateChanged, &events.NodeStateChangedData{
		GraphKind: g.Kind(),
		NodeID:    nodeID,
		State:     state,
	})
}
