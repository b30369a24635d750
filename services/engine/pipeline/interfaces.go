// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline resolves individual graph nodes: web search with an
// escalation ladder (query refinement, then a first-principles estimate),
// user-input parking, and sandboxed calculation.
//
// The pipeline owns a node from Start to a terminal or parked state. It
// never touches two nodes' working data at once; cross-node effects go
// through the graph's serialized mutation methods.
package pipeline

import (
	"context"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
)

// Retriever answers a single query with strict extracted facts.
//
// Description:
//
//	Implementations search the web (or another corpus) for documents
//	relevant to the query and extract fact/quote pairs that answer the
//	node's question. An empty result slice means "no answer found" and is
//	an expected outcome, not an error; a non-nil error means the service
//	itself faulted after its own bounded retries.
type Retriever interface {
	Retrieve(ctx context.Context, question string, query graph.SearchQuery) ([]graph.SearchResult, error)
}

// RefineRequest is the context handed to the refinement stage of the
// escalation ladder.
type RefineRequest struct {
	// Question is the node's original question.
	Question string `json:"question"`

	// FailedQueries are query texts that yielded nothing; refined queries
	// must avoid repeating their shape.
	FailedQueries []string `json:"failed_queries"`

	// KnownValues are facts already resolved elsewhere in the graph,
	// keyed by question.
	KnownValues map[string]string `json:"known_values"`
}

// Breakdown is the refinement stage's output: replacement queries for the
// original node, plus optional independent sibling node proposals that
// attack the question from a different angle.
type Breakdown struct {
	Rationale string              `json:"rationale"`
	Queries   []graph.SearchQuery `json:"queries"`
	NewNodes  []graph.NodeSpec    `json:"new_nodes,omitempty"`
}

// Refiner proposes a breakdown after a failed search.
type Refiner interface {
	Refine(ctx context.Context, req RefineRequest) (*Breakdown, error)
}

// EstimateRequest is the context handed to the estimation stage.
type EstimateRequest struct {
	Question      string            `json:"question"`
	FailedQueries []string          `json:"failed_queries"`
	KnownValues   map[string]string `json:"known_values"`
}

// Estimator produces a best-effort first-principles value with reasoning
// and explicit assumptions. Estimation always yields a value in the domain
// sense; an error return is a service fault, not "cannot estimate".
type Estimator interface {
	Estimate(ctx context.Context, req EstimateRequest) (*graph.Estimate, error)
}

// Sandbox evaluates a restricted arithmetic expression against named
// numeric inputs.
type Sandbox interface {
	Execute(ctx context.Context, expression string, inputs map[string]float64) (float64, error)
}
