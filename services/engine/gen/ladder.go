// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/llm"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/pipeline"
)

const refineSystemPrompt = `A web search failed to answer a question. Using
the failed queries and what is already known, propose up to 3 refined
search queries that attack the question from a DIFFERENT angle - never
repeat or lightly rephrase a failed query's shape. You may also propose
new independent nodes (same node JSON shape) that investigate related
sub-questions; these do not answer the original question, they open a
different line of inquiry.

Respond with JSON: {"rationale": "...", "queries": [{"query": "...",
"context": "..."}], "new_nodes": [...]}`

const estimateSystemPrompt = `Search could not answer a question. Produce a
best-effort first-principles estimate. You MUST produce a value; express it
as a range when uncertainty is material. Show your reasoning and list every
assumption explicitly.

Respond with JSON: {"value": "...", "reasoning": "...",
"assumptions": ["..."]}`

// Refiner is the model-backed refinement stage of the escalation ladder.
// It implements pipeline.Refiner.
type Refiner struct {
	client *llm.Client
	logger *slog.Logger
}

// NewRefiner creates a Refiner.
func NewRefiner(client *llm.Client, logger *slog.Logger) (*Refiner, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{client: client, logger: logger}, nil
}

// Refine proposes refined queries and optional sibling nodes after a
// failed search.
func (r *Refiner) Refine(ctx context.Context, req pipeline.RefineRequest) (*pipeline.Breakdown, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nFailed queries:\n", req.Question)
	for _, q := range req.FailedQueries {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if len(req.KnownValues) > 0 {
		b.WriteString("\nAlready known:\n")
		writeValues(&b, req.KnownValues)
	}

	var out pipeline.Breakdown
	err := r.client.CompleteJSON(ctx, llm.Request{
		System: refineSystemPrompt,
		Prompt: b.String(),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("refine queries: %w", err)
	}

	r.logger.Info("queries refined",
		"question", req.Question, "queries", len(out.Queries), "new_nodes", len(out.NewNodes))
	return &out, nil
}

// Estimator is the model-backed estimation stage of the escalation ladder.
// It implements pipeline.Estimator.
type Estimator struct {
	client *llm.Client
	logger *slog.Logger
}

// NewEstimator creates an Estimator.
func NewEstimator(client *llm.Client, logger *slog.Logger) (*Estimator, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{client: client, logger: logger}, nil
}

// Estimate produces a first-principles value with reasoning and explicit
// assumptions.
func (e *Estimator) Estimate(ctx context.Context, req pipeline.EstimateRequest) (*graph.Estimate, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", req.Question)
	if len(req.FailedQueries) > 0 {
		b.WriteString("\nQueries that found nothing:\n")
		for _, q := range req.FailedQueries {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	if len(req.KnownValues) > 0 {
		b.WriteString("\nAlready known:\n")
		writeValues(&b, req.KnownValues)
	}

	var out graph.Estimate
	err := e.client.CompleteJSON(ctx, llm.Request{
		System: estimateSystemPrompt,
		Prompt: b.String(),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("estimate: %w", err)
	}
	if out.Value == "" {
		return nil, errors.New("estimate missing value")
	}

	e.logger.Info("estimate produced",
		"question", req.Question, "value", out.Value)
	return &out, nil
}
