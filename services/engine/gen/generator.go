// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gen is the model-backed graph-generation service: initial node
// batches for both graph kinds, deepening batches conditioned on resolved
// values, plus the escalation ladder's query refinement and first-
// principles estimation.
package gen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/llm"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/scheduler"
)

const keyInfoSystemPrompt = `You plan research for an open-ended goal. List
the essential facts someone would need REGARDLESS of how they eventually
pursue the goal. Propose exactly 3 root nodes with no dependencies.

Each node is either a "gather" node (with gathering_method "web_search"
and 1-3 search_queries, or "ask_user" when only the user can know the
answer) or a "calculate" node (calculation_code is an arithmetic
expression over input node ids, with input_node_ids and a
calculation_explanation).

Respond with JSON: {"nodes": [{"id": "...", "question": "...",
"rationale": "...", "node_type": "...", "depends_on_ids": [],
"gathering_method": "...", "search_queries":
[{"query": "...", "context": "..."}]}]}`

const explorationSystemPrompt = `You explore candidate approaches to a
goal, using already-gathered key information. Propose exactly 3 root nodes
with no dependencies, each investigating one distinct promising approach.
Use the same node JSON shape: gather nodes (web_search or ask_user) and
calculate nodes over input node ids.

Respond with JSON: {"nodes": [...]}`

const deepenSystemPrompt = `You deepen an existing research graph. Given
the nodes so far and the values already resolved, propose follow-up nodes
that build on them. Every new node MUST list at least one existing node id
in depends_on_ids. Prefer calculate nodes that combine resolved numeric
values, and gather nodes that chase the most promising open threads.
Return {"nodes": []} when nothing worth adding remains.

Respond with JSON: {"nodes": [...]}`

// nodeList is the generation response shape.
type nodeList struct {
	Nodes []graph.NodeSpec `json:"nodes"`
}

// Generator proposes node batches via an ordered model ensemble. It
// implements scheduler.Generator.
//
// Generation runs the clients sequentially: each model's prompt carries
// the nodes proposed by the models before it, so later models extend or
// revise rather than start from scratch.
//
// Thread Safety: Safe for concurrent use.
type Generator struct {
	clients []*llm.Client
	logger  *slog.Logger
}

// NewGenerator creates a Generator over one or more model clients.
func NewGenerator(clients []*llm.Client, logger *slog.Logger) (*Generator, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one client is required")
	}
	for _, client := range clients {
		if client == nil {
			return nil, errors.New("client must not be nil")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{clients: clients, logger: logger}, nil
}

// GenerateNodes proposes a batch for the requested graph kind and depth.
func (g *Generator) GenerateNodes(ctx context.Context, req scheduler.GenerateRequest) ([]graph.NodeSpec, error) {
	system := deepenSystemPrompt
	if req.Depth == 0 {
		if req.Kind == graph.KindSolutionExploration {
			system = explorationSystemPrompt
		} else {
			system = keyInfoSystemPrompt
		}
	}

	var batch []graph.NodeSpec
	for _, client := range g.clients {
		var list nodeList
		err := client.CompleteJSON(ctx, llm.Request{
			System: system,
			Prompt: generationPrompt(req, batch),
		}, &list)
		if err != nil {
			return nil, fmt.Errorf("generate nodes (model=%s kind=%s depth=%d): %w",
				client.Model(), req.Kind, req.Depth, err)
		}

		batch = accumulate(req.Depth, batch, list.Nodes)
		g.logger.Info("nodes generated",
			"model", client.Model(), "kind", req.Kind, "depth", req.Depth,
			"count", len(list.Nodes), "accumulated", len(batch))
	}
	return batch, nil
}

// accumulate folds one model's proposal into the running batch. The root
// batch must stay at exactly three independent nodes, so each model there
// returns a full revision of the set and the latest non-empty revision
// wins. Deepening batches are a union: later models add to what earlier
// ones proposed, and the first proposal of an id wins.
func accumulate(depth int, acc, proposed []graph.NodeSpec) []graph.NodeSpec {
	if depth == 0 {
		if len(proposed) == 0 {
			return acc
		}
		return proposed
	}

	seen := make(map[string]bool, len(acc))
	for _, spec := range acc {
		seen[spec.ID] = true
	}
	for _, spec := range proposed {
		if seen[spec.ID] {
			continue
		}
		seen[spec.ID] = true
		acc = append(acc, spec)
	}
	return acc
}

func generationPrompt(req scheduler.GenerateRequest, proposed []graph.NodeSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)

	if len(req.Background) > 0 {
		b.WriteString("\nBackground already established:\n")
		writeValues(&b, req.Background)
	}
	if len(req.KnownValues) > 0 {
		b.WriteString("\nValues resolved so far in this graph:\n")
		writeValues(&b, req.KnownValues)
	}
	if len(req.Nodes) > 0 {
		b.WriteString("\nExisting nodes (id, state, question):\n")
		for _, n := range req.Nodes {
			fmt.Fprintf(&b, "- %s [%s] %s\n", n.ID, n.State, n.Question)
		}
	}
	if len(proposed) > 0 {
		b.WriteString("\nNodes already proposed earlier in this round:\n")
		for _, spec := range proposed {
			fmt.Fprintf(&b, "- %s: %s\n", spec.ID, spec.Question)
		}
		if req.Depth == 0 {
			b.WriteString("Return the final set of exactly 3 root nodes, keeping, revising, or replacing these.\n")
		} else {
			b.WriteString("Add nodes that complement these; do not repeat their ids.\n")
		}
	}
	if req.Depth > 0 {
		fmt.Fprintf(&b, "\nPropose nodes for depth %d.\n", req.Depth)
	}
	return b.String()
}

// writeValues renders a value map in stable order so prompts cache well.
func writeValues(b *strings.Builder, values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, values[k])
	}
}
