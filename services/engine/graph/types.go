// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the task-dependency graph at the core of goal
// exploration: an append-only, acyclic collection of information-gathering
// and calculation nodes sharing one goal.
//
// Nodes are created in batches (structurally validated as a whole) and then
// driven through a small state machine by the resolution pipeline. Only a
// node's state, payload, value, and breakdown record ever change after
// creation; identity, type, and dependencies are immutable.
//
// Thread Safety:
//
//	Graph is safe for any number of concurrent readers. Mutations are
//	serialized through the graph's lock, so readers always observe a
//	consistent snapshot and never a node mid-write.
package graph

import (
	"fmt"
	"time"
)

// NodeType is the kind of work a node performs.
type NodeType string

const (
	// TypeGather gathers raw information (by search or by asking the user).
	TypeGather NodeType = "gather"

	// TypeCalculate derives a value from completed input nodes.
	TypeCalculate NodeType = "calculate"
)

// GatheringMethod is how a gather node obtains its information.
type GatheringMethod string

const (
	// MethodWebSearch resolves the node through the fact-retrieval service.
	MethodWebSearch GatheringMethod = "web_search"

	// MethodAskUser blocks the node until the user supplies an answer.
	MethodAskUser GatheringMethod = "ask_user"
)

// ValueSource is the provenance of a resolved node value. Estimate-sourced
// values are lower confidence and are flagged as such to consumers.
type ValueSource string

const (
	SourceSearch      ValueSource = "search"
	SourceEstimate    ValueSource = "estimate"
	SourceCalculation ValueSource = "calculation"
	SourceUser        ValueSource = "user"
)

// Kind distinguishes the two top-level graphs built for every goal.
type Kind string

const (
	// KindKeyInformation is the graph of essential facts needed for a goal,
	// regardless of the eventual approach.
	KindKeyInformation Kind = "key_information"

	// KindSolutionExploration is the graph of candidate approaches, analyzed
	// against the gathered key information.
	KindSolutionExploration Kind = "solution_exploration"
)

// SearchQuery is one query to issue against the fact-retrieval service,
// with the reason it was chosen.
type SearchQuery struct {
	Query   string `json:"query"`
	Context string `json:"context"`
}

// SearchResult is a fact with its supporting quote and source.
type SearchResult struct {
	Fact      string `json:"fact"`
	Quote     string `json:"quote"`
	SourceURL string `json:"source_url"`
}

// Estimate is a first-principles ballpark produced when search fails.
// The value may be a range when uncertainty is material.
type Estimate struct {
	Value       string   `json:"value"`
	Reasoning   string   `json:"reasoning"`
	Assumptions []string `json:"assumptions"`
}

// NodeSpec is a node proposal from the graph-generation service. Specs are
// validated and converted into Nodes when a batch is admitted.
type NodeSpec struct {
	ID        string   `json:"id"`
	Question  string   `json:"question"`
	Rationale string   `json:"rationale"`
	Type      NodeType `json:"node_type"`
	DependsOn []string `json:"depends_on_ids,omitempty"`

	// Gather nodes.
	Method  GatheringMethod `json:"gathering_method,omitempty"`
	Queries []SearchQuery   `json:"search_queries,omitempty"`

	// Calculate nodes.
	Expression  string   `json:"calculation_code,omitempty"`
	Explanation string   `json:"calculation_explanation,omitempty"`
	InputIDs    []string `json:"input_node_ids,omitempty"`
}

// Validate checks the node spec's internal consistency: required descriptive
// fields, and the per-type payload requirements.
func (s *NodeSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: node spec missing id", ErrInvalidInput)
	}
	if s.Question == "" {
		return fmt.Errorf("%w: node %q missing question", ErrInvalidInput, s.ID)
	}
	if s.Rationale == "" {
		return fmt.Errorf("%w: node %q missing rationale", ErrInvalidInput, s.ID)
	}

	switch s.Type {
	case TypeGather:
		switch s.Method {
		case MethodWebSearch:
			if len(s.Queries) == 0 {
				return fmt.Errorf("%w: search node %q has no queries", ErrInvalidInput, s.ID)
			}
		case MethodAskUser:
			// The question itself is the prompt.
		default:
			return fmt.Errorf("%w: gather node %q has no gathering method", ErrInvalidInput, s.ID)
		}
	case TypeCalculate:
		if s.Expression == "" {
			return fmt.Errorf("%w: calculate node %q has no expression", ErrInvalidInput, s.ID)
		}
		if s.Explanation == "" {
			return fmt.Errorf("%w: calculate node %q has no explanation", ErrInvalidInput, s.ID)
		}
		if len(s.InputIDs) == 0 {
			return fmt.Errorf("%w: calculate node %q has no input nodes", ErrInvalidInput, s.ID)
		}
	default:
		return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidInput, s.ID, s.Type)
	}

	return nil
}

// BreakdownAttempt records the single query-refinement attempt made for a
// node whose search failed. NewNodes are independent sibling proposals; they
// never satisfy the original node directly.
type BreakdownAttempt struct {
	OriginalQuestion string     `json:"original_question"`
	Rationale        string     `json:"rationale"`
	NewNodes         []NodeSpec `json:"new_nodes,omitempty"`
	WasSuccessful    bool       `json:"was_successful"`
}

// SearchPayload is the working data of a gather/web_search node.
type SearchPayload struct {
	// Queries are the queries declared at creation time.
	Queries []SearchQuery `json:"queries"`

	// FailedQueries accumulates query texts that yielded no fact, so the
	// refinement stage can avoid repeating their shape.
	FailedQueries []string `json:"failed_queries,omitempty"`

	// Results are the accepted fact/quote pairs.
	Results []SearchResult `json:"results,omitempty"`
}

// AskUserPayload is the working data of a gather/ask_user node.
type AskUserPayload struct {
	// Prompt is what the user is asked; registered when the node blocks.
	Prompt string `json:"prompt"`

	// RequestedAt is when the outstanding request was registered.
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// CalcPayload is the working data of a calculate node.
type CalcPayload struct {
	Expression  string   `json:"expression"`
	Explanation string   `json:"explanation"`
	InputIDs    []string `json:"input_ids"`

	// Inputs are the resolved numeric values at execution time,
	// keyed by input node id.
	Inputs map[string]float64 `json:"inputs,omitempty"`

	// Result is the sandbox output, valid only once the node is COMPLETE.
	Result float64 `json:"result,omitempty"`
}

// Node is one unit of information-gathering or calculation.
//
// Description:
//
//	ID, Type, Method, Question, Rationale, and DependsOn are fixed at
//	creation. Exactly one of the payload pointers is non-nil, keyed by
//	(Type, Method). State, payload contents, Breakdown, Estimate, Value,
//	and ValueSource evolve as the resolution pipeline runs the node; the
//	pipeline holds exclusive write ownership while doing so.
type Node struct {
	ID        string          `json:"id"`
	Type      NodeType        `json:"node_type"`
	Method    GatheringMethod `json:"gathering_method,omitempty"`
	Question  string          `json:"question"`
	Rationale string          `json:"rationale"`
	DependsOn []string        `json:"depends_on_ids,omitempty"`

	State State `json:"state"`

	// Payload variants; exactly one is set.
	Search  *SearchPayload  `json:"search,omitempty"`
	AskUser *AskUserPayload `json:"ask_user,omitempty"`
	Calc    *CalcPayload    `json:"calc,omitempty"`

	// Breakdown is the single escalation-ladder attempt, if one fired.
	Breakdown *BreakdownAttempt `json:"breakdown_attempt,omitempty"`

	// Estimate is set when the ladder fell through to first principles.
	Estimate *Estimate `json:"estimate,omitempty"`

	Value       string      `json:"value,omitempty"`
	ValueSource ValueSource `json:"value_source,omitempty"`

	// FailureReason is set for FAILED nodes and stays visible.
	FailureReason string `json:"failure_reason,omitempty"`
}

// newNode materializes a validated spec as a pending node with its
// payload variant attached.
func newNode(spec NodeSpec) *Node {
	n := &Node{
		ID:        spec.ID,
		Type:      spec.Type,
		Method:    spec.Method,
		Question:  spec.Question,
		Rationale: spec.Rationale,
		DependsOn: append([]string(nil), spec.DependsOn...),
		State:     StatePending,
	}

	switch {
	case spec.Type == TypeGather && spec.Method == MethodWebSearch:
		n.Search = &SearchPayload{Queries: append([]SearchQuery(nil), spec.Queries...)}
	case spec.Type == TypeGather && spec.Method == MethodAskUser:
		n.AskUser = &AskUserPayload{Prompt: spec.Question}
	case spec.Type == TypeCalculate:
		n.Calc = &CalcPayload{
			Expression:  spec.Expression,
			Explanation: spec.Explanation,
			InputIDs:    append([]string(nil), spec.InputIDs...),
		}
	}

	return n
}

// Clone returns a deep copy of the node, safe to hand to readers.
func (n *Node) Clone() *Node {
	c := *n
	c.DependsOn = append([]string(nil), n.DependsOn...)

	if n.Search != nil {
		s := *n.Search
		s.Queries = append([]SearchQuery(nil), n.Search.Queries...)
		s.FailedQueries = append([]string(nil), n.Search.FailedQueries...)
		s.Results = append([]SearchResult(nil), n.Search.Results...)
		c.Search = &s
	}
	if n.AskUser != nil {
		a := *n.AskUser
		c.AskUser = &a
	}
	if n.Calc != nil {
		cp := *n.Calc
		cp.InputIDs = append([]string(nil), n.Calc.InputIDs...)
		if n.Calc.Inputs != nil {
			cp.Inputs = make(map[string]float64, len(n.Calc.Inputs))
			for k, v := range n.Calc.Inputs {
				cp.Inputs[k] = v
			}
		}
		c.Calc = &cp
	}
	if n.Breakdown != nil {
		b := *n.Breakdown
		b.NewNodes = append([]NodeSpec(nil), n.Breakdown.NewNodes...)
		c.Breakdown = &b
	}
	if n.Estimate != nil {
		e := *n.Estimate
		e.Assumptions = append([]string(nil), n.Estimate.Assumptions...)
		c.Estimate = &e
	}

	return &c
}
