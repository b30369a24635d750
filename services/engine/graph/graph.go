// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"sync"
	"time"
)

// Graph is an append-only, acyclic collection of nodes sharing one goal.
//
// Description:
//
//	Nodes are admitted in validated batches and never deleted. Dependency
//	edges are fixed at creation; only per-node working state evolves.
//	All mutation goes through Graph methods, which serialize against each
//	other and against snapshot reads.
//
// Thread Safety:
//
//	Safe for concurrent use. Reads return deep copies; callers never hold
//	references into the graph's internal nodes.
type Graph struct {
	mu    sync.RWMutex
	kind  Kind
	goal  string
	nodes map[string]*Node
	order []string
}

// New creates an empty graph for the given goal.
func New(kind Kind, goal string) *Graph {
	return &Graph{
		kind:  kind,
		goal:  goal,
		nodes: make(map[string]*Node),
	}
}

// Kind returns which of the two top-level graphs this is.
func (g *Graph) Kind() Kind { return g.kind }

// Goal returns the goal string shared by all nodes.
func (g *Graph) Goal() string { return g.goal }

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// AddNodes validates and admits a batch of node specs.
//
// Description:
//
//	The batch is checked as a whole: every spec must validate, ids must be
//	unique (within the batch and against the graph), every dependency must
//	name an existing or in-batch node, and the combined edge set must stay
//	acyclic. Any violation rejects the entire batch and leaves the graph
//	unchanged.
//
// Inputs:
//
//	specs - Node proposals from the graph-generation service.
//
// Outputs:
//
//	[]*Node - Copies of the admitted nodes, in batch order.
//	error - *BatchError wrapping the first violation, or nil.
func (g *Graph) AddNodes(specs []NodeSpec) ([]*Node, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	reject := func(err error) ([]*Node, error) {
		return nil, &BatchError{Batch: len(specs), Err: err}
	}

	// Per-spec validation and id uniqueness.
	inBatch := make(map[string]bool, len(specs))
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return reject(err)
		}
		id := specs[i].ID
		if inBatch[id] {
			return reject(fmt.Errorf("%w: %q appears twice in batch", ErrDuplicateNode, id))
		}
		if _, exists := g.nodes[id]; exists {
			return reject(fmt.Errorf("%w: %q already in graph", ErrDuplicateNode, id))
		}
		inBatch[id] = true
	}

	// Dependencies must resolve against the graph or the batch itself.
	for i := range specs {
		for _, dep := range specs[i].DependsOn {
			if _, exists := g.nodes[dep]; !exists && !inBatch[dep] {
				return reject(&DanglingDependencyError{NodeID: specs[i].ID, MissingID: dep})
			}
		}
	}

	// The combined edge set must stay acyclic.
	adj := make(map[string][]string, len(g.nodes)+len(specs))
	for id, n := range g.nodes {
		adj[id] = n.DependsOn
	}
	for i := range specs {
		adj[specs[i].ID] = specs[i].DependsOn
	}
	if err := detectCycle(adj); err != nil {
		return reject(err)
	}

	added := make([]*Node, 0, len(specs))
	for i := range specs {
		n := newNode(specs[i])
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
		added = append(added, n.Clone())
	}

	return added, nil
}

// detectCycle runs DFS over the dependency adjacency and returns a
// CycleError naming the cycle if one exists.
func detectCycle(adj map[string][]string) error {
	visited := make(map[string]bool, len(adj))
	onStack := make(map[string]bool, len(adj))
	var path []string

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range adj[id] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return NewCycleError(cycle)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return nil
	}

	for id := range adj {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// ReadyNodes returns copies of every non-terminal pending node whose
// dependencies are all COMPLETE. The snapshot is consistent: it is taken
// under the graph lock and a node never precedes an unmet dependency.
func (g *Graph) ReadyNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.State != StatePending {
			continue
		}
		if g.depsCompleteLocked(n) {
			ready = append(ready, n.Clone())
		}
	}
	return ready
}

func (g *Graph) depsCompleteLocked(n *Node) bool {
	for _, dep := range n.DependsOn {
		d, ok := g.nodes[dep]
		if !ok || d.State != StateComplete {
			return false
		}
	}
	return true
}

// Start claims a ready node for resolution, moving it from PENDING into its
// processing state (SEARCHING, CALCULATING, or BLOCKED by type and method).
//
// Outputs:
//
//	State - The state entered.
//	error - ErrNodeNotFound, or a TransitionError if the node is not
//	        pending or its dependencies are not all COMPLETE.
func (g *Graph) Start(id string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return "", fmt.Errorf("start %q: %w", id, ErrNodeNotFound)
	}
	next := startState(n)
	if n.State != StatePending || !g.depsCompleteLocked(n) {
		return "", &TransitionError{NodeID: id, From: n.State, To: next}
	}

	n.State = next
	if next == StateBlocked && n.AskUser != nil {
		n.AskUser.RequestedAt = time.Now().UTC()
	}
	return next, nil
}

// Transition moves a node along an allowed state-machine edge.
func (g *Graph) Transition(id string, to State) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("transition %q: %w", id, ErrNodeNotFound)
	}
	if !CanTransition(n.State, to) {
		return &TransitionError{NodeID: id, From: n.State, To: to}
	}
	n.State = to
	return nil
}

// Complete sets a node's value with its provenance and moves it to COMPLETE.
// The value is set exactly once.
func (g *Graph) Complete(id, value string, source ValueSource) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("complete %q: %w", id, ErrNodeNotFound)
	}
	if n.ValueSource != "" {
		return fmt.Errorf("complete %q: %w", id, ErrValueAlreadySet)
	}
	if n.State.Terminal() {
		return fmt.Errorf("complete %q: %w", id, ErrNodeTerminal)
	}
	if !CanTransition(n.State, StateComplete) {
		return &TransitionError{NodeID: id, From: n.State, To: StateComplete}
	}

	n.Value = value
	n.ValueSource = source
	n.State = StateComplete
	return nil
}

// Fail marks a calculating node FAILED with a visible reason. Failure is
// terminal: deterministic recomputation with the same inputs cannot
// self-correct, so there is no retry path.
func (g *Graph) Fail(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("fail %q: %w", id, ErrNodeNotFound)
	}
	if n.State.Terminal() {
		return fmt.Errorf("fail %q: %w", id, ErrNodeTerminal)
	}
	if !CanTransition(n.State, StateFailed) {
		return &TransitionError{NodeID: id, From: n.State, To: StateFailed}
	}

	n.FailureReason = reason
	n.State = StateFailed
	return nil
}

// Update applies fn to the node under the graph lock. fn receives the live
// node; it must not retain the pointer. Used by the resolution pipeline,
// which holds exclusive write ownership of the node it is executing;
// terminal nodes are immutable and reject updates.
func (g *Graph) Update(id string, fn func(n *Node) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("update %q: %w", id, ErrNodeNotFound)
	}
	if n.State.Terminal() {
		return fmt.Errorf("update %q: %w", id, ErrNodeTerminal)
	}
	return fn(n)
}

// RecordBreakdown attaches the single allowed breakdown attempt to a node.
func (g *Graph) RecordBreakdown(id string, attempt *BreakdownAttempt) error {
	return g.Update(id, func(n *Node) error {
		if n.Breakdown != nil {
			return ErrBreakdownExhausted
		}
		n.Breakdown = attempt
		return nil
	})
}

// ResolveUserInput completes a BLOCKED ask_user node with the supplied text.
func (g *Graph) ResolveUserInput(id, input string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("user input %q: %w", id, ErrNodeNotFound)
	}
	if n.State != StateBlocked || n.Method != MethodAskUser {
		return fmt.Errorf("user input %q: %w", id, ErrNotBlocked)
	}

	n.Value = input
	n.ValueSource = SourceUser
	n.State = StateComplete
	return nil
}

// Depth returns the longest dependency-path distance from any
// zero-dependency node to the given node. Depth is derived, never stored.
func (g *Graph) Depth(id string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return 0, fmt.Errorf("depth %q: %w", id, ErrNodeNotFound)
	}

	memo := make(map[string]int, len(g.nodes))
	var longest func(id string) int
	longest = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		n := g.nodes[id]
		depth := 0
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			if d := longest(dep) + 1; d > depth {
				depth = d
			}
		}
		memo[id] = depth
		return depth
	}

	return longest(id), nil
}

// KnownValues returns question -> value for every COMPLETE node. This feeds
// deepening requests and the escalation ladder's context.
func (g *Graph) KnownValues() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]string)
	for _, n := range g.nodes {
		if n.State == StateComplete {
			out[n.Question] = n.Value
		}
	}
	return out
}

// AllTerminal reports whether every node is COMPLETE or FAILED.
func (g *Graph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		if !n.State.Terminal() {
			return false
		}
	}
	return true
}

// HasActive reports whether any node is in a processing state, including
// BLOCKED nodes parked on user input.
func (g *Graph) HasActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		if n.State.Processing() {
			return true
		}
	}
	return false
}

// Blocked returns copies of nodes currently waiting on user input.
func (g *Graph) Blocked() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.State == StateBlocked {
			out = append(out, n.Clone())
		}
	}
	return out
}
