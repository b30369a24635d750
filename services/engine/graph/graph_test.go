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
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func searchSpec(id string, deps ...string) NodeSpec {
	return NodeSpec{
		ID:        id,
		Question:  "question for " + id,
		Rationale: "rationale for " + id,
		Type:      TypeGather,
		Method:    MethodWebSearch,
		DependsOn: deps,
		Queries:   []SearchQuery{{Query: "query " + id, Context: "ctx"}},
	}
}

func askUserSpec(id string, deps ...string) NodeSpec {
	return NodeSpec{
		ID:        id,
		Question:  "question for " + id,
		Rationale: "rationale for " + id,
		Type:      TypeGather,
		Method:    MethodAskUser,
		DependsOn: deps,
	}
}

func calcSpec(id string, inputs ...string) NodeSpec {
	return NodeSpec{
		ID:          id,
		Question:    "question for " + id,
		Rationale:   "rationale for " + id,
		Type:        TypeCalculate,
		DependsOn:   inputs,
		Expression:  "a + b",
		Explanation: "adds the inputs",
		InputIDs:    inputs,
	}
}

func TestAddNodes_Basic(t *testing.T) {
	g := New(KindKeyInformation, "open a bakery")

	added, err := g.AddNodes([]NodeSpec{searchSpec("a"), searchSpec("b"), askUserSpec("c")})
	if err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if len(added) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(added))
	}
	if g.Len() != 3 {
		t.Fatalf("graph length = %d, want 3", g.Len())
	}

	for _, n := range added {
		if n.State != StatePending {
			t.Errorf("node %s state = %s, want pending", n.ID, n.State)
		}
	}
}

func TestAddNodes_DanglingDependencyRejectsBatch(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := g.AddNodes([]NodeSpec{searchSpec("b", "a"), searchSpec("c", "ghost")})
	if err == nil {
		t.Fatal("expected dangling dependency error")
	}

	var dangling *DanglingDependencyError
	if !errors.As(err, &dangling) {
		t.Fatalf("expected DanglingDependencyError, got %v", err)
	}
	if dangling.MissingID != "ghost" {
		t.Errorf("missing id = %q, want ghost", dangling.MissingID)
	}

	// The whole batch is rejected: "b" must not have been admitted.
	if g.Len() != 1 {
		t.Errorf("graph length = %d, want 1 (batch must be atomic)", g.Len())
	}
}

func TestAddNodes_CycleRejected(t *testing.T) {
	g := New(KindKeyInformation, "goal")

	_, err := g.AddNodes([]NodeSpec{
		searchSpec("a", "c"),
		searchSpec("b", "a"),
		searchSpec("c", "b"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("graph length = %d, want 0", g.Len())
	}
}

func TestAddNodes_InBatchDependencyAllowed(t *testing.T) {
	g := New(KindSolutionExploration, "goal")

	_, err := g.AddNodes([]NodeSpec{searchSpec("root"), calcSpec("derived", "root")})
	if err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
}

func TestAddNodes_DuplicateAcrossBatches(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := g.AddNodes([]NodeSpec{searchSpec("a")})
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestReadyNodes_DependencyGating(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{
		searchSpec("a"),
		searchSpec("b"),
		calcSpec("sum", "a", "b"),
	}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}

	ready := g.ReadyNodes()
	if len(ready) != 2 {
		t.Fatalf("ready = %d, want 2", len(ready))
	}

	// sum only becomes ready once both inputs are COMPLETE.
	if _, err := g.Start("a"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := g.Complete("a", "1", SourceSearch); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if len(g.ReadyNodes()) != 1 {
		t.Fatalf("sum must not be ready with one input pending")
	}

	if _, err := g.Start("b"); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if err := g.Complete("b", "2", SourceSearch); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	ready = g.ReadyNodes()
	if len(ready) != 1 || ready[0].ID != "sum" {
		t.Fatalf("expected sum ready, got %+v", ready)
	}
}

func TestStart_RefusesUnmetDependencies(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a"), calcSpec("c", "a")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}

	_, err := g.Start("c")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStart_EntersStateByTypeAndMethod(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{
		searchSpec("search"),
		askUserSpec("ask"),
	}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}

	if st, err := g.Start("search"); err != nil || st != StateSearching {
		t.Fatalf("start search = %s, %v", st, err)
	}
	if st, err := g.Start("ask"); err != nil || st != StateBlocked {
		t.Fatalf("start ask = %s, %v", st, err)
	}
}

func TestResolveUserInput(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{askUserSpec("budget")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}

	// Input before the node blocks is a caller error.
	if err := g.ResolveUserInput("budget", "50k"); !errors.Is(err, ErrNotBlocked) {
		t.Fatalf("expected ErrNotBlocked, got %v", err)
	}

	if _, err := g.Start("budget"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.ResolveUserInput("budget", "50k"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	n, _ := g.Node("budget")
	if n.State != StateComplete || n.Value != "50k" || n.ValueSource != SourceUser {
		t.Fatalf("node = %s/%s/%s, want complete/50k/user", n.State, n.Value, n.ValueSource)
	}
}

func TestFail_OnlyFromCalculating(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if _, err := g.Start("a"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := g.Fail("a", "boom"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("search node must not be able to fail, got %v", err)
	}
}

func TestTerminalNodesRejectMutation(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a"), calcSpec("c", "a")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if _, err := g.Start("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Complete("a", "not a number", SourceSearch); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := g.Fail("a", "boom"); !errors.Is(err, ErrNodeTerminal) {
		t.Fatalf("fail on complete node = %v, want ErrNodeTerminal", err)
	}
	if err := g.Update("a", func(n *Node) error { return nil }); !errors.Is(err, ErrNodeTerminal) {
		t.Fatalf("update on complete node = %v, want ErrNodeTerminal", err)
	}

	if _, err := g.Start("c"); err != nil {
		t.Fatalf("start calc: %v", err)
	}
	if err := g.Fail("c", "non-numeric input"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := g.Complete("c", "42", SourceCalculation); !errors.Is(err, ErrNodeTerminal) {
		t.Fatalf("complete on failed node = %v, want ErrNodeTerminal", err)
	}
}

func TestHasActive_TracksProcessingNodes(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if g.HasActive() {
		t.Fatal("pending-only graph must not be active")
	}

	if _, err := g.Start("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !g.HasActive() {
		t.Fatal("searching node must count as active")
	}

	if err := g.Complete("a", "v", SourceSearch); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if g.HasActive() {
		t.Fatal("terminal-only graph must not be active")
	}
}

func TestComplete_ValueSetOnce(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if _, err := g.Start("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Complete("a", "v1", SourceSearch); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := g.Complete("a", "v2", SourceSearch); err == nil {
		t.Fatal("expected second completion to fail")
	}
}

func TestRecordBreakdown_SingleAttempt(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}

	attempt := &BreakdownAttempt{OriginalQuestion: "q", Rationale: "r"}
	if err := g.RecordBreakdown("a", attempt); err != nil {
		t.Fatalf("first breakdown: %v", err)
	}
	if err := g.RecordBreakdown("a", attempt); !errors.Is(err, ErrBreakdownExhausted) {
		t.Fatalf("expected ErrBreakdownExhausted, got %v", err)
	}
}

func TestDepth_LongestPath(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{
		searchSpec("a"),
		searchSpec("b"),
		searchSpec("c", "a"),
		calcSpec("d", "b", "c"),
	}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}

	for id, want := range map[string]int{"a": 0, "b": 0, "c": 1, "d": 2} {
		got, err := g.Depth(id)
		if err != nil {
			t.Fatalf("depth %s: %v", id, err)
		}
		if got != want {
			t.Errorf("depth(%s) = %d, want %d", id, got, want)
		}
	}
}

func TestKnownValues(t *testing.T) {
	g := New(KindKeyInformation, "goal")
	if _, err := g.AddNodes([]NodeSpec{searchSpec("a"), searchSpec("b")}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if _, err := g.Start("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Complete("a", "42", SourceSearch); err != nil {
		t.Fatalf("complete: %v", err)
	}

	values := g.KnownValues()
	if len(values) != 1 {
		t.Fatalf("known values = %d, want 1", len(values))
	}
	if values["question for a"] != "42" {
		t.Errorf("value = %q, want 42", values["question for a"])
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	g := New(KindSolutionExploration, "goal")
	if _, err := g.AddNodes([]NodeSpec{
		searchSpec("a"),
		askUserSpec("b"),
		calcSpec("c", "a", "b"),
	}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if _, err := g.Start("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Complete("a", "answer", SourceEstimate); err != nil {
		t.Fatalf("complete: %v", err)
	}

	data, err := g.Snapshot().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	restored, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Len() != g.Len() || restored.Goal() != g.Goal() || restored.Kind() != g.Kind() {
		t.Fatal("restored graph metadata mismatch")
	}
	for _, want := range g.Nodes() {
		got, ok := restored.Node(want.ID)
		if !ok {
			t.Fatalf("node %s missing after round trip", want.ID)
		}
		if got.State != want.State || got.Value != want.Value || got.ValueSource != want.ValueSource {
			t.Errorf("node %s mismatch after round trip: %+v vs %+v", want.ID, got, want)
		}
		if len(got.DependsOn) != len(want.DependsOn) {
			t.Errorf("node %s dependency count changed", want.ID)
		}
	}
}

// TestAcyclicity_RandomBatches drives the graph with randomly generated
// batches, some valid and some with injected cycles, and checks that the
// dependency relation stays acyclic at every point.
func TestAcyclicity_RandomBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	g := New(KindKeyInformation, "goal")
	var admitted []string

	for round := 0; round < 50; round++ {
		injectCycle := rng.Intn(4) == 0

		batchSize := 1 + rng.Intn(4)
		batch := make([]NodeSpec, 0, batchSize)
		for i := 0; i < batchSize; i++ {
			id := fmt.Sprintf("n%d_%d", round, i)
			var deps []string
			// Valid batches only depend backwards (earlier nodes).
			pool := append(append([]string(nil), admitted...), specIDs(batch)...)
			if len(pool) > 0 && rng.Intn(2) == 0 {
				deps = append(deps, pool[rng.Intn(len(pool))])
			}
			batch = append(batch, searchSpec(id, deps...))
		}

		if injectCycle && len(batch) >= 2 {
			// Close a loop inside the batch.
			batch[0].DependsOn = append(batch[0].DependsOn, batch[len(batch)-1].ID)
			batch[len(batch)-1].DependsOn = append(batch[len(batch)-1].DependsOn, batch[0].ID)
		}

		_, err := g.AddNodes(batch)
		if injectCycle && len(batch) >= 2 {
			var cycle *CycleError
			if !errors.As(err, &cycle) {
				t.Fatalf("round %d: injected cycle not rejected: %v", round, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("round %d: valid batch rejected: %v", round, err)
		}
		for _, spec := range batch {
			admitted = append(admitted, spec.ID)
		}

		// Invariant: every admitted node has a finite depth.
		for _, id := range admitted {
			if _, err := g.Depth(id); err != nil {
				t.Fatalf("round %d: depth(%s): %v", round, id, err)
			}
		}
	}
}

func specIDs(specs []NodeSpec) []string {
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = specs[i].ID
	}
	return ids
}
