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
	"sync"
	"testing"
	"time"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/pipeline"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/sandbox"
)

// tableRetriever answers queries from a fixed table; absent queries yield
// nothing. It can be made to block until cancellation.
type tableRetriever struct {
	answers map[string]string
	block   bool
}

func (f *tableRetriever) Retrieve(ctx context.Context, _ string, q graph.SearchQuery) ([]graph.SearchResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fact, ok := f.answers[q.Query]
	if !ok {
		return nil, nil
	}
	return []graph.SearchResult{{Fact: fact, Quote: fact, SourceURL: "https://example.com"}}, nil
}

type noopRefiner struct{}

func (noopRefiner) Refine(context.Context, pipeline.RefineRequest) (*pipeline.Breakdown, error) {
	return &pipeline.Breakdown{Rationale: "nothing further to try"}, nil
}

type fixedEstimator struct{}

func (fixedEstimator) Estimate(context.Context, pipeline.EstimateRequest) (*graph.Estimate, error) {
	return &graph.Estimate{Value: "unknown", Reasoning: "no data", Assumptions: []string{"none"}}, nil
}

// scriptedGenerator returns batches keyed by graph kind and depth and
// records every request it sees.
type scriptedGenerator struct {
	mu       sync.Mutex
	batches  map[string][]graph.NodeSpec
	requests []GenerateRequest
}

func batchKey(kind graph.Kind, depth int) string {
	return fmt.Sprintf("%s/%d", kind, depth)
}

func (g *scriptedGenerator) GenerateNodes(_ context.Context, req GenerateRequest) ([]graph.NodeSpec, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.batches[batchKey(req.Kind, req.Depth)], nil
}

func (g *scriptedGenerator) requestFor(kind graph.Kind, depth int) *GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.requests {
		if g.requests[i].Kind == kind && g.requests[i].Depth == depth {
			return &g.requests[i]
		}
	}
	return nil
}

func searchRoot(id, query string) graph.NodeSpec {
	return graph.NodeSpec{
		ID: id, Question: "question " + id, Rationale: "needed",
		Type: graph.TypeGather, Method: graph.MethodWebSearch,
		Queries: []graph.SearchQuery{{Query: query, Context: "test"}},
	}
}

func calcNode(id, expr string, inputs ...string) graph.NodeSpec {
	return graph.NodeSpec{
		ID: id, Question: "derived " + id, Rationale: "derived",
		Type: graph.TypeCalculate, DependsOn: inputs,
		Expression: expr, Explanation: "combines gathered values",
		InputIDs: inputs,
	}
}

// eventLog is a concurrency-safe event capture; workers emit from multiple
// goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []*events.Event
}

func (l *eventLog) handler(e *events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t events.Type) []*events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*events.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestResolver(t *testing.T, retriever pipeline.Retriever, em *events.Emitter) *pipeline.Resolver {
	t.Helper()
	r, err := pipeline.NewResolver(pipeline.Config{
		Emitter:   em,
		Retriever: retriever,
		Refiner:   noopRefiner{},
		Estimator: fixedEstimator{},
		Sandbox:   sandbox.New(),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func newTestScheduler(t *testing.T, gen *scriptedGenerator, retriever pipeline.Retriever) (*Scheduler, *eventLog) {
	t.Helper()
	em := events.NewEmitter("session-test")
	log := &eventLog{}
	em.Subscribe(log.handler)

	s, err := New(Config{
		Graph:     graph.New(graph.KindKeyInformation, "cut cloud spend in half"),
		Resolver:  newTestResolver(t, retriever, em),
		Generator: gen,
		Emitter:   em,
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, log
}

func TestRun_ResolvesAndDeepens(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			searchRoot("r1", "q1"), searchRoot("r2", "q2"), searchRoot("r3", "q3"),
		},
		batchKey(graph.KindKeyInformation, 1): {
			calcNode("c1", "r1 + r2", "r1", "r2"),
		},
	}}
	retriever := &tableRetriever{answers: map[string]string{"q1": "1", "q2": "2", "q3": "3"}}
	s, log := newTestScheduler(t, gen, retriever)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"r1", "r2", "r3", "c1"} {
		n, ok := s.Graph().Node(id)
		if !ok || n.State != graph.StateComplete {
			t.Errorf("node %s state = %v, want COMPLETE", id, n)
		}
	}
	c1, _ := s.Graph().Node("c1")
	if c1.Value != "3" || c1.ValueSource != graph.SourceCalculation {
		t.Errorf("c1 = %q (%s), want 3/calculation", c1.Value, c1.ValueSource)
	}

	if init := log.ofType(events.TypeGraphInitialized); len(init) != 1 {
		t.Errorf("graph_initialized events = %d, want 1", len(init))
	}
	addedEvents := log.ofType(events.TypeNodesAdded)
	if len(addedEvents) != 1 {
		t.Fatalf("nodes_added events = %d, want 1", len(addedEvents))
	}
	if d := addedEvents[0].Data.(*events.NodesAddedData); d.ParentID != "" || len(d.Nodes) != 1 {
		t.Errorf("deepening nodes_added = %+v", d)
	}

	// The deepening request carried the resolved values.
	req := gen.requestFor(graph.KindKeyInformation, 1)
	if req == nil || len(req.KnownValues) != 3 {
		t.Errorf("deepening request = %+v", req)
	}
}

func TestRun_RootBatchWrongSize(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {searchRoot("r1", "q1"), searchRoot("r2", "q2")},
	}}
	s, _ := newTestScheduler(t, gen, &tableRetriever{})

	if err := s.Run(context.Background()); !errors.Is(err, ErrRootBatch) {
		t.Fatalf("err = %v, want ErrRootBatch", err)
	}
}

func TestRun_RootBatchWithDependenciesRejected(t *testing.T) {
	bad := searchRoot("r3", "q3")
	bad.DependsOn = []string{"r1"}
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			searchRoot("r1", "q1"), searchRoot("r2", "q2"), bad,
		},
	}}
	s, _ := newTestScheduler(t, gen, &tableRetriever{})

	if err := s.Run(context.Background()); !errors.Is(err, ErrRootBatch) {
		t.Fatalf("err = %v, want ErrRootBatch", err)
	}
	if s.Graph().Len() != 0 {
		t.Errorf("rejected batch left %d nodes in graph", s.Graph().Len())
	}
}

func TestRun_UnanchoredDeepeningAbortsOnlyTheBatch(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			searchRoot("r1", "q1"), searchRoot("r2", "q2"), searchRoot("r3", "q3"),
		},
		batchKey(graph.KindKeyInformation, 1): {searchRoot("loose", "q4")},
	}}
	retriever := &tableRetriever{answers: map[string]string{"q1": "1", "q2": "2", "q3": "3"}}
	s, _ := newTestScheduler(t, gen, retriever)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Graph().Len() != 3 {
		t.Errorf("graph has %d nodes, want the 3 roots only", s.Graph().Len())
	}
	if !s.Graph().AllTerminal() {
		t.Error("roots not resolved after rejected deepening")
	}
}

func TestRun_StopsWhenGenerationExhausted(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			searchRoot("r1", "q1"), searchRoot("r2", "q2"), searchRoot("r3", "q3"),
		},
	}}
	retriever := &tableRetriever{answers: map[string]string{"q1": "1", "q2": "2", "q3": "3"}}
	s, _ := newTestScheduler(t, gen, retriever)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.requests) != 2 {
		t.Errorf("generator requests = %d, want depth 0 and the empty depth 1", len(gen.requests))
	}
}

func TestResume_UnblocksDependents(t *testing.T) {
	askUser := graph.NodeSpec{
		ID: "u1", Question: "what is your monthly budget?", Rationale: "user-specific",
		Type: graph.TypeGather, Method: graph.MethodAskUser,
	}
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			askUser, searchRoot("r2", "q2"), searchRoot("r3", "q3"),
		},
		batchKey(graph.KindKeyInformation, 1): {
			calcNode("c1", "u1 * r2", "u1", "r2"),
		},
	}}
	retriever := &tableRetriever{answers: map[string]string{"q2": "2", "q3": "3"}}
	s, log := newTestScheduler(t, gen, retriever)

	requested := make(chan string, 1)
	s.emitter.Subscribe(func(e *events.Event) {
		if d, ok := e.Data.(*events.UserInputRequestedData); ok {
			select {
			case requested <- d.NodeID:
			default:
			}
		}
	}, events.TypeUserInputRequested)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case id := <-requested:
		if id != "u1" {
			t.Fatalf("user input requested for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no user_input_requested event")
	}

	if err := s.Resume("u1", "5"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	u1, _ := s.Graph().Node("u1")
	if u1.State != graph.StateComplete || u1.ValueSource != graph.SourceUser || u1.Value != "5" {
		t.Errorf("u1 = %+v", u1)
	}
	c1, _ := s.Graph().Node("c1")
	if c1.Value != "10" {
		t.Errorf("c1 value = %q, want 10", c1.Value)
	}
	if recv := log.ofType(events.TypeUserInputReceived); len(recv) != 1 {
		t.Errorf("user_input_received events = %d, want 1", len(recv))
	}
}

func TestResume_UnknownNode(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{}}
	s, _ := newTestScheduler(t, gen, &tableRetriever{})

	if err := s.Resume("ghost", "x"); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestRun_FailedDependencyStrandsDependents(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			searchRoot("r1", "q1"), searchRoot("r2", "q2"), searchRoot("r3", "q3"),
		},
		batchKey(graph.KindKeyInformation, 1): {
			calcNode("c1", "r1 / r2", "r1", "r2"),
		},
		batchKey(graph.KindKeyInformation, 2): {
			calcNode("c2", "c1 + 1", "c1"),
		},
	}}
	retriever := &tableRetriever{answers: map[string]string{"q1": "10", "q2": "0", "q3": "3"}}
	s, _ := newTestScheduler(t, gen, retriever)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	c1, _ := s.Graph().Node("c1")
	if c1.State != graph.StateFailed {
		t.Fatalf("c1 state = %s, want FAILED", c1.State)
	}
	// c2 can never run; it stays visible and pending, and the run still
	// terminates.
	c2, _ := s.Graph().Node("c2")
	if c2.State != graph.StatePending {
		t.Errorf("c2 state = %s, want PENDING", c2.State)
	}
}

func TestRun_Cancellation(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			searchRoot("r1", "q1"), searchRoot("r2", "q2"), searchRoot("r3", "q3"),
		},
	}}
	s, _ := newTestScheduler(t, gen, &tableRetriever{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	s.emitter.Subscribe(func(*events.Event) { cancel() }, events.TypeGraphInitialized)

	err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSession_TwoPhases(t *testing.T) {
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			searchRoot("k1", "q1"), searchRoot("k2", "q2"), searchRoot("k3", "q3"),
		},
		batchKey(graph.KindSolutionExploration, 0): {
			searchRoot("s1", "q4"), searchRoot("s2", "q5"), searchRoot("s3", "q6"),
		},
	}}
	retriever := &tableRetriever{answers: map[string]string{
		"q1": "1", "q2": "2", "q3": "3", "q4": "4", "q5": "5", "q6": "6",
	}}

	em := events.NewEmitter("session-two-phase")
	log := &eventLog{}
	em.Subscribe(log.handler)

	sess, err := NewSession(SessionConfig{
		Goal:      "open a bakery",
		Resolver:  newTestResolver(t, retriever, em),
		Generator: gen,
		Emitter:   em,
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !sess.KeyInformation().AllTerminal() || !sess.Exploration().AllTerminal() {
		t.Error("phases did not both resolve")
	}
	if init := log.ofType(events.TypeGraphInitialized); len(init) != 2 {
		t.Errorf("graph_initialized events = %d, want one per phase", len(init))
	}

	// The exploration phase saw the key information as background.
	req := gen.requestFor(graph.KindSolutionExploration, 0)
	if req == nil || len(req.Background) != 3 {
		t.Errorf("exploration request background = %+v", req)
	}
}

func TestSession_ResumeRoutesSharedIDToBlockedGraph(t *testing.T) {
	// Both phases propose an ask_user node under the same id; ids are only
	// unique within a graph. Resume must reach the graph where the id is
	// actually parked, not stop at the first graph that knows it.
	askBudget := graph.NodeSpec{
		ID: "budget", Question: "what is your monthly budget?", Rationale: "user-specific",
		Type: graph.TypeGather, Method: graph.MethodAskUser,
	}
	gen := &scriptedGenerator{batches: map[string][]graph.NodeSpec{
		batchKey(graph.KindKeyInformation, 0): {
			askBudget, searchRoot("k2", "q2"), searchRoot("k3", "q3"),
		},
		batchKey(graph.KindSolutionExploration, 0): {
			askBudget, searchRoot("s2", "q5"), searchRoot("s3", "q6"),
		},
	}}
	retriever := &tableRetriever{answers: map[string]string{
		"q2": "2", "q3": "3", "q5": "5", "q6": "6",
	}}

	em := events.NewEmitter("session-shared-id")
	requested := make(chan graph.Kind, 2)
	em.Subscribe(func(e *events.Event) {
		if d, ok := e.Data.(*events.UserInputRequestedData); ok {
			requested <- d.GraphKind
		}
	}, events.TypeUserInputRequested)

	sess, err := NewSession(SessionConfig{
		Goal:      "open a bakery",
		Resolver:  newTestResolver(t, retriever, em),
		Generator: gen,
		Emitter:   em,
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	waitRequest := func(want graph.Kind) {
		t.Helper()
		select {
		case kind := <-requested:
			if kind != want {
				t.Fatalf("user input requested in %s, want %s", kind, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no user_input_requested event for %s", want)
		}
	}

	waitRequest(graph.KindKeyInformation)
	if err := sess.Resume("budget", "$3000"); err != nil {
		t.Fatalf("Resume key information: %v", err)
	}

	waitRequest(graph.KindSolutionExploration)
	if err := sess.Resume("budget", "$5000"); err != nil {
		t.Fatalf("Resume exploration: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	ki, _ := sess.KeyInformation().Node("budget")
	if ki.Value != "$3000" || ki.ValueSource != graph.SourceUser {
		t.Errorf("key information budget = %+v", ki)
	}
	ex, _ := sess.Exploration().Node("budget")
	if ex.Value != "$5000" || ex.ValueSource != graph.SourceUser {
		t.Errorf("exploration budget = %+v", ex)
	}
}
