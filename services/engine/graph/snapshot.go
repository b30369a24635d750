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
	"encoding/json"
	"fmt"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = "1.0.0"

// Snapshot is a point-in-time, JSON-serializable copy of a graph.
//
// Serializing and reloading a snapshot preserves node ids, dependencies,
// states, and values exactly. Snapshots feed the observer's initial view
// and the graph endpoint; the engine itself never persists them.
type Snapshot struct {
	Version string  `json:"version"`
	Kind    Kind    `json:"graph_kind"`
	Goal    string  `json:"goal"`
	Nodes   []*Node `json:"nodes"`
}

// Snapshot returns a consistent copy of the whole graph.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id].Clone())
	}

	return &Snapshot{
		Version: SnapshotVersion,
		Kind:    g.kind,
		Goal:    g.goal,
		Nodes:   nodes,
	}
}

// MarshalJSON is implemented by the embedded struct tags; Encode is a
// convenience that returns the snapshot as JSON bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// FromSnapshot rebuilds a graph from a snapshot, preserving node identity,
// dependencies, states, and values exactly.
func FromSnapshot(s *Snapshot) (*Graph, error) {
	if s == nil {
		return nil, fmt.Errorf("restore: %w", ErrInvalidInput)
	}

	g := New(s.Kind, s.Goal)
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range s.Nodes {
		if n == nil || n.ID == "" {
			return nil, fmt.Errorf("restore: %w: snapshot node missing id", ErrInvalidInput)
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, fmt.Errorf("restore: %w: %q", ErrDuplicateNode, n.ID)
		}
		g.nodes[n.ID] = n.Clone()
		g.order = append(g.order, n.ID)
	}

	adj := make(map[string][]string, len(g.nodes))
	for id, n := range g.nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &DanglingDependencyError{NodeID: id, MissingID: dep}
			}
		}
		adj[id] = n.DependsOn
	}
	if err := detectCycle(adj); err != nil {
		return nil, err
	}

	return g, nil
}

// DecodeSnapshot parses snapshot JSON produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &s, nil
}
