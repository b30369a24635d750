// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries engine progress to external observers.
//
// One event is emitted per state change or graph mutation, at least once,
// causally ordered per node: a node's completion event is never emitted
// before the event that put it into a processing state. Across different
// nodes no ordering is guaranteed.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeGraphInitialized is emitted once per top-level graph after its
	// depth-0 nodes are admitted.
	TypeGraphInitialized Type = "graph_initialized"

	// TypeNodeStateChanged is emitted on every node state transition.
	TypeNodeStateChanged Type = "node_state_changed"

	// TypeNodeValueSet is emitted when a node's value and provenance are set.
	TypeNodeValueSet Type = "node_value_set"

	// TypeNodesAdded is emitted for breakdown siblings and deepening batches.
	TypeNodesAdded Type = "nodes_added"

	// TypeUserInputRequested is emitted when a node enters BLOCKED.
	TypeUserInputRequested Type = "user_input_requested"

	// TypeUserInputReceived is emitted when external input resumes a
	// blocked node.
	TypeUserInputReceived Type = "user_input_received"
)

// Event is one observation of engine progress.
//
// Thread Safety:
//
//	Events are immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event and the shape of Data.
	Type Type `json:"type"`

	// SessionID links the event to an exploration session.
	SessionID string `json:"session_id"`

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Data is one of the typed data structs below.
	Data any `json:"data,omitempty"`
}

// GraphInitializedData is the data for graph_initialized events.
type GraphInitializedData struct {
	GraphKind graph.Kind    `json:"graph_kind"`
	Goal      string        `json:"goal"`
	Nodes     []*graph.Node `json:"nodes"`
}

// NodeStateChangedData is the data for node_state_changed events.
type NodeStateChangedData struct {
	GraphKind graph.Kind  `json:"graph_kind"`
	NodeID    string      `json:"node_id"`
	State     graph.State `json:"state"`
}

// NodeValueSetData is the data for node_value_set events.
type NodeValueSetData struct {
	GraphKind graph.Kind        `json:"graph_kind"`
	NodeID    string            `json:"node_id"`
	Value     string            `json:"value"`
	Source    graph.ValueSource `json:"value_source"`

	// SupportingResults carries fact/quote pairs for search-sourced values.
	SupportingResults []graph.SearchResult `json:"supporting_results,omitempty"`

	// Estimate carries reasoning and assumptions for estimate-sourced
	// values, which consumers must flag as low confidence.
	Estimate *graph.Estimate `json:"estimate,omitempty"`
}

// NodesAddedData is the data for nodes_added events. ParentID is empty for
// depth-deepening batches and set for breakdown-ladder siblings.
type NodesAddedData struct {
	GraphKind graph.Kind    `json:"graph_kind"`
	ParentID  string        `json:"parent_id,omitempty"`
	Nodes     []*graph.Node `json:"nodes"`
}

// UserInputRequestedData is the data for user_input_requested events.
type UserInputRequestedData struct {
	GraphKind graph.Kind `json:"graph_kind"`
	NodeID    string     `json:"node_id"`
	Question  string     `json:"question"`
	Rationale string     `json:"rationale"`
}

// UserInputReceivedData is the data for user_input_received events.
type UserInputReceivedData struct {
	GraphKind graph.Kind `json:"graph_kind"`
	NodeID    string     `json:"node_id"`
	Input     string     `json:"input"`
}

// now returns the current event timestamp.
func now() int64 {
	return time.Now().UTC().UnixMilli()
}
