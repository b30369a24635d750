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
	"strings"
)

var (
	// ErrInvalidInput is returned when a required argument is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNodeNotFound is returned when a node id does not exist in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when a batch would introduce an id that
	// already exists in the graph.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrInvalidTransition is returned when a state change violates the
	// node state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNodeTerminal is returned when mutating a node that has already
	// reached COMPLETE or FAILED.
	ErrNodeTerminal = errors.New("node is terminal")

	// ErrValueAlreadySet is returned when a node value would be set twice.
	ErrValueAlreadySet = errors.New("node value already set")

	// ErrNotBlocked is returned when user input arrives for a node that is
	// not waiting for it.
	ErrNotBlocked = errors.New("node is not waiting for user input")

	// ErrBreakdownExhausted is returned when a second breakdown attempt is
	// recorded for the same node. Only one attempt is ever allowed.
	ErrBreakdownExhausted = errors.New("breakdown already attempted")
)

// CycleError reports a dependency cycle detected while adding nodes.
//
// The offending batch is rejected as a whole; the graph is left unchanged.
type CycleError struct {
	// Path is the cycle, e.g. [a b c a].
	Path []string
}

// NewCycleError creates a CycleError from the detected path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// DanglingDependencyError reports a dependency on an id that does not exist
// in the graph at creation time.
type DanglingDependencyError struct {
	// NodeID is the node declaring the dependency.
	NodeID string

	// MissingID is the referenced id that was not found.
	MissingID string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on missing node %q", e.NodeID, e.MissingID)
}

// BatchError wraps the first structural violation found in a node batch.
// The whole batch is rejected; nothing is admitted into the graph.
type BatchError struct {
	// Batch is the number of nodes in the rejected batch.
	Batch int

	// Err is the underlying violation (CycleError, DanglingDependencyError,
	// ErrDuplicateNode, or a spec validation error).
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("rejected batch of %d nodes: %v", e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// TransitionError carries the node and states of a rejected transition.
type TransitionError struct {
	NodeID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node %q: cannot transition %s -> %s", e.NodeID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
