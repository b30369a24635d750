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

// State is a node's position in its lifecycle.
type State string

const (
	// StatePending is the initial state of every node.
	StatePending State = "pending"

	// StateSearching means the web-search strategy is running.
	StateSearching State = "searching"

	// StateCalculating means the sandbox strategy is running.
	StateCalculating State = "calculating"

	// StateNeedsBreakdown means the original queries found nothing and the
	// query-refinement stage of the escalation ladder is running.
	StateNeedsBreakdown State = "needs_breakdown"

	// StateNeedsEstimate means refinement also failed and a first-principles
	// estimate is being generated. Estimation always produces a value, so
	// this state is only ever transient.
	StateNeedsEstimate State = "needs_estimate"

	// StateBlocked means the node is waiting for user input. There is no
	// timeout; only session cancellation abandons a blocked node.
	StateBlocked State = "blocked"

	// StateComplete is terminal with a value.
	StateComplete State = "complete"

	// StateFailed is terminal without a value. Only calculation nodes can
	// fail: re-running a deterministic sandbox with identical inputs cannot
	// self-correct, so there is no retry.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Processing reports whether the node currently holds the pipeline's
// attention (including waiting on the user).
func (s State) Processing() bool {
	switch s {
	case StateSearching, StateCalculating, StateNeedsBreakdown, StateNeedsEstimate, StateBlocked:
		return true
	}
	return false
}

// transitions is the allowed edge set of the node state machine.
//
// PENDING fans out by (type, method); the escalation ladder is strictly
// SEARCHING -> NEEDS_BREAKDOWN -> NEEDS_ESTIMATE and never loops back.
// FAILED is reachable only from CALCULATING.
var transitions = map[State][]State{
	StatePending:        {StateSearching, StateBlocked, StateCalculating},
	StateSearching:      {StateComplete, StateNeedsBreakdown},
	StateNeedsBreakdown: {StateComplete, StateNeedsEstimate},
	StateNeedsEstimate:  {StateComplete},
	StateBlocked:        {StateComplete},
	StateCalculating:    {StateComplete, StateFailed},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// startState is the processing state a pending node enters once its
// dependencies are satisfied.
func startState(n *Node) State {
	if n.Type == TypeCalculate {
		return StateCalculating
	}
	if n.Method == MethodAskUser {
		return StateBlocked
	}
	return StateSearching
}
