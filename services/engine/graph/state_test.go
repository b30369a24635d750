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

import "testing"

func TestCanTransition_Table(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePending, StateSearching},
		{StatePending, StateBlocked},
		{StatePending, StateCalculating},
		{StateSearching, StateComplete},
		{StateSearching, StateNeedsBreakdown},
		{StateNeedsBreakdown, StateComplete},
		{StateNeedsBreakdown, StateNeedsEstimate},
		{StateNeedsEstimate, StateComplete},
		{StateBlocked, StateComplete},
		{StateCalculating, StateComplete},
		{StateCalculating, StateFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		// The ladder never loops back to searching.
		{StateNeedsBreakdown, StateSearching},
		{StateNeedsEstimate, StateNeedsBreakdown},
		{StateNeedsEstimate, StateSearching},
		// Only calculations can fail.
		{StateSearching, StateFailed},
		{StateBlocked, StateFailed},
		{StateNeedsEstimate, StateFailed},
		{StatePending, StateFailed},
		// Terminal states are terminal.
		{StateComplete, StateSearching},
		{StateComplete, StateFailed},
		{StateFailed, StateComplete},
		{StateFailed, StateCalculating},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s must be rejected", tc.from, tc.to)
		}
	}
}

func TestState_TerminalAndProcessing(t *testing.T) {
	if !StateComplete.Terminal() || !StateFailed.Terminal() {
		t.Error("complete and failed are terminal")
	}
	if StatePending.Terminal() || StateBlocked.Terminal() {
		t.Error("pending and blocked are not terminal")
	}
	for _, s := range []State{StateSearching, StateCalculating, StateNeedsBreakdown, StateNeedsEstimate, StateBlocked} {
		if !s.Processing() {
			t.Errorf("%s should count as processing", s)
		}
	}
	for _, s := range []State{StatePending, StateComplete, StateFailed} {
		if s.Processing() {
			t.Errorf("%s should not count as processing", s)
		}
	}
}
