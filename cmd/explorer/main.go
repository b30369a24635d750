// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command explorer runs the goal-exploration engine.
//
// The engine decomposes a goal into two dependency graphs (key information,
// then solution exploration), resolves each node by web search, user input,
// or sandboxed calculation, and escalates failed searches through query
// refinement to first-principles estimation.
//
// Usage:
//
//	# Session server (REST + websocket)
//	OPENAI_API_KEY=... PERPLEXITY_API_KEY=... explorer serve
//
//	# One-shot exploration in the terminal
//	OPENAI_API_KEY=... PERPLEXITY_API_KEY=... explorer explore "move to Austin"
//
// Example requests against the server:
//
//	curl -X POST http://localhost:8080/v1/sessions \
//	  -H "Content-Type: application/json" \
//	  -d '{"goal": "move to Austin"}'
//
//	curl http://localhost:8080/v1/sessions/{id}/graphs | jq
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
