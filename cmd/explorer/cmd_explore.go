// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/pipeline"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/scheduler"
)

// userPrompt is one parked question waiting for a terminal answer.
type userPrompt struct {
	nodeID   string
	question string
}

func runExplore(cmd *cobra.Command, args []string) error {
	goal := args[0]
	if goalContext != "" {
		goal = goal + "\n\nAdditional context: " + goalContext
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	defer logger.Close()
	slogger := logger.Slog()

	if cfg.Tracing {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	deps, err := buildDeps(cfg, slogger)
	if err != nil {
		return err
	}
	defer deps.close()

	emitter := events.NewEmitter(uuid.NewString())
	resolver, err := pipeline.NewResolver(pipeline.Config{
		Emitter:   emitter,
		Retriever: deps.retriever,
		Refiner:   deps.refiner,
		Estimator: deps.estimator,
		Sandbox:   deps.sandbox,
		Logger:    slogger,
	})
	if err != nil {
		return fmt.Errorf("building resolver: %w", err)
	}

	session, err := scheduler.NewSession(scheduler.SessionConfig{
		Goal:      goal,
		Resolver:  resolver,
		Generator: deps.generator,
		Emitter:   emitter,
		Workers:   cfg.Engine.Workers,
		MaxDepth:  cfg.Engine.MaxDepth,
		MaxNodes:  cfg.Engine.MaxNodes,
		Logger:    slogger,
	})
	if err != nil {
		return fmt.Errorf("building session: %w", err)
	}

	// Parked questions are answered on the main goroutine so resolution
	// workers never block on the terminal.
	prompts := make(chan userPrompt, 16)
	emitter.Subscribe(func(e *events.Event) {
		switch data := e.Data.(type) {
		case *events.GraphInitializedData:
			fmt.Printf("\n== %s graph (%d root questions)\n",
				data.GraphKind, len(data.Nodes))
		case *events.NodeValueSetData:
			confidence := ""
			if data.Source == graph.SourceEstimate {
				confidence = " (low confidence estimate)"
			}
			fmt.Printf("  [%s] %s = %s%s\n",
				data.Source, data.NodeID, data.Value, confidence)
		case *events.UserInputRequestedData:
			prompts <- userPrompt{nodeID: data.NodeID, question: data.Question}
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(ctx)
	}()

	stdin := bufio.NewReader(os.Stdin)
	for {
		select {
		case prompt := <-prompts:
			fmt.Printf("\n? %s\n> ", prompt.question)
			answer, err := stdin.ReadString('\n')
			if err != nil {
				stop()
				<-runErr
				return fmt.Errorf("reading answer: %w", err)
			}
			if err := session.Resume(prompt.nodeID, strings.TrimSpace(answer)); err != nil {
				slogger.Error("rejected user input",
					"node_id", prompt.nodeID, "error", err)
			}
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("exploration failed: %w", err)
			}
			printSummary(session)
			return nil
		}
	}
}

// printSummary renders both graphs' resolved values to stdout.
func printSummary(session *scheduler.Session) {
	fmt.Printf("\n=== Key information\n")
	printGraph(session.KeyInformation())

	if exploration := session.Exploration(); exploration != nil {
		fmt.Printf("\n=== Solution exploration\n")
		printGraph(exploration)
	}
}

func printGraph(g *graph.Graph) {
	snapshot := g.Snapshot()
	nodes := snapshot.Nodes
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	for _, n := range nodes {
		switch n.State {
		case graph.StateComplete:
			fmt.Printf("  %s: %s = %s (%s)\n", n.ID, n.Question, n.Value, n.ValueSource)
		case graph.StateFailed:
			fmt.Printf("  %s: %s FAILED: %s\n", n.ID, n.Question, n.FailureReason)
		default:
			fmt.Printf("  %s: %s [%s]\n", n.ID, n.Question, n.State)
		}
	}
}
