// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/graph"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/llm"
)

// urlPattern matches source links cited inline by the answer engine.
var urlPattern = regexp.MustCompile(`https?://[^\s)\]}>"']+`)

const answerSystemPrompt = `You are a research assistant. Answer the query
precisely and concisely, citing the full URL of every source you rely on
inline in your answer.`

const extractSystemPrompt = `You extract facts from research material. You
are strict: a fact must explicitly answer the question, with a verbatim
supporting quote from the material and the URL it came from. If the
material does not explicitly answer the question, return an empty list.
Never infer, estimate, or combine partial information.

Respond with JSON: {"results": [{"fact": "...", "quote": "...",
"source_url": "..."}]}`

// resultList is the extractor's response shape.
type resultList struct {
	Results []graph.SearchResult `json:"results"`
}

// Answer is what the answer engine returned for one query.
type Answer struct {
	Text    string
	Sources []string
}

// Retriever implements fact retrieval for web-search nodes: query the
// answer engine, scrape its cited sources, and extract strict fact/quote
// pairs from the combined material.
//
// Thread Safety: Safe for concurrent use.
type Retriever struct {
	answer    *llm.Client
	extractor *llm.Client
	scraper   *Scraper
	logger    *slog.Logger
}

// RetrieverConfig assembles a Retriever.
type RetrieverConfig struct {
	// Answer is the answer-engine client (an OpenAI-compatible endpoint
	// such as Perplexity). Required.
	Answer *llm.Client

	// Extractor is the fact-extraction client. Required.
	Extractor *llm.Client

	// Scraper fetches cited sources. Required.
	Scraper *Scraper

	Logger *slog.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	switch {
	case cfg.Answer == nil:
		return nil, errors.New("answer client must not be nil")
	case cfg.Extractor == nil:
		return nil, errors.New("extractor client must not be nil")
	case cfg.Scraper == nil:
		return nil, errors.New("scraper must not be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		answer:    cfg.Answer,
		extractor: cfg.Extractor,
		scraper:   cfg.Scraper,
		logger:    logger,
	}, nil
}

// Retrieve answers one query and extracts facts for the node's question.
//
// Outputs:
//
//	[]graph.SearchResult - Extracted facts; empty means no answer was
//	                       found, which is an expected outcome.
//	error - Non-nil only when a service itself faulted.
func (r *Retriever) Retrieve(ctx context.Context, question string, query graph.SearchQuery) ([]graph.SearchResult, error) {
	ans, err := r.ask(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("answer engine: %w", err)
	}
	if strings.TrimSpace(ans.Text) == "" {
		return nil, nil
	}

	pages := r.scraper.FetchAll(ctx, ans.Sources)
	r.logger.Debug("query answered",
		"query", query.Query, "sources", len(ans.Sources), "scraped", len(pages))

	var list resultList
	err = r.extractor.CompleteJSON(ctx, llm.Request{
		System: extractSystemPrompt,
		Prompt: extractionPrompt(question, query, ans, pages),
	}, &list)
	if err != nil {
		return nil, fmt.Errorf("fact extraction: %w", err)
	}

	// Drop malformed entries rather than failing the attempt.
	out := list.Results[:0]
	for _, res := range list.Results {
		if res.Fact != "" {
			out = append(out, res)
		}
	}
	return out, nil
}

// ask queries the answer engine and collects the URLs it cited.
func (r *Retriever) ask(ctx context.Context, query graph.SearchQuery) (*Answer, error) {
	prompt := query.Query
	if query.Context != "" {
		prompt = fmt.Sprintf("%s\n\nContext for this query: %s", query.Query, query.Context)
	}

	text, err := r.answer.Complete(ctx, llm.Request{
		System: answerSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	urls := urlPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(urls))
	sources := urls[:0]
	for _, u := range urls {
		u = strings.TrimRight(u, ".,;")
		if !seen[u] {
			seen[u] = true
			sources = append(sources, u)
		}
	}
	return &Answer{Text: text, Sources: sources}, nil
}

func extractionPrompt(question string, query graph.SearchQuery, ans *Answer, pages []Page) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", question)
	fmt.Fprintf(&b, "Query used: %s\n\n", query.Query)
	fmt.Fprintf(&b, "Answer engine response:\n%s\n", ans.Text)
	for _, p := range pages {
		fmt.Fprintf(&b, "\nSource %s:\n%s\n", p.URL, p.Text)
	}
	return b.String()
}
