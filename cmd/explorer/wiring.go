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
	"fmt"
	"log/slog"

	"github.com/venkatesh-narayan/idea-exploration/pkg/logging"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/cache"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/config"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/gen"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/llm"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/sandbox"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/search"
)

// engineDeps holds the collaborators shared across sessions.
type engineDeps struct {
	retriever *search.Retriever
	refiner   *gen.Refiner
	estimator *gen.Estimator
	generator *gen.Generator
	sandbox   *sandbox.Sandbox

	cache *cache.Store // nil when caching is disabled
}

// close releases resources held by the collaborators.
func (d *engineDeps) close() {
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			slog.Warn("closing response cache", "error", err)
		}
	}
}

// loadConfig applies CLI flag overrides on top of config.Load.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "explorer",
	})
}

// buildDeps wires the LLM clients, search stack, and sandbox per config.
// Both LLM providers share one response cache.
func buildDeps(cfg *config.Config, logger *slog.Logger) (*engineDeps, error) {
	deps := &engineDeps{sandbox: sandbox.New()}

	if !cfg.Cache.Disabled {
		store, err := cache.Open(cache.Config{
			Path:   cfg.Cache.Path,
			TTL:    cfg.Cache.TTL,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening response cache: %w", err)
		}
		deps.cache = store
	}

	llmCfg := llm.Config{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		MaxRetries:        cfg.LLM.MaxRetries,
		Logger:            logger,
	}
	if deps.cache != nil {
		llmCfg.Cache = deps.cache
	}
	llmClient, err := llm.NewClient(llmCfg)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("building llm client: %w", err)
	}

	answerCfg := llm.Config{
		APIKey:            cfg.Search.APIKey,
		BaseURL:           cfg.Search.BaseURL,
		Model:             cfg.Search.Model,
		RequestsPerSecond: cfg.Search.RequestsPerSecond,
		Logger:            logger,
	}
	if deps.cache != nil {
		answerCfg.Cache = deps.cache
	}
	answerClient, err := llm.NewClient(answerCfg)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("building answer-engine client: %w", err)
	}

	scraper := search.NewScraper(search.ScraperConfig{
		Timeout: cfg.Search.ScrapeTimeout,
		Logger:  logger,
	})

	deps.retriever, err = search.NewRetriever(search.RetrieverConfig{
		Answer:    answerClient,
		Extractor: llmClient,
		Scraper:   scraper,
		Logger:    logger,
	})
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("building retriever: %w", err)
	}

	genClients := []*llm.Client{llmClient}
	for _, model := range cfg.LLM.EnsembleModels {
		ensembleCfg := llmCfg
		ensembleCfg.Model = model
		client, err := llm.NewClient(ensembleCfg)
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("building ensemble client %s: %w", model, err)
		}
		genClients = append(genClients, client)
	}
	deps.generator, err = gen.NewGenerator(genClients, logger)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("building generator: %w", err)
	}
	deps.refiner, err = gen.NewRefiner(llmClient, logger)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("building refiner: %w", err)
	}
	deps.estimator, err = gen.NewEstimator(llmClient, logger)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("building estimator: %w", err)
	}

	return deps, nil
}
