// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration from YAML with environment
// overrides for secrets. Defaults are production-sane; validation runs on
// every load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// ServerConfig controls the HTTP/WebSocket service.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
}

// LLMConfig controls the generation/extraction model client.
type LLMConfig struct {
	// APIKey is taken from OPENAI_API_KEY when empty.
	APIKey string `json:"-" yaml:"api_key"`

	Model string `json:"model" yaml:"model" validate:"required"`

	// EnsembleModels are additional generation models run after Model.
	// Node generation walks them in order; each sees the nodes proposed
	// by the models before it.
	EnsembleModels []string `json:"ensemble_models,omitempty" yaml:"ensemble_models" validate:"dive,required"`

	BaseURL           string  `json:"base_url,omitempty" yaml:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"min=0"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries" validate:"min=0,max=10"`
}

// SearchConfig controls the answer engine and the scraper.
type SearchConfig struct {
	// APIKey is taken from PERPLEXITY_API_KEY when empty.
	APIKey string `json:"-" yaml:"api_key"`

	Model             string        `json:"model" yaml:"model" validate:"required"`
	BaseURL           string        `json:"base_url" yaml:"base_url" validate:"required,url"`
	ScrapeTimeout     time.Duration `json:"scrape_timeout" yaml:"scrape_timeout"`
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second" validate:"min=0"`
}

// EngineConfig controls scheduling limits.
type EngineConfig struct {
	Workers  int `json:"workers" yaml:"workers" validate:"min=1,max=64"`
	MaxDepth int `json:"max_depth" yaml:"max_depth" validate:"min=1,max=10"`
	MaxNodes int `json:"max_nodes" yaml:"max_nodes" validate:"min=3,max=500"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Disabled turns off response caching entirely.
	Disabled bool `json:"disabled" yaml:"disabled"`

	Path string        `json:"path" yaml:"path"`
	TTL  time.Duration `json:"ttl" yaml:"ttl"`
}

// Config is the full engine configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	LLM    LLMConfig    `json:"llm" yaml:"llm"`
	Search SearchConfig `json:"search" yaml:"search"`
	Engine EngineConfig `json:"engine" yaml:"engine"`
	Cache  CacheConfig  `json:"cache" yaml:"cache"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`

	// Tracing enables the stdout span exporter.
	Tracing bool `json:"tracing" yaml:"tracing"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		LLM: LLMConfig{
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 2,
			MaxRetries:        2,
		},
		Search: SearchConfig{
			Model:             "sonar",
			BaseURL:           "https://api.perplexity.ai",
			ScrapeTimeout:     10 * time.Second,
			RequestsPerSecond: 4,
		},
		Engine: EngineConfig{Workers: 4, MaxDepth: 3, MaxNodes: 60},
		Cache: CacheConfig{
			Path: defaultCachePath(),
			TTL:  7 * 24 * time.Hour,
		},
		LogLevel: "info",
	}
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".idea-exploration/cache"
	}
	return home + "/.idea-exploration/cache"
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides, then validation.
//
// Environment overrides:
//
//	OPENAI_API_KEY, OPENAI_MODEL, PERPLEXITY_API_KEY, PORT, LOG_LEVEL
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PERPLEXITY_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
