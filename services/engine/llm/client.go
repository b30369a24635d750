// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps chat-completion providers behind one client with rate
// limiting, bounded retry, and response caching. Any OpenAI-compatible
// endpoint works through BaseURL, which is how the Perplexity search
// backend is reached as well.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/cache"
)

var (
	// ErrEmptyResponse indicates the provider returned no choices.
	ErrEmptyResponse = errors.New("provider returned no choices")

	// ErrRetriesExhausted indicates all attempts at a transient fault failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Cache stores raw completions keyed by request. Implemented by
// cache.Store; nil disables caching.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// Config controls a Client.
type Config struct {
	// APIKey authenticates against the provider. Required.
	APIKey string

	// BaseURL overrides the endpoint for OpenAI-compatible providers.
	BaseURL string

	// Model is the completion model. Required.
	Model string

	// RequestsPerSecond throttles outgoing calls; 0 disables throttling.
	RequestsPerSecond float64

	// MaxRetries bounds retry of transient faults; default 2.
	MaxRetries int

	Cache  Cache
	Logger *slog.Logger
}

// Client issues chat completions.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	api        *openai.Client
	model      string
	limiter    *rate.Limiter
	maxRetries int
	cache      Cache
	logger     *slog.Logger
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key must not be empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("model must not be empty")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:        openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		limiter:    limiter,
		maxRetries: maxRetries,
		cache:      cfg.Cache,
		logger:     logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Request is one completion request.
type Request struct {
	// System is the system-role prompt; optional.
	System string

	// Prompt is the user-role prompt.
	Prompt string

	// Temperature, when non-zero, overrides the provider default.
	Temperature float32

	// JSON forces a JSON-object response format.
	JSON bool
}

// Complete returns the completion text for the request.
//
// Description:
//
//	Consults the cache first, then calls the provider under the rate
//	limiter, retrying transient faults with jittered exponential backoff.
//	Client errors other than 429 are not retried.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	key := c.cacheKey(req)
	if c.cache != nil {
		if cached, ok, err := c.cache.Get(key); err == nil && ok {
			return string(cached), nil
		}
	}

	out, err := c.completeLive(ctx, req)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		if err := c.cache.Set(key, []byte(out)); err != nil {
			c.logger.Warn("completion cache write failed", "error", err)
		}
	}
	return out, nil
}

// CompleteJSON completes with a JSON response format and unmarshals into
// out. A cached entry that no longer parses is discarded and refetched.
func (c *Client) CompleteJSON(ctx context.Context, req Request, out any) error {
	req.JSON = true

	key := c.cacheKey(req)
	if c.cache != nil {
		if cached, ok, err := c.cache.Get(key); err == nil && ok {
			if json.Unmarshal(cached, out) == nil {
				return nil
			}
			c.logger.Warn("discarding unparseable cached completion", "key", key)
		}
	}

	text, err := c.completeLive(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("parse completion as JSON: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.Set(key, []byte(text)); err != nil {
			c.logger.Warn("completion cache write failed", "error", err)
		}
	}
	return nil
}

func (c *Client) completeLive(ctx context.Context, req Request) (string, error) {
	apiReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	apiReq.Messages = append(apiReq.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.Prompt,
	})
	if req.JSON {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", err
			}
			c.logger.Warn("retrying completion",
				"model", c.model, "attempt", attempt, "error", lastErr)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, apiReq)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				return "", fmt.Errorf("completion failed: %w", err)
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = ErrEmptyResponse
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func (c *Client) cacheKey(req Request) string {
	format := "text"
	if req.JSON {
		format = "json"
	}
	return cache.Key("llm", c.model, format, req.System+"\x00"+req.Prompt)
}

// retryable reports whether an error is worth another attempt: transport
// faults, 5xx, and 429 are; other client errors are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
			apiErr.HTTPStatusCode != 429 {
			return false
		}
	}
	return true
}

// sleepBackoff waits 250ms doubling per attempt with up to 25% jitter,
// returning early if ctx is done.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := 250 * time.Millisecond << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
