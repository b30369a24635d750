// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search resolves web-search nodes: an answer engine produces a
// cited summary for each query, source pages are scraped for supporting
// text, and a strict extraction step turns them into fact/quote pairs.
package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// maxPageBytes caps how much of a page body is read.
	maxPageBytes = 1 << 20

	// maxPageRunes caps the extracted text handed to the extractor.
	maxPageRunes = 20_000

	// scrapeConcurrency bounds parallel fetches per FetchAll call.
	scrapeConcurrency = 4
)

// Page is scraped text from one source URL.
type Page struct {
	URL  string
	Text string
}

// Scraper fetches source pages and reduces them to visible text.
//
// Thread Safety: Safe for concurrent use.
type Scraper struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ScraperConfig controls a Scraper.
type ScraperConfig struct {
	// Timeout bounds each fetch; default 10s.
	Timeout time.Duration

	// RequestsPerSecond throttles fetches; default 4.
	RequestsPerSecond float64

	Logger *slog.Logger
}

// NewScraper creates a Scraper.
func NewScraper(cfg ScraperConfig) *Scraper {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scraper{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Fetch retrieves one URL and returns its visible text.
func (s *Scraper) Fetch(ctx context.Context, url string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "idea-exploration/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", url, err)
	}
	return visibleText(doc), nil
}

// FetchAll scrapes URLs concurrently, dropping ones that fail. Order of
// the returned pages follows the input.
func (s *Scraper) FetchAll(ctx context.Context, urls []string) []Page {
	sem := semaphore.NewWeighted(scrapeConcurrency)
	pages := make([]Page, len(urls))

	var wg sync.WaitGroup
	for i, url := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			defer sem.Release(1)

			text, err := s.Fetch(ctx, url)
			if err != nil {
				s.logger.Debug("scrape failed", "url", url, "error", err)
				return
			}
			pages[i] = Page{URL: url, Text: text}
		}(i, url)
	}
	wg.Wait()

	out := make([]Page, 0, len(urls))
	for _, p := range pages {
		if p.Text != "" {
			out = append(out, p)
		}
	}
	return out
}

// visibleText walks the document collecting text outside script, style,
// and noscript elements, collapsed to single spaces and capped.
func visibleText(doc *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := b.String()
	if runes := []rune(text); len(runes) > maxPageRunes {
		text = string(runes[:maxPageRunes])
	}
	return text
}
