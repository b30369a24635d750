// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler is a function that processes events.
type Handler func(event *Event)

// Subscription represents a subscription to events.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Emitter broadcasts engine events to subscribers.
//
// Description:
//
//	The emitter is the explicit sink handed to the scheduler and the
//	resolution pipeline; there is no process-wide singleton. Events are
//	delivered synchronously on the emitting goroutine, which is what gives
//	per-node causal ordering: each node's events are emitted from its own
//	resolution, in order. A bounded replay buffer lets late subscribers
//	(e.g. a reconnecting observer) catch up, making delivery at-least-once.
//
// Thread Safety:
//
//	Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	sessionID     string
	logger        *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// WithLogger sets the logger for handler panics and drops.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// NewEmitter creates an emitter bound to the given session.
func NewEmitter(sessionID string, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
		sessionID:     sessionID,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (nil = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers and records it in
// the replay buffer. Handler panics are recovered so one failing observer
// cannot take down a resolution goroutine.
func (e *Emitter) Emit(eventType Type, data any) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: e.sessionID,
		Timestamp: now(),
		Data:      data,
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		// Oldest events fall out of the replay window first.
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if !matches(sub, event.Type) {
			continue
		}
		e.dispatch(sub, &event)
	}
}

func (e *Emitter) dispatch(sub *Subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				slog.String("subscription", sub.ID),
				slog.String("event_type", string(event.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	sub.Handler(event)
}

func matches(sub *Subscription, t Type) bool {
	if len(sub.Types) == 0 {
		return true
	}
	for _, want := range sub.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Replay invokes handler for every buffered event, oldest first. Combined
// with a subsequent Subscribe this gives a reconnecting observer
// at-least-once delivery (events may be seen twice across the seam).
func (e *Emitter) Replay(handler Handler) {
	e.mu.RLock()
	buffered := make([]Event, len(e.buffer))
	copy(buffered, e.buffer)
	e.mu.RUnlock()

	for i := range buffered {
		handler(&buffered[i])
	}
}

// SessionID returns the session this emitter is bound to.
func (e *Emitter) SessionID() string {
	return e.sessionID
}
