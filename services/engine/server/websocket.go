// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

var validate = validator.New()

const (
	wsTypeProcessGoal = "process_goal"
	wsTypeUserInput   = "user_input"
)

// wsRequest is one inbound websocket message. Type selects which of the
// remaining fields apply.
type wsRequest struct {
	Type string `json:"type" validate:"required,oneof=process_goal user_input"`

	// process_goal
	Goal    string `json:"goal,omitempty" validate:"required_if=Type process_goal"`
	Context string `json:"context,omitempty"`

	// user_input
	NodeID string `json:"node_id,omitempty" validate:"required_if=Type user_input"`
	Input  string `json:"input,omitempty" validate:"required_if=Type user_input"`
}

// wsConn serializes writes; event subscriptions dispatch from resolution
// goroutines concurrently with the handler's own replies.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) sendJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) sendError(message string) {
	_ = w.sendJSON(gin.H{"type": "error", "error": message})
}

// handleWebSocket streams a session's events and accepts goal and
// user-input messages. A process_goal message starts the session under the
// path's session id; connecting to an already-running session replays its
// buffered events first. Forwarding is at-least-once: a frame may appear
// both in the replay and the live stream.
func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("sessionId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			"session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	s.logger.Info("websocket client connected", "session_id", sessionID)

	forward := func(event *events.Event) {
		if err := ws.sendJSON(event); err != nil {
			s.logger.Warn("websocket event write failed",
				"session_id", sessionID, "error", err)
		}
	}

	var (
		entry *sessionEntry
		subID string
	)
	if existing, ok := s.lookup(sessionID); ok {
		entry = existing
		subID = entry.session.Emitter().Subscribe(forward)
		entry.session.Emitter().Replay(forward)
	}
	defer func() {
		if entry != nil && subID != "" {
			entry.session.Emitter().Unsubscribe(subID)
		}
	}()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			s.logger.Info("websocket client disconnected",
				"session_id", sessionID, "error", err)
			return
		}
		if err := validate.Struct(req); err != nil {
			ws.sendError(err.Error())
			continue
		}

		switch req.Type {
		case wsTypeProcessGoal:
			if entry != nil {
				ws.sendError(ErrSessionExists.Error())
				continue
			}
			started, err := s.startSession(composeGoal(req.Goal, req.Context), sessionID)
			if err != nil {
				ws.sendError(err.Error())
				continue
			}
			entry = started
			subID = entry.session.Emitter().Subscribe(forward)
			// The run is already underway; replay anything emitted before
			// the subscription landed.
			entry.session.Emitter().Replay(forward)

		case wsTypeUserInput:
			if entry == nil {
				ws.sendError(ErrSessionNotFound.Error())
				continue
			}
			if err := entry.session.Resume(req.NodeID, req.Input); err != nil {
				ws.sendError(err.Error())
			}
		}
	}
}
