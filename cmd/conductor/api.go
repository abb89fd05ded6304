// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/bureau-foundation/conductor/lib/agentprofile"
	"github.com/bureau-foundation/conductor/lib/fanout"
	"github.com/bureau-foundation/conductor/lib/orchestrator"
	"github.com/bureau-foundation/conductor/lib/store"
	"github.com/bureau-foundation/conductor/lib/version"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

var errBadRequest = errors.New("bad request")

type server struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	router       *fanout.Router
	profiles     *agentprofile.Registry
	logger       *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", s.router)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSubmit)
	mux.HandleFunc("POST /api/conversations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/conversations/{id}/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/chunks", s.handleChunks)
	return mux
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version": version.Current(),
		"clients": s.router.ClientCount(),
	})
}

func (s *server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": s.profiles.IDs()})
}

func (s *server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": nonNil(conversations)})
}

type createConversationRequest struct {
	AgentID          string `json:"agentId"`
	Model            string `json:"model"`
	WorkingDirectory string `json:"workingDirectory"`
}

func (s *server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var request createConversationRequest
	if err := decodeBody(w, r, &request); err != nil {
		s.writeError(w, err)
		return
	}
	if request.WorkingDirectory == "" || !filepath.IsAbs(request.WorkingDirectory) {
		s.writeError(w, fmt.Errorf("%w: workingDirectory must be an absolute path", errBadRequest))
		return
	}
	if _, err := s.profiles.Lookup(request.AgentID); err != nil {
		s.writeError(w, err)
		return
	}
	conversation, err := s.store.CreateConversation(r.Context(), store.Conversation{
		AgentID:          request.AgentID,
		Model:            request.Model,
		WorkingDirectory: filepath.Clean(request.WorkingDirectory),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.router.Publish(fanout.Event{
		Type:           fanout.TypeConversationCreated,
		ConversationID: conversation.ID,
		Fields:         map[string]any{"conversation": conversation},
	})
	s.logger.Info("conversation created", "conversation_id", conversation.ID, "agent", conversation.AgentID)
	s.writeJSON(w, http.StatusCreated, conversation)
}

func (s *server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conversation, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conversation,
		"status":       s.orchestrator.Status(id),
		"queue":        nonNil(s.orchestrator.Queue(id)),
	})
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(messages)})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var request orchestrator.SubmitRequest
	if err := decodeBody(w, r, &request); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.orchestrator.Submit(r.Context(), r.PathValue("id"), request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

// handleChunks is the catch-up read: chunks with sequence > since, or
// all of them when since is absent.
func (s *server) handleChunks(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if text := r.URL.Query().Get("since"); text != "" {
		parsed, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: since must be an integer", errBadRequest))
			return
		}
		since = parsed
	}
	chunks, err := s.orchestrator.Sequencer().GetSince(r.Context(), r.PathValue("id"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chunks": nonNil(chunks)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding body: %v", errBadRequest, err)
	}
	return nil
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, orchestrator.ErrEmptyMessage),
		errors.Is(err, agentprofile.ErrUnknownAgent):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// nonNil makes empty results encode as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
