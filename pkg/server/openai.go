// Copyright 2025 OneKey
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/onekeyhq/ragserve/pkg/contracts"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// defaultModelID is assumed when a request omits the model.
const defaultModelID = "onekey-docs"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature"`
	TopP           *float64        `json:"top_p"`
	MaxTokens      *int            `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format"`
	Metadata       map[string]any  `json:"metadata"`
	Debug          bool            `json:"debug"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID           string                 `json:"id"`
	Object       string                 `json:"object"`
	Created      int64                  `json:"created"`
	Model        string                 `json:"model"`
	Choices      []chatCompletionChoice `json:"choices"`
	Usage        llms.Usage             `json:"usage"`
	Sources      []rag.Source           `json:"sources"`
	ContractInfo *contracts.Info        `json:"contract_info,omitempty"`
	Debug        *rag.DebugInfo         `json:"debug,omitempty"`
}

// requestMetadata is the request metadata object: routing keys consumed
// here, plus retrieval hints handed to the pipeline as-is.
type requestMetadata struct {
	Workspace   string           `mapstructure:"workspace"`
	WorkspaceID string           `mapstructure:"workspace_id"`
	KBIDs       []string         `mapstructure:"kb_ids"`
	Allocations []rag.Allocation `mapstructure:"allocations"`
	StrictKB    bool             `mapstructure:"strict_kb"`
	Hints       rag.Metadata     `mapstructure:",squash"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, msgBadRequest)
		return
	}
	if req.Model == "" {
		req.Model = defaultModelID
	}
	if len(req.Messages) == 0 {
		badRequest(w, msgBadRequest)
		return
	}
	for _, m := range req.Messages {
		if !validRoles[m.Role] {
			badRequest(w, msgBadRequest)
			return
		}
	}

	question := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			question = req.Messages[i].Content
			break
		}
	}
	if question == "" {
		badRequest(w, msgMissingUser)
		return
	}

	q, err := s.buildQuery(&req, question)
	if err != nil {
		badRequest(w, msgBadRequest)
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, q)
		return
	}
	s.completeChat(w, r, q)
}

// buildQuery maps the wire request onto a pipeline query. The metadata
// object is decoded weakly typed: numbers arrive as float64 and lists
// as []any.
func (s *Server) buildQuery(req *chatCompletionsRequest, question string) (*rag.Query, error) {
	msgs := make([]llms.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = llms.Message{Role: m.Role, Content: m.Content}
	}

	q := &rag.Query{
		Messages:       msgs,
		Question:       question,
		RequestedModel: req.Model,
		ChatModel:      s.cfg.Chat.ResolveModel(req.Model),
		Workspace:      s.cfg.RAG.Workspace,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Debug:          req.Debug,
	}
	if req.ResponseFormat != nil {
		q.ResponseFormat = req.ResponseFormat.Type
	}
	if len(req.Metadata) == 0 {
		return q, nil
	}

	var meta requestMetadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(req.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	if meta.Workspace != "" {
		q.Workspace = meta.Workspace
	} else if meta.WorkspaceID != "" {
		q.Workspace = meta.WorkspaceID
	}
	q.StrictKB = meta.StrictKB
	switch {
	case len(meta.Allocations) > 0:
		q.Allocations = meta.Allocations
	case len(meta.KBIDs) > 0:
		q.Allocations = make([]rag.Allocation, 0, len(meta.KBIDs))
		for _, kb := range meta.KBIDs {
			if kb = strings.TrimSpace(kb); kb != "" {
				q.Allocations = append(q.Allocations, rag.Allocation{KBID: kb, TopK: s.cfg.RAG.TopK})
			}
		}
	}
	q.Metadata = &meta.Hints
	return q, nil
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, q *rag.Query) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RAG.TotalTimeout)
	defer cancel()

	start := time.Now()
	answer, err := s.pipeline.Answer(ctx, q)
	retrieved := 0
	if err == nil && answer.Meta != nil {
		retrieved = answer.Meta.Retrieved
	}
	s.metrics().RecordQuery(r.Context(), q.RequestedModel, time.Since(start), retrieved, err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, errTypeTimeout, msgTotalTimeout)
			return
		}
		if r.Context().Err() != nil {
			return // client disconnected
		}
		s.logger.Error("Chat completion failed", "model", q.RequestedModel, "error", err)
		internalError(w)
		return
	}

	sources := answer.Sources
	if sources == nil {
		sources = []rag.Source{}
	}
	var usage llms.Usage
	if answer.Usage != nil {
		usage = *answer.Usage
	}

	resp := chatCompletionResponse{
		ID:      utils.NewID("chatcmpl", 32),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   q.RequestedModel,
		Choices: []chatCompletionChoice{{
			Message:      chatMessage{Role: "assistant", Content: answer.Answer},
			FinishReason: "stop",
		}},
		Usage:        usage,
		Sources:      sources,
		ContractInfo: answer.ContractInfo,
	}
	if q.Debug {
		resp.Debug = answer.Debug
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	exposed := s.cfg.Chat.ExposedModels()
	ids := make([]string, 0, len(exposed))
	for id := range exposed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now().Unix()
	data := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  now,
			"owned_by": "onekey",
			"root":     id,
			"parent":   nil,
			"meta": map[string]any{
				"upstream_model": exposed[id],
				"base_url":       s.cfg.Chat.BaseURL,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

type feedbackRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Rating         string   `json:"rating"`
	Reason         string   `json:"reason"`
	Comment        string   `json:"comment"`
	Sources        []string `json:"sources"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, msgBadRequest)
		return
	}
	if req.ConversationID == "" || req.MessageID == "" ||
		(req.Rating != "up" && req.Rating != "down") {
		badRequest(w, msgBadRequest)
		return
	}

	err := s.store.UpsertFeedback(r.Context(), &store.Feedback{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Rating:         req.Rating,
		Reason:         req.Reason,
		Comment:        req.Comment,
		SourceURLs:     req.Sources,
	})
	if err != nil {
		s.logger.Error("Failed to record feedback",
			"conversation_id", req.ConversationID, "error", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
