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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/rag"
)

func completionRequest(question string) map[string]any {
	return map[string]any{
		"messages": []map[string]any{
			{"role": "system", "content": "你是 OneKey 文档助手"},
			{"role": "user", "content": question},
		},
	}
}

func TestChatCompletionsAnswersQuestion(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.answer = &rag.Answer{
		Answer: "硬件钱包通过离线签名保护私钥 [1]",
		Sources: []rag.Source{
			{Ref: 1, URL: "https://docs.example.com/security", Title: "Security"},
		},
		Usage: &llms.Usage{PromptTokens: 120, CompletionTokens: 48, TotalTokens: 168},
		Meta:  &rag.Meta{Retrieved: 4},
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", completionRequest("硬件钱包如何保护私钥？"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.True(t, strings.HasPrefix(body["id"].(string), "chatcmpl_"))
	assert.Equal(t, "chat.completion", body["object"])
	assert.Equal(t, "onekey-docs", body["model"])

	choices := body["choices"].([]any)
	require.Len(t, choices, 1)
	choice := choices[0].(map[string]any)
	assert.EqualValues(t, 0, choice["index"])
	assert.Equal(t, "stop", choice["finish_reason"])
	msg := choice["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "硬件钱包通过离线签名保护私钥 [1]", msg["content"])

	usage := body["usage"].(map[string]any)
	assert.EqualValues(t, 168, usage["total_tokens"])

	sources := body["sources"].([]any)
	require.Len(t, sources, 1)
	assert.Equal(t, "https://docs.example.com/security", sources[0].(map[string]any)["url"])

	_, hasDebug := body["debug"]
	assert.False(t, hasDebug)

	q := ts.pipeline.query(t)
	assert.Equal(t, "硬件钱包如何保护私钥？", q.Question)
	assert.Equal(t, "onekey-docs", q.RequestedModel)
	assert.Len(t, q.Messages, 2)
}

func TestChatCompletionsZeroUsageWhenUpstreamOmitsIt(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.answer = &rag.Answer{Answer: "ok"}

	body := decodeBody(t, ts.do(t, http.MethodPost, "/v1/chat/completions", completionRequest("q")))
	usage := body["usage"].(map[string]any)
	assert.EqualValues(t, 0, usage["prompt_tokens"])
	assert.EqualValues(t, 0, usage["completion_tokens"])
	assert.EqualValues(t, 0, usage["total_tokens"])
	assert.Equal(t, []any{}, body["sources"])
}

func TestChatCompletionsValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.answer = &rag.Answer{Answer: "ok"}

	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{
			name:    "no messages",
			body:    map[string]any{"messages": []map[string]any{}},
			status:  http.StatusBadRequest,
			message: msgBadRequest,
		},
		{
			name: "bad role",
			body: map[string]any{"messages": []map[string]any{
				{"role": "operator", "content": "hi"},
			}},
			status:  http.StatusBadRequest,
			message: msgBadRequest,
		},
		{
			name: "missing user message",
			body: map[string]any{"messages": []map[string]any{
				{"role": "system", "content": "prompt"},
			}},
			status:  http.StatusBadRequest,
			message: msgMissingUser,
		},
		{
			name: "empty user content",
			body: map[string]any{"messages": []map[string]any{
				{"role": "user", "content": ""},
			}},
			status:  http.StatusBadRequest,
			message: msgMissingUser,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/chat/completions", tc.body)
			inner := requireErrorEnvelope(t, rec, tc.status, errTypeInvalidRequest)
			assert.Equal(t, tc.message, inner["message"])
		})
	}
}

func TestChatCompletionsRejectsMalformedJSON(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	inner := requireErrorEnvelope(t, rec, http.StatusBadRequest, errTypeInvalidRequest)
	assert.Equal(t, msgBadRequest, inner["message"])
}

func TestChatCompletionsMetadataRouting(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.answer = &rag.Answer{Answer: "ok"}

	body := completionRequest("0x1111111111111111111111111111111111111111 是什么合约？")
	body["metadata"] = map[string]any{
		"workspace":        "wallet",
		"kb_ids":           []string{"hardware", "sdk"},
		"strict_kb":        true,
		"address_lookup":   "0x2222222222222222222222222222222222222222",
		"inline_citations": false,
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	q := ts.pipeline.query(t)
	assert.Equal(t, "wallet", q.Workspace)
	assert.True(t, q.StrictKB)
	require.Len(t, q.Allocations, 2)
	assert.Equal(t, rag.Allocation{KBID: "hardware", TopK: ts.cfg.RAG.TopK}, q.Allocations[0])
	assert.Equal(t, rag.Allocation{KBID: "sdk", TopK: ts.cfg.RAG.TopK}, q.Allocations[1])

	require.NotNil(t, q.Metadata)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", q.Metadata.AddressLookup)
	require.NotNil(t, q.Metadata.InlineCitations)
	assert.False(t, *q.Metadata.InlineCitations)
}

func TestChatCompletionsExplicitAllocations(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.answer = &rag.Answer{Answer: "ok"}

	body := completionRequest("问题")
	body["metadata"] = map[string]any{
		"allocations": []map[string]any{
			{"kb_id": "hardware", "top_k": 3},
			{"kb_id": "app", "top_k": 9},
		},
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	q := ts.pipeline.query(t)
	assert.Equal(t, []rag.Allocation{
		{KBID: "hardware", TopK: 3},
		{KBID: "app", TopK: 9},
	}, q.Allocations)
}

func TestChatCompletionsModelResolution(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.Chat.Model = "gpt-upstream"
		cfg.Chat.ModelMap = map[string]string{
			"onekey-docs": "gpt-upstream",
			"tx-analyzer": "gpt-tx",
		}
	})
	ts.pipeline.answer = &rag.Answer{Answer: "ok"}

	body := completionRequest("解释这笔交易")
	body["model"] = "tx-analyzer"
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody(t, rec)
	assert.Equal(t, "tx-analyzer", resp["model"])

	q := ts.pipeline.query(t)
	assert.Equal(t, "tx-analyzer", q.RequestedModel)
	assert.Equal(t, "gpt-tx", q.ChatModel)
}

func TestChatCompletionsTimeout(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.RAG.TotalTimeout = 30 * time.Millisecond
	})
	ts.pipeline.answerDelay = 500 * time.Millisecond

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", completionRequest("慢问题"))
	inner := requireErrorEnvelope(t, rec, http.StatusGatewayTimeout, errTypeTimeout)
	assert.Equal(t, msgTotalTimeout, inner["message"])
}

func TestChatCompletionsPipelineFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.answerErr = errors.New("vector search unavailable")

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", completionRequest("q"))
	inner := requireErrorEnvelope(t, rec, http.StatusInternalServerError, errTypeInternal)
	assert.Equal(t, msgInternal, inner["message"])
}

func TestChatCompletionsDebugEcho(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.answer = &rag.Answer{
		Answer: "ok",
		Debug:  &rag.DebugInfo{Retrieved: 7, RetrievalQuery: "q"},
	}

	body := completionRequest("q")
	body["debug"] = true
	resp := decodeBody(t, ts.do(t, http.MethodPost, "/v1/chat/completions", body))

	debug, ok := resp["debug"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, debug["retrieved"])
}

func TestFeedbackStoresRating(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/feedback", map[string]any{
		"conversation_id": "conv_1",
		"message_id":      "chatcmpl_abc",
		"rating":          "down",
		"reason":          "outdated",
		"comment":         "链接失效",
		"sources":         []string{"https://docs.example.com/old"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"status": "ok"}, decodeBody(t, rec))

	require.Len(t, ts.store.feedback, 1)
	fb := ts.store.feedback[0]
	assert.Equal(t, "conv_1", fb.ConversationID)
	assert.Equal(t, "chatcmpl_abc", fb.MessageID)
	assert.Equal(t, "down", fb.Rating)
	assert.Equal(t, []string{"https://docs.example.com/old"}, fb.SourceURLs)
}

func TestFeedbackValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []map[string]any{
		{"message_id": "m", "rating": "up"},
		{"conversation_id": "c", "rating": "up"},
		{"conversation_id": "c", "message_id": "m", "rating": "sideways"},
	}
	for _, body := range tests {
		rec := ts.do(t, http.MethodPost, "/v1/feedback", body)
		requireErrorEnvelope(t, rec, http.StatusBadRequest, errTypeInvalidRequest)
	}
}
