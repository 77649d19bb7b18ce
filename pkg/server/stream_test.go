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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/rag"
)

type sseEvent struct {
	raw  string
	data map[string]any
}

func parseSSE(t *testing.T, rec *httptest.ResponseRecorder) []sseEvent {
	t.Helper()
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events []sseEvent
	for _, block := range strings.Split(rec.Body.String(), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected SSE block: %q", block)
		ev := sseEvent{raw: strings.TrimPrefix(block, "data: ")}
		if ev.raw != "[DONE]" {
			require.NoError(t, json.Unmarshal([]byte(ev.raw), &ev.data), "event: %s", ev.raw)
		}
		events = append(events, ev)
	}
	return events
}

func streamRequest(question string) map[string]any {
	body := completionRequest(question)
	body["stream"] = true
	return body
}

func frameDelta(t *testing.T, ev sseEvent) map[string]any {
	t.Helper()
	choices, ok := ev.data["choices"].([]any)
	require.True(t, ok, "not a chunk frame: %s", ev.raw)
	require.Len(t, choices, 1)
	return choices[0].(map[string]any)["delta"].(map[string]any)
}

func frameFinish(t *testing.T, ev sseEvent) any {
	t.Helper()
	choices := ev.data["choices"].([]any)
	return choices[0].(map[string]any)["finish_reason"]
}

// streamedText concatenates the content deltas between the role frame
// and the stop frame.
func streamedText(t *testing.T, events []sseEvent) string {
	t.Helper()
	var b strings.Builder
	for _, ev := range events[1 : len(events)-3] {
		if c, ok := frameDelta(t, ev)["content"].(string); ok {
			b.WriteString(c)
		}
	}
	return b.String()
}

// requireStreamShape asserts the fixed envelope: role frame first, then
// stop frame, sources event, [DONE] last. Returns all events.
func requireStreamShape(t *testing.T, rec *httptest.ResponseRecorder) []sseEvent {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec)
	require.GreaterOrEqual(t, len(events), 4)

	role := events[0]
	assert.Equal(t, "chat.completion.chunk", role.data["object"])
	assert.Equal(t, "assistant", frameDelta(t, role)["role"])
	assert.Nil(t, frameFinish(t, role))

	stop := events[len(events)-3]
	assert.Empty(t, frameDelta(t, stop))
	assert.Equal(t, "stop", frameFinish(t, stop))

	sources := events[len(events)-2]
	assert.Equal(t, "chat.completion.sources", sources.data["object"])

	assert.Equal(t, "[DONE]", events[len(events)-1].raw)
	return events
}

func TestStreamRelaysUpstreamDeltas(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.prepared = &rag.Prepared{
		Messages: []llms.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "q"},
		},
		Sources: []rag.Source{{Ref: 1, Title: "Swap", URL: "https://docs.example.com/swap"}},
		Meta:    &rag.Meta{Retrieved: 2},
	}
	ts.chat.chunks = []llms.StreamChunk{
		{Type: llms.ChunkText, Text: "代币交换"},
		{Type: llms.ChunkText, Text: ""},
		{Type: llms.ChunkText, Text: "需要先授权"},
		{Type: llms.ChunkDone},
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("如何交换代币？"))
	events := requireStreamShape(t, rec)
	// role + 2 deltas + tail + stop + sources + [DONE]; empty deltas
	// are dropped.
	require.Len(t, events, 7)

	assert.Equal(t, "代币交换", frameDelta(t, events[1])["content"])
	assert.Equal(t, "需要先授权", frameDelta(t, events[2])["content"])
	assert.Equal(t, "\n\n参考：\n[1] Swap - https://docs.example.com/swap",
		frameDelta(t, events[3])["content"])

	srcs := events[5].data["sources"].([]any)
	require.Len(t, srcs, 1)
	assert.Equal(t, "https://docs.example.com/swap", srcs[0].(map[string]any)["url"])

	// Frames are single-line compact JSON sharing one completion id.
	id := events[0].data["id"].(string)
	assert.True(t, strings.HasPrefix(id, "chatcmpl_"))
	for _, ev := range events[:len(events)-1] {
		assert.NotContains(t, ev.raw, "\n")
		assert.Equal(t, id, ev.data["id"])
	}

	ts.chat.mu.Lock()
	defer ts.chat.mu.Unlock()
	assert.Equal(t, ts.cfg.Chat.Model, ts.chat.gotOpts.Model)
}

func TestStreamDirectAnswerChunksBySixtyRunes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.prepared = &rag.Prepared{DirectAnswer: strings.Repeat("知", 70)}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("q"))
	events := requireStreamShape(t, rec)
	require.Len(t, events, 6)

	first := frameDelta(t, events[1])["content"].(string)
	second := frameDelta(t, events[2])["content"].(string)
	assert.Equal(t, 60, utf8.RuneCountInString(first))
	assert.Equal(t, 10, utf8.RuneCountInString(second))

	assert.Equal(t, []any{}, events[4].data["sources"])
}

func TestStreamDirectAnswerCarriesReferencesTail(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.prepared = &rag.Prepared{
		DirectAnswer: "合约信息：Uniswap V3 Router",
		Sources:      []rag.Source{{Ref: 1, Title: "Deployments", URL: "https://docs.example.com/deployments"}},
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("0x 合约"))
	events := requireStreamShape(t, rec)

	text := streamedText(t, events)
	assert.Equal(t, "合约信息：Uniswap V3 Router\n\n参考：\n[1] Deployments - https://docs.example.com/deployments", text)
}

func TestStreamWithoutUpstreamChatListsSnippets(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		deps.Chat = nil
	})
	ts.pipeline.prepared = &rag.Prepared{
		Messages: []llms.Message{{Role: "user", Content: "q"}},
		Sources: []rag.Source{
			{Ref: 1, Title: "Swap", URL: "https://docs.example.com/swap"},
			{Ref: 2, URL: "https://docs.example.com/bridge"},
		},
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("q"))
	events := requireStreamShape(t, rec)

	text := streamedText(t, events)
	assert.True(t, strings.HasPrefix(text, "当前服务未配置上游 ChatModel（CHAT_API_KEY）"), text)
	assert.Contains(t, text, "- Swap（https://docs.example.com/swap）")
	assert.Contains(t, text, "- https://docs.example.com/bridge（https://docs.example.com/bridge）")
	assert.NotContains(t, text, "参考：")

	srcs := events[len(events)-2].data["sources"].([]any)
	assert.Len(t, srcs, 2)
}

func TestStreamPrepareTimeoutNotice(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.prepareErr = fmt.Errorf("prepare: %w", context.DeadlineExceeded)

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("q"))
	events := requireStreamShape(t, rec)

	text := streamedText(t, events)
	assert.Equal(t, "\n\n[错误] 检索/上下文准备超时：请缩短问题或稍后重试", text)
	assert.Equal(t, []any{}, events[len(events)-2].data["sources"])
}

func TestStreamPrepareFailureNotice(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.prepareErr = errors.New("pgvector offline")

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("q"))
	events := requireStreamShape(t, rec)
	assert.Equal(t, "\n\n[错误] 检索/上下文准备失败：pgvector offline", streamedText(t, events))
}

func TestStreamUpstreamMidStreamFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.prepared = &rag.Prepared{
		Messages: []llms.Message{{Role: "user", Content: "q"}},
		Sources:  []rag.Source{{Ref: 1, Title: "Guide", URL: "https://docs.example.com/guide"}},
	}
	ts.chat.chunks = []llms.StreamChunk{
		{Type: llms.ChunkText, Text: "前半段内容"},
		{Type: llms.ChunkError, Err: errors.New("connection reset")},
	}

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("q"))
	events := requireStreamShape(t, rec)

	text := streamedText(t, events)
	assert.Contains(t, text, "前半段内容")
	assert.Contains(t, text, "\n\n[错误] 上游模型流式输出失败：connection reset")
	// A broken stream skips the references tail so the break stays
	// visible, but the sources event still carries the links.
	assert.NotContains(t, text, "参考：")
	assert.Len(t, events[len(events)-2].data["sources"], 1)
}

func TestStreamUpstreamStartFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.prepared = &rag.Prepared{
		Messages: []llms.Message{{Role: "user", Content: "q"}},
	}
	ts.chat.startErr = errors.New("401 unauthorized")

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", streamRequest("q"))
	events := requireStreamShape(t, rec)
	assert.Contains(t, streamedText(t, events), "[错误] 上游模型流式输出失败：401 unauthorized")
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 10))
	assert.Equal(t, []string{"ab", "cd", "e"}, chunkText("abcde", 2))
	assert.Equal(t, []string{"xy"}, chunkText("xy", 0))

	parts := chunkText(strings.Repeat("界", 61), 60)
	require.Len(t, parts, 2)
	assert.Equal(t, 60, utf8.RuneCountInString(parts[0]))
	assert.Equal(t, 1, utf8.RuneCountInString(parts[1]))
}
