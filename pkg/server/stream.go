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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// Chunk sizes for the client-side typing effect: normal text streams
// in pieces of 60 characters, error notices in pieces of 80.
const (
	textChunkSize  = 60
	errorChunkSize = 80
)

// streamCompletion serves one chat completion as server-sent events.
// The frame sequence is fixed: a role frame, content deltas, a stop
// frame, one chat.completion.sources event, then [DONE]. Errors after
// the role frame are reported as content so clients always render
// something.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, q *rag.Query) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		internalError(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	st := &eventStream{
		w:       w,
		flusher: flusher,
		id:      utils.NewID("chatcmpl", 32),
		created: time.Now().Unix(),
		model:   q.RequestedModel,
	}
	st.roleFrame()

	start := time.Now()
	prepCtx, cancel := context.WithTimeout(r.Context(), s.cfg.RAG.PrepareTimeout)
	prepared, err := s.pipeline.Prepare(prepCtx, q)
	cancel()
	if err != nil {
		prepared = nil
		if errors.Is(err, context.DeadlineExceeded) {
			st.contentChunks("\n\n[错误] 检索/上下文准备超时：请缩短问题或稍后重试", errorChunkSize)
		} else if r.Context().Err() == nil {
			s.logger.Error("Stream prepare failed", "model", q.RequestedModel, "error", err)
			st.contentChunks(fmt.Sprintf("\n\n[错误] 检索/上下文准备失败：%v", err), errorChunkSize)
		}
	}
	retrieved := 0
	if prepared != nil && prepared.Meta != nil {
		retrieved = prepared.Meta.Retrieved
	}
	s.metrics().RecordQuery(r.Context(), q.RequestedModel, time.Since(start), retrieved, err)

	inline, appendSources := s.pipeline.Framing(q)

	var sources []rag.Source
	if prepared != nil {
		sources = prepared.Sources
	}
	tail := ""
	if len(sources) > 0 && appendSources {
		tail = rag.ReferencesTail(sources, inline)
	}

	noChatText := ""
	if s.chat == nil && prepared != nil && prepared.DirectAnswer == "" && len(sources) > 0 {
		noChatText = noUpstreamNotice(sources)
	}

	if prepared == nil || prepared.DirectAnswer != "" || len(prepared.Messages) == 0 || s.chat == nil {
		text := ""
		if prepared != nil {
			text = prepared.DirectAnswer
		}
		if text == "" {
			text = noChatText
		}
		// The tail follows direct answers only; error notices and the
		// no-upstream fallback already carry their own source hints.
		if prepared != nil && prepared.DirectAnswer != "" {
			text += tail
		}
		st.contentChunks(text, textChunkSize)
	} else {
		s.relayUpstream(r.Context(), st, q, prepared, tail)
	}

	st.stopFrame()
	st.sourcesEvent(sources)
	st.done()
}

// relayUpstream forwards model deltas and appends the references tail
// after the last one. A mid-stream failure turns into an error notice;
// the tail is skipped so the break stays visible.
func (s *Server) relayUpstream(ctx context.Context, st *eventStream, q *rag.Query, prepared *rag.Prepared, tail string) {
	ch, err := s.chat.ChatStream(ctx, prepared.Messages, llms.Options{
		Model:          q.ChatModel,
		Temperature:    q.Temperature,
		TopP:           q.TopP,
		MaxTokens:      q.MaxTokens,
		ResponseFormat: q.ResponseFormat,
	})
	if err != nil {
		s.logger.Error("Upstream stream failed to start", "model", q.ChatModel, "error", err)
		st.contentChunks(fmt.Sprintf("\n\n[错误] 上游模型流式输出失败：%v", err), errorChunkSize)
		return
	}

	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			if chunk.Text != "" {
				st.contentFrame(chunk.Text)
			}
		case llms.ChunkError:
			s.logger.Error("Upstream stream failed", "model", q.ChatModel, "error", chunk.Err)
			st.contentChunks(fmt.Sprintf("\n\n[错误] 上游模型流式输出失败：%v", chunk.Err), errorChunkSize)
			return
		}
	}

	if tail != "" {
		st.contentFrame(tail)
	}
}

// noUpstreamNotice is streamed when retrieval found sources but no
// upstream chat model is configured.
func noUpstreamNotice(sources []rag.Source) string {
	var b strings.Builder
	b.WriteString("当前服务未配置上游 ChatModel（CHAT_API_KEY），因此无法生成高质量自然语言回答。\n\n")
	b.WriteString("下面是检索到的相关文档片段（请优先查看来源链接）：\n")
	n := len(sources)
	if n > 5 {
		n = 5
	}
	lines := make([]string, 0, n)
	for _, src := range sources[:n] {
		title := strings.TrimSpace(src.Title)
		if title == "" {
			title = src.URL
		}
		lines = append(lines, fmt.Sprintf("- %s（%s）", title, src.URL))
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamFrame struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

// eventStream writes SSE frames, flushing after each so deltas reach
// the client as they happen.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	created int64
	model   string
}

func (st *eventStream) frame(delta streamDelta, finishReason *string) {
	st.event(streamFrame{
		ID:      st.id,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []streamChoice{{Delta: delta, FinishReason: finishReason}},
	})
}

func (st *eventStream) roleFrame() {
	st.frame(streamDelta{Role: "assistant"}, nil)
}

func (st *eventStream) contentFrame(text string) {
	st.frame(streamDelta{Content: text}, nil)
}

// contentChunks splits text into fixed-size pieces, one frame each.
func (st *eventStream) contentChunks(text string, size int) {
	for _, piece := range chunkText(text, size) {
		st.contentFrame(piece)
	}
}

func (st *eventStream) stopFrame() {
	stop := "stop"
	st.frame(streamDelta{}, &stop)
}

func (st *eventStream) sourcesEvent(sources []rag.Source) {
	if sources == nil {
		sources = []rag.Source{}
	}
	st.event(map[string]any{
		"id":      st.id,
		"object":  "chat.completion.sources",
		"sources": sources,
	})
}

func (st *eventStream) done() {
	fmt.Fprint(st.w, "data: [DONE]\n\n")
	st.flusher.Flush()
}

func (st *eventStream) event(v any) {
	data, err := marshalCompact(v)
	if err != nil {
		return
	}
	fmt.Fprintf(st.w, "data: %s\n\n", data)
	st.flusher.Flush()
}

// marshalCompact marshals without HTML escaping, so Chinese text and
// URLs pass through unmangled.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// chunkText splits text into size-character pieces, counting runes so
// multi-byte characters never split.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	parts := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}
