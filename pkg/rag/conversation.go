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

package rag

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// Compaction is the outcome of rewriting a multi-turn conversation into
// a retrievable query plus a compressed memory summary.
type Compaction struct {
	RetrievalQuery string
	MemorySummary  string
	UsedLLM        bool
}

const compactionSystemPrompt = "你是对话预处理器，只做结构化输出，不要解释。\n" +
	"请基于“最近对话”与“当前问题”，输出严格 JSON（不要 markdown 代码块），结构如下：\n" +
	"{\n" +
	"  \"query\": \"用于检索 OneKey 开发者文档的独立问题（单句或短段，保留专有名词/错误码/方法名/代码符号）\",\n" +
	"  \"summary\": \"对话记忆压缩（<= 8 条要点，覆盖：用户目标/上下文/约束/已尝试/关键实体；没有则空字符串）\"\n" +
	"}\n" +
	"要求：\n" +
	"- query 用中文输出，但可以保留英文术语与代码符号。\n" +
	"- 不要输出 URL，不要输出无关内容。\n"

const (
	compactionQueryMaxChars   = 220
	compactionSummaryMaxChars = 1400
)

// ExtractSystemInstructions joins the non-empty system message contents
// of a request, preserving order.
func ExtractSystemInstructions(messages []llms.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != "system" {
			continue
		}
		if c := strings.TrimSpace(m.Content); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// FormatHistoryExcerpt renders the last maxMessages user/assistant turns
// with 用户/助手 prefixes, every message clamped to perMessageMaxChars and
// the whole excerpt to maxChars. System and tool turns are dropped.
func FormatHistoryExcerpt(messages []llms.Message, maxMessages, maxChars, perMessageMaxChars int) string {
	var filtered []llms.Message
	for _, m := range messages {
		if m.Role == "user" || m.Role == "assistant" {
			filtered = append(filtered, m)
		}
	}
	if maxMessages > 0 && len(filtered) > maxMessages {
		filtered = filtered[len(filtered)-maxMessages:]
	}

	var lines []string
	for _, m := range filtered {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		who := "助手"
		if m.Role == "user" {
			who = "用户"
		}
		lines = append(lines, who+"："+utils.ClampText(content, perMessageMaxChars))
	}

	return utils.ClampText(strings.TrimSpace(strings.Join(lines, "\n")), maxChars)
}

// dropLastUserMessage removes the final user turn so the history excerpt
// does not repeat the current question.
func dropLastUserMessage(messages []llms.Message) []llms.Message {
	out := append([]llms.Message(nil), messages...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			return append(out[:i], out[i+1:]...)
		}
	}
	return out
}

// CompactConversation runs the one-call compactor: a strict-JSON chat
// completion that yields a retrieval query and an optional memory
// summary. It only engages for conversations with at least two user
// turns; every failure falls back silently to the raw question.
func CompactConversation(ctx context.Context, chat llms.ChatClient, model string, cfg *config.CompactionConfig, messages []llms.Message, question string) Compaction {
	fallback := Compaction{RetrievalQuery: question}
	if chat == nil || (!*cfg.QueryRewrite && !*cfg.MemorySummary) {
		return fallback
	}

	userTurns := 0
	for _, m := range messages {
		if m.Role == "user" {
			userTurns++
		}
	}
	if userTurns < 2 {
		return fallback
	}

	history := FormatHistoryExcerpt(
		dropLastUserMessage(messages),
		cfg.HistoryMaxMessages,
		cfg.HistoryMaxChars,
		cfg.MessageMaxChars,
	)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	temperature := 0.0
	topP := 1.0
	maxTokens := cfg.MaxTokens
	content, _, err := chat.Chat(ctx, []llms.Message{
		{Role: "system", Content: compactionSystemPrompt},
		{Role: "user", Content: "当前问题：" + question + "\n\n最近对话：\n" + history + "\n"},
	}, llms.Options{
		Model:          model,
		Temperature:    &temperature,
		TopP:           &topP,
		MaxTokens:      &maxTokens,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return fallback
	}

	result := Compaction{RetrievalQuery: question, UsedLLM: true}

	var data map[string]any
	if err := json.Unmarshal([]byte(extractJSONObject(content)), &data); err != nil {
		return result
	}

	if query, ok := data["query"].(string); ok {
		if q := strings.TrimSpace(query); q != "" {
			q = strings.Trim(q, `"'`)
			result.RetrievalQuery = utils.ClampText(q, compactionQueryMaxChars)
		}
	}
	if summary, ok := data["summary"].(string); ok {
		if s := strings.TrimSpace(summary); s != "" {
			result.MemorySummary = utils.ClampText(s, compactionSummaryMaxChars)
		}
	}
	return result
}
