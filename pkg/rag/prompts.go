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
	"fmt"
	"regexp"
	"strings"
)

// Built-in prompt pairs per exposed model family. Config prompt
// templates override these per model id.
const (
	docsSystemPrompt    = "你是 OneKey 开发者文档助手。你必须严格基于提供的“文档片段”回答，不要编造。"
	docsNoSourcesAnswer = "我在 OneKey 开发者文档中没有检索到直接相关的内容。你可以换一种问法，或提供更具体的关键词（如 SDK 名称/方法名/报错信息）。"

	txSystemPrompt    = "你是 Web3 交易分析知识库助手。你必须严格基于提供的“知识库片段”回答，不要编造。"
	txNoSourcesAnswer = "当前 tx-analyzer 知识库未检索到相关内容，请补充知识库文档或调整交易问题。"

	genericSystemPrompt    = "你是知识库助手。你必须严格基于提供的“知识库片段”回答，不要编造。"
	genericNoSourcesAnswer = "当前知识库未检索到相关内容，请补充文档或调整问题。"
)

const formattingRules = "格式要求（重要）：\n" +
	"- 请使用 Markdown 输出。\n" +
	"- 对变量名/方法名/参数名/字段名/命令/路径/报错关键词等“短代码片段”，使用反引号包裹（inline code），例如 `connectId`、`HardwareSDK.init()`。\n" +
	"- 不要把单个标识符/字段名（例如 `device_id`、`connectId`）单独放在一行或代码块里；尽量写在句子中。\n" +
	"- 对多行代码/命令/配置使用代码块（fenced code block），并尽量标注语言，例如 ```ts / ```bash / ```json。\n" +
	"- 代码块优先用于“≥2 行”或需要复制执行的命令/配置；不要为了展示一个词/一个参数就用代码块。\n" +
	"- 除代码块外，不要把短标识符单独换行。\n\n"

// resolveDefaultPrompts picks the built-in (system, noSources) pair for
// the requested model family.
func resolveDefaultPrompts(requestedModel string) (string, string) {
	switch requestedModel {
	case "", "onekey-docs":
		return docsSystemPrompt, docsNoSourcesAnswer
	case "tx-analyzer":
		return txSystemPrompt, txNoSourcesAnswer
	default:
		return genericSystemPrompt, genericNoSourcesAnswer
	}
}

// citationRules binds inline citations to the 1..n source numbering.
func citationRules(n int) string {
	return "引用规则（重要）：\n" +
		fmt.Sprintf("- 你只能引用编号 1..%d，引用格式为 [数字]，例如 [1]。\n", n) +
		"- 每个关键结论/步骤后都要给出至少一个引用；如果文档片段不足以支撑，请明确说“不确定/文档未说明”。\n" +
		"- 不要在正文里堆砌 URL；只用 [n] 这种 inline citation。\n\n"
}

// promptExtra prefixes the user prompt with caller rules, the compacted
// memory, and the recent history, each under its own label.
func promptExtra(systemInstructions, memorySummary, historyExcerpt string) string {
	var sb strings.Builder
	if systemInstructions != "" {
		sb.WriteString("用户额外要求（如与规则冲突，以规则为准）：\n" + systemInstructions + "\n\n")
	}
	if memorySummary != "" {
		sb.WriteString("对话摘要（压缩记忆）：\n" + memorySummary + "\n\n")
	}
	if historyExcerpt != "" {
		sb.WriteString("最近对话片段：\n" + historyExcerpt + "\n\n")
	}
	return sb.String()
}

// defaultUserPrompt is the built-in user message layout.
func defaultUserPrompt(extra, question, context, formatting, citations string) string {
	return extra +
		"当前问题：" + question + "\n\n" +
		"文档片段（可引用）：\n" + context + "\n\n" +
		formatting +
		citations +
		"请用中文给出：\n" +
		"1) 简要结论（1-3 句）\n" +
		"2) 具体步骤（分点）\n" +
		"3) 若文档片段包含代码/配置，请给出对应示例\n" +
		"4) 注意事项/常见坑（如有）\n"
}

var placeholderRe = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

// renderTemplate substitutes {placeholder} tokens from vars; unknown
// placeholders render as empty strings. Values are inserted verbatim and
// never re-scanned.
func renderTemplate(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		return vars[m[1:len(m)-1]]
	})
}
