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

package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/httpclient"
)

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	config     *config.ChatConfig
	httpClient *httpclient.Client
	baseURL    string
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []Message             `json:"messages"`
	Temperature    float64               `json:"temperature"`
	TopP           float64               `json:"top_p"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Stream         bool                  `json:"stream"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage       `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage       `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// New builds the chat client from configuration. Provider "none" returns
// (nil, nil): a nil client means answers degrade to the snippets fallback.
func New(cfg *config.ChatConfig) (ChatClient, error) {
	switch cfg.Provider {
	case config.ChatProviderNone:
		return nil, nil
	case config.ChatProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown chat provider: %s", cfg.Provider)
	}
}

// NewOpenAIClient builds the OpenAI-compatible client.
func NewOpenAIClient(cfg *config.ChatConfig) *OpenAIClient {
	return &OpenAIClient{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseRetryHeaders),
		),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func (c *OpenAIClient) Model() string {
	return c.config.Model
}

// Chat runs a non-streaming completion and returns the assistant text
// with upstream token usage (zero when the upstream omits usage).
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (string, Usage, error) {
	response, err := c.complete(ctx, c.buildRequest(messages, opts, false))
	if err != nil {
		return "", Usage{}, err
	}
	if response.Error != nil {
		return "", Usage{}, fmt.Errorf("chat API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no response choices returned")
	}

	var usage Usage
	if response.Usage != nil {
		usage = *response.Usage
	}
	return response.Choices[0].Message.Content, usage, nil
}

// ChatStream runs a streaming completion. Text chunks arrive in order; the
// final chunk is done (with usage when the upstream reports it) or error.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	request := c.buildRequest(messages, opts, true)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := c.streamRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return outputCh, nil
}

func (c *OpenAIClient) buildRequest(messages []Message, opts Options, stream bool) openAIRequest {
	model := opts.Model
	if model == "" {
		model = c.config.Model
	}

	temperature := config.Float64Value(c.config.Temperature, 0.3)
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	topP := config.Float64Value(c.config.TopP, 1.0)
	if opts.TopP != nil {
		topP = *opts.TopP
	}

	request := openAIRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        topP,
		Stream:      stream,
	}

	maxTokens := c.config.MaxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}
	if maxTokens > 0 {
		request.MaxTokens = &maxTokens
	}

	if opts.ResponseFormat != "" {
		request.ResponseFormat = &openAIResponseFormat{Type: opts.ResponseFormat}
	}
	return request
}

func (c *OpenAIClient) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, nil
}

func (c *OpenAIClient) complete(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	req, err := c.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return nil, fmt.Errorf("chat API returned status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
		}
		return nil, fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat response: %w", err)
	}
	return &response, nil
}

func (c *OpenAIClient) streamRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamChunk) error {
	req, err := c.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("chat stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, string(body))
	}

	reader := bufio.NewReader(resp.Body)
	var usage *Usage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			// Skip malformed keep-alive frames.
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("chat API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			usage = streamResp.Usage
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		if content := streamResp.Choices[0].Delta.Content; content != "" {
			select {
			case outputCh <- StreamChunk{Type: ChunkText, Text: content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Usage: usage}
	return nil
}

// parseErrorResponse extracts structured error details from an error body.
func parseErrorResponse(body []byte) *openAIError {
	if len(body) == 0 {
		return nil
	}
	var errResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errResp.Error
	}
	return nil
}
