package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, client *Client)
	}{
		{
			name:    "default_configuration",
			options: []Option{},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 3 {
					t.Errorf("Expected maxRetries=3, got %d", client.maxRetries)
				}
				if client.baseDelay != time.Second {
					t.Errorf("Expected baseDelay=1s, got %v", client.baseDelay)
				}
				if client.client.Timeout != 60*time.Second {
					t.Errorf("Expected timeout=60s, got %v", client.client.Timeout)
				}
				if client.strategyFunc == nil {
					t.Error("Expected strategyFunc to be set")
				}
				if client.headerParser == nil {
					t.Error("Expected headerParser to be set")
				}
			},
		},
		{
			name: "custom_max_retries",
			options: []Option{
				WithMaxRetries(1),
			},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 1 {
					t.Errorf("Expected maxRetries=1, got %d", client.maxRetries)
				}
			},
		},
		{
			name: "custom_http_client",
			options: []Option{
				WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			},
			validate: func(t *testing.T, client *Client) {
				if client.client.Timeout != 30*time.Second {
					t.Errorf("Expected timeout=30s, got %v", client.client.Timeout)
				}
			},
		},
		{
			name: "custom_retry_strategy",
			options: []Option{
				WithRetryStrategy(func(statusCode int) RetryStrategy {
					return SmartRetry
				}),
			},
			validate: func(t *testing.T, client *Client) {
				if strategy := client.strategyFunc(500); strategy != SmartRetry {
					t.Errorf("Expected SmartRetry, got %v", strategy)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.options...)
			tt.validate(t, client)
		})
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		expected   RetryStrategy
	}{
		{"rate_limit_429", http.StatusTooManyRequests, SmartRetry},
		{"service_unavailable_503", http.StatusServiceUnavailable, SmartRetry},
		{"request_timeout_408", http.StatusRequestTimeout, ConservativeRetry},
		{"internal_server_error_500", http.StatusInternalServerError, ConservativeRetry},
		{"bad_gateway_502", http.StatusBadGateway, ConservativeRetry},
		{"gateway_timeout_504", http.StatusGatewayTimeout, ConservativeRetry},
		{"success_200", http.StatusOK, NoRetry},
		{"not_found_404", http.StatusNotFound, NoRetry},
		{"bad_request_400", http.StatusBadRequest, NoRetry},
		{"unauthorized_401", http.StatusUnauthorized, NoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := DefaultRetryStrategy(tt.statusCode); result != tt.expected {
				t.Errorf("DefaultRetryStrategy(%d) = %v, want %v", tt.statusCode, result, tt.expected)
			}
		})
	}
}

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := New(WithHTTPClient(server.Client()))
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Do() status code = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestClient_Do_RetryThenSuccess(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Do() status code = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if attemptCount != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount)
	}
}

func TestClient_Do_MaxRetriesExceeded(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(2),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Fatal("Do() error = nil, want RetryableError")
	}
	if resp == nil {
		t.Fatal("Do() response = nil, want non-nil")
	}
	defer func() { _ = resp.Body.Close() }()

	retryErr, ok := err.(*RetryableError)
	if !ok {
		t.Fatalf("Do() error type = %T, want *RetryableError", err)
	}
	if retryErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("RetryableError.StatusCode = %d, want %d", retryErr.StatusCode, http.StatusServiceUnavailable)
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false, want true")
	}

	expectedAttempts := 2 + 1
	if attemptCount != expectedAttempts {
		t.Errorf("Expected %d attempts, got %d", expectedAttempts, attemptCount)
	}
}

func TestClient_Do_RateLimitWithRetryAfter(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)

	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if attemptCount != 2 {
		t.Errorf("Expected 2 attempts, got %d", attemptCount)
	}
	if duration < time.Second {
		t.Errorf("Expected to wait at least 1s, waited %v", duration)
	}
}

func TestClient_Do_ConservativeRetryLimit(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(5),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Error("Do() error = nil, want error")
	}
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	// ConservativeRetry stops after two retries regardless of maxRetries.
	expectedAttempts := 2 + 1
	if attemptCount != expectedAttempts {
		t.Errorf("Expected %d attempts for conservative retry, got %d", expectedAttempts, attemptCount)
	}
}

func TestClient_calculateDelay(t *testing.T) {
	client := New(WithBaseDelay(time.Second))

	tests := []struct {
		name      string
		strategy  RetryStrategy
		attempt   int
		retryInfo RateLimitInfo
		expected  time.Duration
	}{
		{name: "no_retry", strategy: NoRetry, attempt: 0, expected: 0},
		{name: "smart_retry_backoff_0", strategy: SmartRetry, attempt: 0, expected: 1*time.Second + 100*time.Millisecond},
		{name: "smart_retry_backoff_1", strategy: SmartRetry, attempt: 1, expected: 2*time.Second + 200*time.Millisecond},
		{
			name:      "smart_retry_with_retry_after",
			strategy:  SmartRetry,
			attempt:   0,
			retryInfo: RateLimitInfo{RetryAfter: 5 * time.Second},
			expected:  5 * time.Second,
		},
		{name: "conservative_attempt_0", strategy: ConservativeRetry, attempt: 0, expected: time.Second},
		{name: "conservative_attempt_1", strategy: ConservativeRetry, attempt: 1, expected: 2 * time.Second},
		{name: "conservative_attempt_2", strategy: ConservativeRetry, attempt: 2, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := client.calculateDelay(tt.strategy, tt.attempt, tt.retryInfo); result != tt.expected {
				t.Errorf("calculateDelay() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseRetryHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "7")
	headers.Set("x-ratelimit-remaining-requests", "12")
	headers.Set("x-ratelimit-remaining-tokens", "9000")

	info := ParseRetryHeaders(headers)
	if info.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", info.RetryAfter)
	}
	if info.RequestsRemaining != 12 {
		t.Errorf("RequestsRemaining = %d, want 12", info.RequestsRemaining)
	}
	if info.TokensRemaining != 9000 {
		t.Errorf("TokensRemaining = %d, want 9000", info.TokensRemaining)
	}
}
