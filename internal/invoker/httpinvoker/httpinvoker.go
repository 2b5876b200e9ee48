package httpinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/evalbench/evalbench/internal/invoker/contracts"
)

const maxResponseBytes = 1 << 20

// Config configures a chat-completions-style JSON-over-HTTP invoker.
type Config struct {
	InvokerID     string
	Endpoint      string
	APIKey        string
	APIKeyHeader  string
	APIKeyPrefix  string
	StaticHeaders map[string]string
	Client        *http.Client
}

// Invoker calls an OpenAI-compatible completions endpoint and normalizes
// status codes and transport errors into the scheduler's outcome taxonomy.
type Invoker struct {
	cfg    Config
	client *http.Client
}

// New constructs an HTTP invoker.
func New(cfg Config) (*Invoker, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.InvokerID == "" {
		cfg.InvokerID = "http"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "Authorization"
	}
	if cfg.APIKeyPrefix == "" && cfg.APIKeyHeader == "Authorization" {
		cfg.APIKeyPrefix = "Bearer "
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Invoker{cfg: cfg, client: client}, nil
}

func (i *Invoker) InvokerID() string {
	return i.cfg.InvokerID
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
		Text    string      `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke executes one model attempt. ctx carries both the per-attempt
// timeout and job cancellation.
func (i *Invoker) Invoke(ctx context.Context, req contracts.Request) (contracts.Output, error) {
	if err := req.Validate(); err != nil {
		return contracts.Output{}, err
	}

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{{Role: "user", Content: req.Input}},
	})
	if err != nil {
		return contracts.Output{}, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return contracts.Output{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if i.cfg.APIKey != "" {
		httpReq.Header.Set(i.cfg.APIKeyHeader, i.cfg.APIKeyPrefix+i.cfg.APIKey)
	}
	for key, value := range i.cfg.StaticHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return normalizeNetworkError(err), nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_read_error"}, nil
	}

	outcome := normalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	if outcome.Class != contracts.OutcomeSuccess {
		return outcome, nil
	}
	return decodeChatResponse(payload), nil
}

func decodeChatResponse(payload []byte) contracts.Output {
	var resp chatResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_malformed_body"}
	}
	if resp.Error != nil {
		return contracts.Output{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}
	}
	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		if text == "" {
			text = resp.Choices[0].Text
		}
	}
	return contracts.Output{Class: contracts.OutcomeSuccess, Text: text}
}

func normalizeNetworkError(err error) contracts.Output {
	if errors.Is(err, context.Canceled) {
		return contracts.Output{Class: contracts.OutcomeCancelled, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Output{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.Output{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

func normalizeStatus(status int, retryAfter string) contracts.Output {
	switch {
	case status >= 200 && status <= 299:
		return contracts.Output{Class: contracts.OutcomeSuccess}
	case status == http.StatusTooManyRequests:
		return contracts.Output{Class: contracts.OutcomeOverload, Retryable: true, Reason: "provider_overload", BackoffMS: retryAfterToMS(retryAfter)}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return contracts.Output{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return contracts.Output{Class: contracts.OutcomeBlocked, Reason: "provider_auth_or_policy_block"}
	case status >= 400 && status <= 499:
		return contracts.Output{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}
	default:
		return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_server_error"}
	}
}

func retryAfterToMS(retryAfter string) int64 {
	if strings.TrimSpace(retryAfter) == "" {
		return 500
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter))
	if err != nil || seconds < 1 {
		return 500
	}
	return int64(seconds) * 1000
}
