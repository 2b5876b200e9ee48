package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/evalbench/evalbench/internal/invoker/contracts"
)

const InvokerID = "bedrock-runtime"

type invokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Config struct {
	Region    string
	MaxTokens int
}

// Adapter invokes models through the Bedrock runtime and normalizes every
// outcome into the scheduler's taxonomy. The AWS client is resolved lazily
// so construction never touches the network.
type Adapter struct {
	mu     sync.Mutex
	client invokeClient
	cfg    Config
}

func ConfigFromEnv() Config {
	maxTokens := 1024
	if raw := strings.TrimSpace(os.Getenv("EVALBENCH_BEDROCK_MAX_TOKENS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxTokens = parsed
		}
	}
	return Config{
		Region:    defaultString(os.Getenv("EVALBENCH_BEDROCK_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		MaxTokens: maxTokens,
	}
}

func NewAdapter(cfg Config) *Adapter {
	return NewAdapterWithClient(cfg, nil)
}

func NewAdapterWithClient(cfg Config, client invokeClient) *Adapter {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Adapter{client: client, cfg: cfg}
}

func NewAdapterFromEnv() *Adapter {
	return NewAdapter(ConfigFromEnv())
}

func (a *Adapter) InvokerID() string {
	return InvokerID
}

type messagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	OutputText string         `json:"outputText"`
	Completion string         `json:"completion"`
}

func (a *Adapter) Invoke(ctx context.Context, req contracts.Request) (contracts.Output, error) {
	if err := req.Validate(); err != nil {
		return contracts.Output{}, err
	}
	client, err := a.resolveClient()
	if err != nil {
		return contracts.Output{}, err
	}

	body, err := json.Marshal(messagesRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        a.cfg.MaxTokens,
		Messages: []message{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: req.Input}},
		}},
	})
	if err != nil {
		return contracts.Output{}, fmt.Errorf("marshal model request: %w", err)
	}

	output, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return normalizeBedrockError(err), nil
	}
	if output == nil || len(output.Body) == 0 {
		return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_empty_body"}, nil
	}
	return decodeModelOutput(output.Body), nil
}

func decodeModelOutput(body []byte) contracts.Output {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_malformed_body"}
	}
	var text string
	switch {
	case len(resp.Content) > 0:
		parts := make([]string, 0, len(resp.Content))
		for _, block := range resp.Content {
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		text = strings.Join(parts, "")
	case resp.OutputText != "":
		text = resp.OutputText
	case resp.Completion != "":
		text = resp.Completion
	}
	return contracts.Output{Class: contracts.OutcomeSuccess, Text: text}
}

func normalizeBedrockError(err error) contracts.Output {
	if errors.Is(err, context.Canceled) {
		return contracts.Output{Class: contracts.OutcomeCancelled, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Output{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException", "ModelNotReadyException":
			return contracts.Output{Class: contracts.OutcomeOverload, Retryable: true, Reason: "provider_overload", BackoffMS: 500}
		case "ModelTimeoutException":
			return contracts.Output{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
		case "ValidationException", "AccessDeniedException", "ResourceNotFoundException", "ModelErrorException":
			return contracts.Output{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}
		default:
			return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_server_error"}
		}
	}

	return contracts.Output{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (a *Adapter) resolveClient() (invokeClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = bedrockruntime.NewFromConfig(awsCfg)
	return a.client, nil
}
