package synthesizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"

	"cxr-report-pipeline/aiclient"
	"cxr-report-pipeline/config"
	"cxr-report-pipeline/models"
	"cxr-report-pipeline/parser"
	"cxr-report-pipeline/retry"
)

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// SynthesisError means the language-model call failed irrecoverably after
// retries or returned an empty body. An unparseable-but-present response is
// not a SynthesisError; it degrades to a raw-only section set.
type SynthesisError struct {
	Reason string
	Err    error
}

func (e *SynthesisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report synthesis failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("report synthesis failed: %s", e.Reason)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Synthesizer turns linear-probe scores into a structured narrative report
// through one chat-completions call.
type Synthesizer struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	policy   retry.Policy
}

// New creates a synthesizer from configuration.
func New(cfg *config.Config) *Synthesizer {
	return &Synthesizer{
		endpoint: defaultEndpoint,
		apiKey:   cfg.OpenAIAPIKey,
		model:    cfg.OpenAIModel,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay,
			Retryable:   aiclient.IsTransient,
		},
	}
}

// Synthesize sends the probe scores to the language model and parses the
// response into findings/impression/raw sections.
func (s *Synthesizer) Synthesize(ctx context.Context, probe models.ProbeResult, cc models.CaseContext) (models.ReportSections, error) {
	const op = "report synthesis"

	reqBody := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: promptSystem},
			{Role: "user", Content: userPrompt(probe, cc)},
		},
		Temperature: 0.15,
		TopP:        0.15,
		MaxTokens:   1000,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return models.ReportSections{}, &SynthesisError{Reason: "failed to marshal request", Err: err}
	}

	var content string
	callErr := retry.Do(ctx, s.policy, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return &aiclient.UpstreamError{Op: op, Body: err.Error(), Transient: true}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &aiclient.UpstreamError{Op: op, Body: fmt.Sprintf("failed to read response: %v", err), Transient: true}
		}

		if resp.StatusCode != http.StatusOK {
			return &aiclient.UpstreamError{
				Op:        op,
				Status:    resp.StatusCode,
				Body:      string(body),
				Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			}
		}

		var chatResp chatResponse
		if err := json.Unmarshal(body, &chatResp); err != nil {
			return &aiclient.UpstreamError{Op: op, Body: fmt.Sprintf("malformed response body: %v", err)}
		}
		if len(chatResp.Choices) == 0 {
			return &aiclient.UpstreamError{Op: op, Body: "no choices in response"}
		}

		content = chatResp.Choices[0].Message.Content
		return nil
	})
	if callErr != nil {
		return models.ReportSections{}, &SynthesisError{Reason: "model call failed", Err: callErr}
	}

	if strings.TrimSpace(content) == "" {
		return models.ReportSections{}, &SynthesisError{Reason: "model returned an empty report"}
	}

	sections := parser.ParseSections(content)
	if sections.Findings == "" && sections.Impression == "" {
		log.Warn("model response carried no section markers, storing raw text only")
	}
	return sections, nil
}
