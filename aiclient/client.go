package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"

	"github.com/apex/log"
	"golang.org/x/time/rate"

	"cxr-report-pipeline/config"
	"cxr-report-pipeline/models"
	"cxr-report-pipeline/retry"
)

// Client wraps the two remote CXR inference endpoints: feature extraction
// and linear-probe classification. Every call is basic-authenticated,
// bounded by the configured timeout, and retried per the retry policy.
type Client struct {
	featuresURL string
	probeURL    string
	username    string
	password    string

	featureDim     int
	expectedLabels []string

	client  *http.Client
	policy  retry.Policy
	limiter *rate.Limiter
}

// NewClient creates an AI service client from configuration.
func NewClient(cfg *config.Config) *Client {
	base := strings.TrimRight(cfg.AIBaseURL, "/")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.UpstreamRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), 1)
	}

	return &Client{
		featuresURL:    base + cfg.FeaturesEndpoint,
		probeURL:       base + cfg.ProbeEndpoint,
		username:       cfg.AIAuthUsername,
		password:       cfg.AIAuthPassword,
		featureDim:     cfg.FeatureDim,
		expectedLabels: cfg.ExpectedLabels,
		client:         &http.Client{Timeout: cfg.RequestTimeout},
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay,
			Retryable:   IsTransient,
		},
		limiter: limiter,
	}
}

// ExtractFeatures uploads the image to the feature-extraction endpoint and
// returns the resulting feature vector.
func (c *Client) ExtractFeatures(ctx context.Context, sub *models.ImageSubmission) (models.FeatureVector, error) {
	const op = "feature extraction"

	log.WithField("bytes", sub.Size).Info("extracting features from image")

	body, err := c.call(ctx, op, func() (*http.Request, error) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", sub.Filename)
		if err != nil {
			return nil, fmt.Errorf("failed to build multipart form: %w", err)
		}
		if _, err := part.Write(sub.Data); err != nil {
			return nil, fmt.Errorf("failed to write image into form: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to finalize multipart form: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.featuresURL, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var features models.FeatureVector
	if err := json.Unmarshal(body, &features); err != nil {
		return nil, &UpstreamError{Op: op, Body: fmt.Sprintf("malformed response body: %v", err)}
	}

	if c.featureDim > 0 && len(features) != c.featureDim {
		return nil, &SchemaError{
			Op:     op,
			Reason: fmt.Sprintf("expected %d features, got %d", c.featureDim, len(features)),
		}
	}

	log.WithField("dimensions", len(features)).Info("features extracted successfully")
	return features, nil
}

// Classify sends the feature vector to the linear-probe endpoint and returns
// finding scores. All configured labels must be present with scores in [0,1];
// anything else is a SchemaError.
func (c *Client) Classify(ctx context.Context, features models.FeatureVector) (models.ProbeResult, error) {
	const op = "linear probe classification"

	log.WithField("features", len(features)).Info("requesting predictions")

	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}

	body, err := c.call(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.probeURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var probe models.ProbeResult
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, &UpstreamError{Op: op, Body: fmt.Sprintf("malformed response body: %v", err)}
	}

	for _, label := range c.expectedLabels {
		score, ok := probe[label]
		if !ok {
			return nil, &SchemaError{Op: op, Reason: fmt.Sprintf("missing expected label %q", label)}
		}
		if score < 0 || score > 1 {
			return nil, &SchemaError{
				Op:     op,
				Reason: fmt.Sprintf("score %.4f for label %q is outside [0,1]", score, label),
			}
		}
	}

	log.WithField("labels", len(probe)).Info("predictions received successfully")
	return probe, nil
}

// call performs one authenticated POST with retry on transient failures and
// returns the response body of the first successful attempt.
func (c *Client) call(ctx context.Context, op string, build func() (*http.Request, error)) ([]byte, error) {
	var body []byte

	err := retry.Do(ctx, c.policy, op, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := build()
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.client.Do(req)
		if err != nil {
			if isTimeout(err) {
				return &TimeoutError{Op: op, Err: err}
			}
			// Connection-level failures are transient by definition.
			return &UpstreamError{Op: op, Body: err.Error(), Transient: true}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &UpstreamError{Op: op, Body: fmt.Sprintf("failed to read response: %v", err), Transient: true}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = data
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &AuthError{Status: resp.StatusCode}
		case resp.StatusCode >= 500:
			return &UpstreamError{Op: op, Status: resp.StatusCode, Body: truncate(data), Transient: true}
		default:
			return &UpstreamError{Op: op, Status: resp.StatusCode, Body: truncate(data)}
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
