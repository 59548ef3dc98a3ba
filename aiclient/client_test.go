package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cxr-report-pipeline/config"
	"cxr-report-pipeline/models"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		AIBaseURL:        baseURL,
		FeaturesEndpoint: "/cxr/features",
		ProbeEndpoint:    "/cxr/linear_probe",
		AIAuthUsername:   "service",
		AIAuthPassword:   "secret",
		FeatureDim:       4,
		ExpectedLabels:   []string{"effusion", "pneumothorax"},
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		RequestTimeout:   5 * time.Second,
	}
}

func testSubmission() *models.ImageSubmission {
	return &models.ImageSubmission{
		Data:     []byte("jpeg-bytes"),
		MimeType: "image/jpeg",
		Size:     10,
		Filename: "chest.jpg",
	}
}

func TestExtractFeaturesSuccess(t *testing.T) {
	var gotAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "service" && pass == "secret"

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("request is not a multipart form: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("multipart form has no file field: %v", err)
		}

		json.NewEncoder(w).Encode([]float64{0.1, 0.2, 0.3, 0.4})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	features, err := client.ExtractFeatures(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("ExtractFeatures returned unexpected error: %v", err)
	}

	if !gotAuth {
		t.Error("request did not carry the configured basic auth credentials")
	}
	if len(features) != 4 {
		t.Errorf("len(features) = %d, want 4", len(features))
	}
}

func TestExtractFeaturesRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]float64{0.1, 0.2, 0.3, 0.4})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.ExtractFeatures(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

func TestExtractFeaturesSurfacesExhaustedRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.ExtractFeatures(context.Background(), testSubmission())

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("upstream calls = %d, want 3 (MaxRetries)", got)
	}
}

func TestExtractFeaturesAuthErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.ExtractFeatures(context.Background(), testSubmission())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (auth errors are not retried)", got)
	}
}

func TestExtractFeaturesDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]float64{0.1, 0.2})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.ExtractFeatures(context.Background(), testSubmission())

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError for wrong dimensionality, got %v", err)
	}
}

func TestClassifySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var features []float64
		if err := json.NewDecoder(r.Body).Decode(&features); err != nil {
			t.Errorf("request body is not a feature vector: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]float64{"effusion": 0.82, "pneumothorax": 0.05})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	probe, err := client.Classify(context.Background(), models.FeatureVector{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		t.Fatalf("Classify returned unexpected error: %v", err)
	}

	if probe["effusion"] != 0.82 {
		t.Errorf("probe[effusion] = %v, want 0.82", probe["effusion"])
	}
}

func TestClassifySchemaViolations(t *testing.T) {
	testCases := []struct {
		name     string
		response map[string]float64
	}{
		{name: "missing expected label", response: map[string]float64{"effusion": 0.5}},
		{name: "score above one", response: map[string]float64{"effusion": 0.5, "pneumothorax": 1.7}},
		{name: "negative score", response: map[string]float64{"effusion": -0.1, "pneumothorax": 0.2}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tc.response)
			}))
			defer server.Close()

			client := NewClient(testConfig(server.URL))
			_, err := client.Classify(context.Background(), models.FeatureVector{0.1, 0.2, 0.3, 0.4})

			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Errorf("expected SchemaError, got %v", err)
			}
		})
	}
}

func TestClassifyClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Classify(context.Background(), models.FeatureVector{0.1, 0.2, 0.3, 0.4})

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Transient {
		t.Error("4xx responses must not be marked transient")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestMalformedBodyIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("this is not json"))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Classify(context.Background(), models.FeatureVector{0.1, 0.2, 0.3, 0.4})

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError for malformed body, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (malformed body is not retryable)", got)
	}
}
