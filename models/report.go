package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Report lifecycle statuses. Only finalized records are ever persisted;
// draft exists between synthesis and persistence inside one pipeline run.
const (
	StatusDraft     = "draft"
	StatusFinalized = "finalized"
)

// ImageSubmission is a validated upload, immutable after creation.
type ImageSubmission struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
}

// FeatureVector is the ordered feature sequence returned by the
// CXR feature-extraction endpoint.
type FeatureVector []float64

// ProbeResult maps finding labels to scores in [0,1] as returned by the
// linear-probe endpoint.
type ProbeResult map[string]float64

// ReportSections is the structured narrative produced by the synthesizer.
// When the model response carries no recognizable section markers, the whole
// response lands in Raw and Findings/Impression stay empty.
type ReportSections struct {
	Findings   string `json:"findings"`
	Impression string `json:"impression"`
	Raw        string `json:"raw"`
}

// ReportRecord is one generated CXR report, keyed by content fingerprint.
type ReportRecord struct {
	Fingerprint string         `json:"fingerprint"`
	Filename    string         `json:"filename"`
	CreatedAt   time.Time      `json:"created_at"`
	ProbeResult ProbeResult    `json:"probe_result"`
	Sections    ReportSections `json:"sections"`
	Status      string         `json:"status"`
}

// CaseContext carries optional case metadata forwarded to the synthesizer.
type CaseContext struct {
	Filename    string `json:"filename,omitempty"`
	Description string `json:"description,omitempty"`
}

// Fingerprint returns the deterministic digest of raw image bytes used as
// the idempotency and cache key.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ProbeFingerprint fingerprints a probe result by canonical encoding, so the
// scores-only submission path gets the same idempotency behavior as images.
func ProbeFingerprint(probe ProbeResult) string {
	labels := make([]string, 0, len(probe))
	for label := range probe {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	buf := make([]byte, 0, 64*len(labels))
	for _, label := range labels {
		buf = append(buf, fmt.Sprintf("%s=%.6f;", label, probe[label])...)
	}
	return Fingerprint(buf)
}

// MarshalScores encodes probe scores for storage.
func (p ProbeResult) MarshalScores() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal probe scores: %w", err)
	}
	return string(data), nil
}

// UnmarshalScores decodes probe scores from storage.
func UnmarshalScores(data string) (ProbeResult, error) {
	var probe ProbeResult
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal probe scores: %w", err)
	}
	return probe, nil
}
