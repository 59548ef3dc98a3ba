package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cxr-report-pipeline/aiclient"
	"cxr-report-pipeline/models"
	"cxr-report-pipeline/pipeline"
	"cxr-report-pipeline/store"
	"cxr-report-pipeline/validator"
)

type fakeOrchestrator struct {
	record *models.ReportRecord
	err    error

	lastMime     string
	lastFilename string
	lastProbe    models.ProbeResult
}

func (f *fakeOrchestrator) Run(ctx context.Context, raw []byte, declaredMime, filename string) (*models.ReportRecord, error) {
	f.lastMime = declaredMime
	f.lastFilename = filename
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeOrchestrator) RunFromProbe(ctx context.Context, probe models.ProbeResult, cc models.CaseContext) (*models.ReportRecord, error) {
	f.lastProbe = probe
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

type fakeReader struct {
	record  *models.ReportRecord
	records []*models.ReportRecord
	err     error

	lastLimit int
}

func (f *fakeReader) Get(ctx context.Context, fingerprint string) (*models.ReportRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeReader) ListRecent(ctx context.Context, limit int) ([]*models.ReportRecord, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func newTestRouter(o Orchestrator, r ReportReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandlers(o, r)

	router := gin.New()
	api := router.Group("/api/v3")
	{
		api.GET("/health", h.HealthCheck)
		api.POST("/reports", h.ProcessImage)
		api.POST("/reports/scores", h.GenerateFromScores)
		api.GET("/reports", h.ListReports)
		api.GET("/reports/:fingerprint", h.GetReport)
	}
	return router
}

func multipartUpload(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func finalizedRecord() *models.ReportRecord {
	return &models.ReportRecord{
		Fingerprint: models.Fingerprint([]byte("image")),
		Filename:    "chest.jpg",
		ProbeResult: models.ProbeResult{"effusion": 0.8},
		Sections: models.ReportSections{
			Findings:   "Pleural effusion is noted.",
			Impression: "Effusion.",
		},
		Status: models.StatusFinalized,
	}
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(&fakeOrchestrator{}, &fakeReader{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v3/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestProcessImageSuccess(t *testing.T) {
	orch := &fakeOrchestrator{record: finalizedRecord()}
	router := newTestRouter(orch, &fakeReader{})

	body, contentType := multipartUpload(t, "file", "chest.jpg", []byte("jpeg-bytes"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v3/reports", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "chest.jpg", orch.lastFilename)

	var got models.ReportRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.StatusFinalized, got.Status)
	assert.Equal(t, "Pleural effusion is noted.", got.Sections.Findings)
}

func TestProcessImageMissingFile(t *testing.T) {
	router := newTestRouter(&fakeOrchestrator{}, &fakeReader{})

	body, contentType := multipartUpload(t, "wrong_field", "chest.jpg", []byte("jpeg-bytes"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v3/reports", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessImagePipelineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantStage  string
	}{
		{
			name: "invalid image is the caller's fault",
			err: &pipeline.StageError{
				Stage: pipeline.StageValidating,
				Err:   &validator.InvalidImageError{Reason: "unsupported MIME type"},
			},
			wantStatus: http.StatusBadRequest,
			wantStage:  "validating",
		},
		{
			name: "upstream auth failure is a gateway problem",
			err: &pipeline.StageError{
				Stage: pipeline.StageExtracting,
				Err:   &aiclient.AuthError{Status: http.StatusUnauthorized},
			},
			wantStatus: http.StatusBadGateway,
			wantStage:  "extracting_features",
		},
		{
			name: "upstream timeout maps to gateway timeout",
			err: &pipeline.StageError{
				Stage: pipeline.StageClassifying,
				Err:   &aiclient.TimeoutError{Op: "linear_probe", Err: context.DeadlineExceeded},
			},
			wantStatus: http.StatusGatewayTimeout,
			wantStage:  "classifying",
		},
		{
			name: "schema violation maps to bad gateway",
			err: &pipeline.StageError{
				Stage: pipeline.StageClassifying,
				Err:   &aiclient.SchemaError{Op: "linear_probe", Reason: "missing label"},
			},
			wantStatus: http.StatusBadGateway,
			wantStage:  "classifying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeOrchestrator{err: tt.err}, &fakeReader{})

			body, contentType := multipartUpload(t, "file", "chest.jpg", []byte("jpeg-bytes"))
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v3/reports", body)
			req.Header.Set("Content-Type", contentType)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStage, resp["stage"])
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestGenerateFromScoresSuccess(t *testing.T) {
	orch := &fakeOrchestrator{record: finalizedRecord()}
	router := newTestRouter(orch, &fakeReader{})

	payload := `{"scores": {"effusion": 0.8, "pneumothorax": 0.1}, "filename": "scores.csv"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v3/reports/scores", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.8, orch.lastProbe["effusion"], 1e-9)
}

func TestGenerateFromScoresRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing scores field", `{"filename": "scores.csv"}`},
		{"score above one", `{"scores": {"effusion": 1.5}}`},
		{"negative score", `{"scores": {"effusion": -0.1}}`},
		{"malformed json", `{"scores": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeOrchestrator{record: finalizedRecord()}, &fakeReader{})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v3/reports/scores", strings.NewReader(tt.payload))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetReportFound(t *testing.T) {
	rec := finalizedRecord()
	router := newTestRouter(&fakeOrchestrator{}, &fakeReader{record: rec})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v3/reports/"+rec.Fingerprint, nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var got models.ReportRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
}

func TestGetReportNotFound(t *testing.T) {
	router := newTestRouter(&fakeOrchestrator{}, &fakeReader{err: store.ErrNotFound})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v3/reports/deadbeef", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListReports(t *testing.T) {
	reader := &fakeReader{records: []*models.ReportRecord{finalizedRecord(), finalizedRecord()}}
	router := newTestRouter(&fakeOrchestrator{}, reader)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v3/reports?limit=2", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, reader.lastLimit)

	var resp struct {
		Reports []models.ReportRecord `json:"reports"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestListReportsRejectsBadLimit(t *testing.T) {
	for _, limit := range []string{"0", "-3", "abc"} {
		t.Run("limit "+limit, func(t *testing.T) {
			router := newTestRouter(&fakeOrchestrator{}, &fakeReader{})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v3/reports?limit="+limit, nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}
