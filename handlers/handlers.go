package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"cxr-report-pipeline/aiclient"
	"cxr-report-pipeline/models"
	"cxr-report-pipeline/pipeline"
	"cxr-report-pipeline/store"
	"cxr-report-pipeline/synthesizer"
	"cxr-report-pipeline/validator"
)

const defaultRecentLimit = 10

// Orchestrator is the pipeline surface the HTTP layer drives.
type Orchestrator interface {
	Run(ctx context.Context, raw []byte, declaredMime, filename string) (*models.ReportRecord, error)
	RunFromProbe(ctx context.Context, probe models.ProbeResult, cc models.CaseContext) (*models.ReportRecord, error)
}

// ReportReader is the store surface used for history browsing.
type ReportReader interface {
	Get(ctx context.Context, fingerprint string) (*models.ReportRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ReportRecord, error)
}

// Handlers represents the HTTP handlers
type Handlers struct {
	orchestrator Orchestrator
	reports      ReportReader
}

// NewHandlers creates new HTTP handlers
func NewHandlers(o Orchestrator, r ReportReader) *Handlers {
	return &Handlers{orchestrator: o, reports: r}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "cxr-report-pipeline",
	})
}

// ProcessImage accepts a chest X-ray upload and runs the full pipeline.
func (h *Handlers) ProcessImage(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field in multipart form"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	record, err := h.orchestrator.Run(
		c.Request.Context(),
		data,
		fileHeader.Header.Get("Content-Type"),
		fileHeader.Filename,
	)
	if err != nil {
		h.renderPipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// scoresRequest is the body of the scores-only submission path.
type scoresRequest struct {
	Scores      models.ProbeResult `json:"scores" binding:"required"`
	Filename    string             `json:"filename"`
	Description string             `json:"description"`
}

// GenerateFromScores synthesizes a report directly from probe scores,
// skipping the image stages.
func (h *Handlers) GenerateFromScores(c *gin.Context) {
	var req scoresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	for label, score := range req.Scores {
		if score < 0 || score > 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "score for label " + label + " must be between 0 and 1",
			})
			return
		}
	}

	record, err := h.orchestrator.RunFromProbe(c.Request.Context(), req.Scores, models.CaseContext{
		Filename:    req.Filename,
		Description: req.Description,
	})
	if err != nil {
		h.renderPipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// GetReport returns the stored report for a fingerprint.
func (h *Handlers) GetReport(c *gin.Context) {
	fingerprint := c.Param("fingerprint")

	record, err := h.reports.Get(c.Request.Context(), fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		log.WithError(err).Error("failed to fetch report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch report"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// ListReports returns recent reports, newest first.
func (h *Handlers) ListReports(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := h.reports.ListRecent(c.Request.Context(), limit)
	if err != nil {
		log.WithError(err).Error("failed to list reports")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reports"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": records,
		"count":   len(records),
	})
}

// renderPipelineError maps the pipeline error taxonomy onto HTTP statuses.
// The failing stage is included so callers can decide about a full retry.
func (h *Handlers) renderPipelineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var invalidErr *validator.InvalidImageError
	var authErr *aiclient.AuthError
	var timeoutErr *aiclient.TimeoutError
	var upstreamErr *aiclient.UpstreamError
	var schemaErr *aiclient.SchemaError
	var synthErr *synthesizer.SynthesisError

	switch {
	case errors.As(err, &invalidErr):
		status = http.StatusBadRequest
	case errors.As(err, &authErr), errors.As(err, &schemaErr), errors.As(err, &synthErr):
		status = http.StatusBadGateway
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
	}

	body := gin.H{"error": err.Error()}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		body["stage"] = string(stageErr.Stage)
	}

	log.WithError(err).Error("pipeline run failed")
	c.JSON(status, body)
}
