package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/api/response"
	"github.com/kiranshivaraju/tabprep/internal/dataset"
	"github.com/kiranshivaraju/tabprep/internal/jobs"
	"github.com/kiranshivaraju/tabprep/internal/quality"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Mode() jobs.ExecutionMode
	CreateJob(ctx context.Context, p jobs.CreateJobParams) (*models.Job, error)
	ExecuteJob(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error)
	Submit(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error)
	CancelJob(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error)
	GetStatus(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error)
	GetResult(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error)
	Usage(ctx context.Context, clientID uuid.UUID) (models.QuotaUsage, error)
	UsageRecords(ctx context.Context, clientID uuid.UUID, since time.Time) ([]*models.UsageRecord, error)
	Analyze(ctx context.Context, clientID uuid.UUID, inputPath string) (*quality.Report, error)
	Preview(ctx context.Context, clientID, jobID uuid.UUID, rows int) (*jobs.Preview, error)
	OpenOutput(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, io.ReadCloser, error)
}

// JobHandlers serves the /api/v1/jobs, /analyze and /usage routes.
type JobHandlers struct {
	svc JobService
}

func NewJobHandlers(svc JobService) *JobHandlers {
	return &JobHandlers{svc: svc}
}

type createJobRequest struct {
	DataType    string          `json:"data_type"`
	InputPath   string          `json:"input_path"`
	Config      json.RawMessage `json:"config"`
	AutoExecute bool            `json:"auto_execute"`
}

type jobResult struct {
	JobID          uuid.UUID              `json:"job_id"`
	Status         models.JobStatus       `json:"status"`
	OutputPath     string                 `json:"output_path"`
	QualityMetrics *models.QualityMetrics `json:"quality_metrics"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

type usageResponse struct {
	Quota   models.QuotaUsage     `json:"quota"`
	Records []*models.UsageRecord `json:"records"`
}

// tenantAndJob extracts the authenticated tenant and the {jobID} URL param.
// It writes the error response and returns ok=false on failure.
func tenantAndJob(w http.ResponseWriter, r *http.Request) (tenantID, jobID uuid.UUID, ok bool) {
	tenantID, ok = mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, jobID, true
}

// Create handles POST /api/v1/jobs.
func (h *JobHandlers) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.InputPath == "" {
		badRequest(w, "input_path is required")
		return
	}
	dataType := models.DataTypeTabular
	if req.DataType != "" {
		dt, err := models.ParseDataType(req.DataType)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		dataType = dt
	}
	cfg, err := models.DecodePipelineConfig(req.Config)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	job, err := h.svc.CreateJob(r.Context(), jobs.CreateJobParams{
		ClientID:    tenantID,
		DataType:    dataType,
		InputPath:   req.InputPath,
		Config:      cfg,
		AutoExecute: req.AutoExecute,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.AutoExecute && h.svc.Mode() == jobs.ExecuteBackground {
		response.Accepted(w, job)
		return
	}
	response.Created(w, job)
}

// List handles GET /api/v1/jobs?status=&page=&limit=.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	q := r.URL.Query()
	filter := models.JobFilter{ClientID: tenantID}
	if s := q.Get("status"); s != "" {
		status, err := models.ParseJobStatus(s)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Page, err = intParam(q.Get("page"), 1); err != nil {
		badRequest(w, "page must be a positive integer")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), 20); err != nil {
		badRequest(w, "limit must be a positive integer")
		return
	}
	filter = filter.Normalize()

	list, total, err := h.svc.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	response.Collection(w, list, response.Page(filter.Page, filter.Limit, total, len(list)))
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := tenantAndJob(w, r)
	if !ok {
		return
	}
	job, err := h.svc.GetStatus(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Execute handles POST /api/v1/jobs/{jobID}/execute. In background mode the
// job is queued and the response is 202.
func (h *JobHandlers) Execute(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := tenantAndJob(w, r)
	if !ok {
		return
	}
	if h.svc.Mode() == jobs.ExecuteBackground {
		job, err := h.svc.Submit(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
		return
	}
	job, err := h.svc.ExecuteJob(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := tenantAndJob(w, r)
	if !ok {
		return
	}
	job, err := h.svc.CancelJob(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Result handles GET /api/v1/jobs/{jobID}/result.
func (h *JobHandlers) Result(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := tenantAndJob(w, r)
	if !ok {
		return
	}
	job, err := h.svc.GetResult(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, jobResult{
		JobID:          job.ID,
		Status:         job.Status,
		OutputPath:     job.OutputPath,
		QualityMetrics: job.QualityMetrics,
		CompletedAt:    job.CompletedAt,
	})
}

type jobReport struct {
	JobID uuid.UUID `json:"job_id"`
	*models.QualityMetrics
	Improvement int        `json:"improvement"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Report handles GET /api/v1/jobs/{jobID}/report?format=json. Only the JSON
// rendering is served.
func (h *JobHandlers) Report(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := tenantAndJob(w, r)
	if !ok {
		return
	}
	if f := r.URL.Query().Get("format"); f != "" && f != "json" {
		badRequest(w, fmt.Sprintf("unsupported report format %q", f))
		return
	}
	job, err := h.svc.GetResult(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job.QualityMetrics == nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No quality metrics recorded for job", nil)
		return
	}
	rep := jobReport{JobID: job.ID, QualityMetrics: job.QualityMetrics, CompletedAt: job.CompletedAt}
	if job.QualityMetrics.Report != nil {
		rep.Improvement = job.QualityMetrics.QualityScore - job.QualityMetrics.Report.OriginalScore
	}
	response.JSON(w, rep)
}

// Preview handles GET /api/v1/jobs/{jobID}/preview?rows=.
func (h *JobHandlers) Preview(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := tenantAndJob(w, r)
	if !ok {
		return
	}
	rows, err := intParam(r.URL.Query().Get("rows"), 0)
	if err != nil || rows > 1000 {
		badRequest(w, "rows must be an integer between 1 and 1000")
		return
	}
	p, err := h.svc.Preview(r.Context(), tenantID, jobID, rows)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, p)
}

// Download handles GET /api/v1/jobs/{jobID}/download and streams the cleaned file.
func (h *JobHandlers) Download(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := tenantAndJob(w, r)
	if !ok {
		return
	}
	job, rc, err := h.svc.OpenOutput(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := "application/octet-stream"
	if f, err := dataset.FormatFromPath(job.OutputPath); err == nil {
		contentType = f.ContentType()
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(job.OutputPath)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("download interrupted", "job_id", job.ID, "error", err)
	}
}

// Analyze handles POST /api/v1/analyze.
func (h *JobHandlers) Analyze(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}
	var req struct {
		InputPath string `json:"input_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.InputPath == "" {
		badRequest(w, "input_path is required")
		return
	}
	report, err := h.svc.Analyze(r.Context(), tenantID, req.InputPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, report)
}

// Usage handles GET /api/v1/usage: the ledger entry plus this period's records.
func (h *JobHandlers) Usage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}
	u, err := h.svc.Usage(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := h.svc.UsageRecords(r.Context(), tenantID, u.PeriodStart)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	response.JSON(w, usageResponse{Quota: u, Records: records})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
