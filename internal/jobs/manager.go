// Package jobs owns the job lifecycle: admission, execution of the cleaning
// pipeline, quota accounting and result retrieval.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabprep/internal/cache"
	"github.com/kiranshivaraju/tabprep/internal/metrics"
	"github.com/kiranshivaraju/tabprep/internal/pipeline"
	"github.com/kiranshivaraju/tabprep/internal/quality"
	"github.com/kiranshivaraju/tabprep/internal/quota"
	"github.com/kiranshivaraju/tabprep/internal/storage"
	"github.com/kiranshivaraju/tabprep/pkg/models"
	"golang.org/x/sync/errgroup"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrResultNotReady = errors.New("job result not ready")
	ErrInvalidConfig  = errors.New("invalid pipeline config")
	ErrQueueClosed    = errors.New("job queue closed")
)

type ExecutionMode string

const (
	ExecuteInline     ExecutionMode = "inline"
	ExecuteBackground ExecutionMode = "background"
)

// Config tunes how jobs are run.
type Config struct {
	Mode        ExecutionMode
	Workers     int
	QueueSize   int
	PreviewRows int
	StatusTTL   time.Duration
	AnalysisTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:        ExecuteBackground,
		Workers:     4,
		QueueSize:   100,
		PreviewRows: 10,
		StatusTTL:   24 * time.Hour,
		AnalysisTTL: time.Hour,
	}
}

// Deps are the collaborators of a Manager. Cache may be nil.
type Deps struct {
	Repo     Repository
	Usage    UsageRecorder
	Ledger   quota.Ledger
	Files    *storage.Resolver
	Executor *pipeline.Executor
	Analyzer *quality.Analyzer
	Cache    cache.Cache
	Metrics  *metrics.Metrics
}

// CreateJobParams describes a job submission.
type CreateJobParams struct {
	ClientID    uuid.UUID
	DataType    models.DataType
	InputPath   string
	Config      models.PipelineConfig
	AutoExecute bool
}

type task struct {
	job *models.Job
}

// Manager drives jobs through PENDING, PROCESSING and a terminal status.
// All status changes go through Repository.CompareAndSetStatus.
type Manager struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	queue     chan task
	group     *errgroup.Group
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewManager(d Deps, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 10
	}
	if d.Executor == nil {
		d.Executor = pipeline.NewExecutor()
	}
	if d.Analyzer == nil {
		d.Analyzer = quality.NewAnalyzer(quality.DefaultThresholds())
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return &Manager{deps: d, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Mode reports whether jobs run on the caller or on the worker pool.
func (m *Manager) Mode() ExecutionMode {
	return m.cfg.Mode
}

// Start launches the background workers. It is a no-op in inline mode.
func (m *Manager) Start() {
	if m.cfg.Mode != ExecuteBackground {
		return
	}
	m.queue = make(chan task, m.cfg.QueueSize)
	m.group = new(errgroup.Group)
	m.group.SetLimit(m.cfg.Workers)
	for i := 0; i < m.cfg.Workers; i++ {
		m.group.Go(func() error {
			m.work()
			return nil
		})
	}
	slog.Info("job workers started", "workers", m.cfg.Workers, "queue_size", m.cfg.QueueSize)
}

// Shutdown stops accepting background work and waits for queued jobs to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.group == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()
	})
	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateJob admits a job against the tenant's quota and stores it PENDING.
// With AutoExecute the job is run inline or queued according to the mode.
func (m *Manager) CreateJob(ctx context.Context, p CreateJobParams) (*models.Job, error) {
	if p.DataType != models.DataTypeTabular {
		return nil, fmt.Errorf("%w: data type %q has no processor", storage.ErrUnsupportedFormat, p.DataType)
	}
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !storage.Owns(p.ClientID, p.InputPath) {
		return nil, fmt.Errorf("%w: %s", storage.ErrInputNotFound, p.InputPath)
	}
	size, err := m.deps.Files.Size(ctx, p.InputPath)
	if err != nil {
		return nil, err
	}
	if err := quota.Admit(ctx, m.deps.Ledger, p.ClientID, quota.SizeMB(size)); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			m.deps.Metrics.QuotaRejections.Inc()
		}
		return nil, err
	}

	now := m.now()
	job := &models.Job{
		ID:             uuid.New(),
		ClientID:       p.ClientID,
		DataType:       p.DataType,
		Status:         models.JobStatusPending,
		InputPath:      p.InputPath,
		InputSizeBytes: size,
		Config:         p.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job.OutputPath = storage.OutputPath(job.ClientID, job.ID, job.InputPath)
	if err := m.deps.Repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.deps.Metrics.JobsCreated.WithLabelValues(string(job.DataType)).Inc()
	m.mirrorStatus(ctx, job)
	slog.Info("job created", "job_id", job.ID, "client_id", job.ClientID, "input_size_bytes", size)

	if !p.AutoExecute {
		return job, nil
	}
	if m.cfg.Mode == ExecuteBackground {
		return m.Submit(ctx, job.ClientID, job.ID)
	}
	return m.ExecuteJob(ctx, job.ClientID, job.ID)
}

// ExecuteJob claims a PENDING job and runs it to a terminal status before returning.
// A processing failure is recorded on the job and is not returned as an error.
func (m *Manager) ExecuteJob(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error) {
	job, err := m.claim(ctx, clientID, jobID)
	if err != nil {
		return nil, err
	}
	return m.process(ctx, job), nil
}

// Submit queues a PENDING job for a background worker. The returned job is
// still PENDING; the worker claims it when it picks it up, so a job that never
// leaves the queue can be executed or cancelled again.
func (m *Manager) Submit(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error) {
	if m.queue == nil {
		return m.ExecuteJob(ctx, clientID, jobID)
	}
	job, err := m.GetStatus(ctx, clientID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending {
		return nil, &models.InvalidTransitionError{JobID: job.ID, Current: job.Status, Requested: models.JobStatusProcessing}
	}
	if err := m.enqueue(ctx, job); err != nil {
		return nil, err
	}
	slog.Info("job queued", "job_id", job.ID, "client_id", job.ClientID)
	return job, nil
}

// work drains the queue until it is closed.
func (m *Manager) work() {
	ctx := context.Background()
	for t := range m.queue {
		job, err := m.transition(ctx, t.job.ID, models.JobStatusPending, models.JobStatusProcessing, models.StatusUpdate{})
		if err != nil {
			slog.Warn("skipping queued job", "job_id", t.job.ID, "error", err)
			continue
		}
		slog.Info("job started", "job_id", job.ID, "client_id", job.ClientID)
		m.process(ctx, job)
	}
}

func (m *Manager) enqueue(ctx context.Context, job *models.Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.queue <- task{job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelJob moves a PENDING job to CANCELLED.
func (m *Manager) CancelJob(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error) {
	if _, err := m.GetStatus(ctx, clientID, jobID); err != nil {
		return nil, err
	}
	job, err := m.transition(ctx, jobID, models.JobStatusPending, models.JobStatusCancelled, models.StatusUpdate{})
	if err != nil {
		return nil, err
	}
	m.deps.Metrics.JobsFinished.WithLabelValues(string(job.Status)).Inc()
	slog.Info("job cancelled", "job_id", job.ID, "client_id", job.ClientID)
	return job, nil
}

// GetStatus returns the job if it belongs to clientID.
func (m *Manager) GetStatus(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error) {
	job, err := m.deps.Repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.ClientID != clientID {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// GetResult returns a COMPLETED job's quality metrics.
func (m *Manager) GetResult(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error) {
	job, err := m.GetStatus(ctx, clientID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return job, fmt.Errorf("%w: job is %s", ErrResultNotReady, job.Status)
	}
	return job, nil
}

// ListJobs lists a tenant's jobs, newest first.
func (m *Manager) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	jobs, total, err := m.deps.Repo.ListJobs(ctx, filter.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// Usage reports the tenant's quota position.
func (m *Manager) Usage(ctx context.Context, clientID uuid.UUID) (models.QuotaUsage, error) {
	return m.deps.Ledger.Usage(ctx, clientID)
}

// UsageRecords lists the billing records written since the start of the tenant's period.
func (m *Manager) UsageRecords(ctx context.Context, clientID uuid.UUID, since time.Time) ([]*models.UsageRecord, error) {
	if m.deps.Usage == nil {
		return []*models.UsageRecord{}, nil
	}
	return m.deps.Usage.ListUsage(ctx, clientID, since)
}

func (m *Manager) claim(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error) {
	if _, err := m.GetStatus(ctx, clientID, jobID); err != nil {
		return nil, err
	}
	job, err := m.transition(ctx, jobID, models.JobStatusPending, models.JobStatusProcessing, models.StatusUpdate{})
	if err != nil {
		return nil, err
	}
	slog.Info("job started", "job_id", job.ID, "client_id", job.ClientID)
	return job, nil
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, from, to models.JobStatus, u models.StatusUpdate) (*models.Job, error) {
	if u.At.IsZero() {
		u.At = m.now()
	}
	job, err := m.deps.Repo.CompareAndSetStatus(ctx, id, from, to, u)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	m.mirrorStatus(ctx, job)
	return job, nil
}

// process runs a claimed job and records its terminal status. It never panics.
func (m *Manager) process(ctx context.Context, job *models.Job) (out *models.Job) {
	started := m.now()
	m.deps.Metrics.JobsInFlight.Inc()
	defer m.deps.Metrics.JobsInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing job", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			out = m.fail(context.Background(), job, fmt.Errorf("internal error: %v", r))
		}
	}()

	qm, err := m.run(ctx, job)
	if err != nil {
		out = m.fail(context.Background(), job, err)
		m.deps.Metrics.JobDuration.WithLabelValues(string(out.Status)).Observe(m.now().Sub(started).Seconds())
		return out
	}

	done, err := m.transition(context.Background(), job.ID, models.JobStatusProcessing, models.JobStatusCompleted,
		models.StatusUpdate{QualityMetrics: qm})
	if err != nil {
		if errors.Is(err, models.ErrInvalidStateTransition) {
			slog.Error("failed to complete job", "job_id", job.ID, "error", err)
			return m.reload(job)
		}
		out = m.fail(context.Background(), job, fmt.Errorf("record result: %w", err))
		m.deps.Metrics.JobDuration.WithLabelValues(string(out.Status)).Observe(m.now().Sub(started).Seconds())
		return out
	}
	elapsed := m.now().Sub(started)
	m.deps.Metrics.JobsFinished.WithLabelValues(string(done.Status)).Inc()
	m.deps.Metrics.JobDuration.WithLabelValues(string(done.Status)).Observe(elapsed.Seconds())
	m.deps.Metrics.QualityScore.Observe(float64(qm.QualityScore))
	m.charge(done, elapsed)

	slog.Info("job completed", "job_id", done.ID, "client_id", done.ClientID,
		"quality_score", qm.QualityScore, "duration_ms", elapsed.Milliseconds())
	return done
}

// run loads, cleans, scores and stores the dataset of job.
func (m *Manager) run(ctx context.Context, job *models.Job) (*models.QualityMetrics, error) {
	ds, _, err := m.deps.Files.Load(ctx, job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("load input: %w", err)
	}
	before := m.deps.Analyzer.Analyze(ds)

	res, err := m.deps.Executor.Run(ds, job.Config)
	if err != nil {
		return nil, err
	}
	after := m.deps.Analyzer.Analyze(res.Dataset)

	if _, err := m.deps.Files.Save(ctx, job.OutputPath, res.Dataset); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	qm := quality.BuildMetrics(before, after, quality.Outcome{
		Changes:     res.Changes,
		InvalidRows: res.InvalidRows,
		LabelColumn: res.LabelColumn,
	})
	return &qm, nil
}

// charge commits the job's input size to the ledger and writes a usage record.
func (m *Manager) charge(job *models.Job, elapsed time.Duration) {
	ctx := context.Background()
	sizeMB := quota.SizeMB(job.InputSizeBytes)
	if err := m.deps.Ledger.Commit(ctx, job.ClientID, sizeMB); err != nil {
		slog.Error("failed to commit quota", "job_id", job.ID, "client_id", job.ClientID, "size_mb", sizeMB, "error", err)
		return
	}
	m.deps.Metrics.QuotaCommitted.Add(sizeMB)

	if m.deps.Usage == nil {
		return
	}
	rec := &models.UsageRecord{
		ID:                uuid.New(),
		ClientID:          job.ClientID,
		JobID:             job.ID,
		DataType:          job.DataType,
		DataSizeMB:        sizeMB,
		ProcessingSeconds: elapsed.Seconds(),
		CreatedAt:         m.now(),
	}
	if err := m.deps.Usage.RecordUsage(ctx, rec); err != nil {
		slog.Error("failed to record usage", "job_id", job.ID, "error", err)
	}
}

func (m *Manager) fail(ctx context.Context, job *models.Job, cause error) *models.Job {
	msg := cause.Error()
	failed, err := m.transition(ctx, job.ID, models.JobStatusProcessing, models.JobStatusFailed,
		models.StatusUpdate{ErrorMessage: &msg})
	if err != nil {
		slog.Error("failed to mark job failed", "job_id", job.ID, "cause", msg, "error", err)
		return m.reload(job)
	}
	m.deps.Metrics.JobsFinished.WithLabelValues(string(failed.Status)).Inc()
	slog.Warn("job failed", "job_id", job.ID, "client_id", job.ClientID, "error", msg)
	return failed
}

func (m *Manager) reload(job *models.Job) *models.Job {
	j, err := m.deps.Repo.GetJob(context.Background(), job.ID)
	if err != nil {
		return job
	}
	return j
}

func (m *Manager) mirrorStatus(ctx context.Context, job *models.Job) {
	if m.deps.Cache == nil {
		return
	}
	if err := m.deps.Cache.SetJobStatus(ctx, job.ID, job.Status, m.cfg.StatusTTL); err != nil {
		slog.Warn("failed to cache job status", "job_id", job.ID, "error", err)
	}
}

// Analyze scores the dataset at inputPath without creating a job. Results are
// cached per tenant, path and size.
func (m *Manager) Analyze(ctx context.Context, clientID uuid.UUID, inputPath string) (*quality.Report, error) {
	if !storage.Owns(clientID, inputPath) {
		return nil, fmt.Errorf("%w: %s", storage.ErrInputNotFound, inputPath)
	}
	size, err := m.deps.Files.Size(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	key := cache.AnalysisKey(clientID, inputPath, size)
	if m.deps.Cache != nil {
		var cached quality.Report
		found, err := cache.GetJSON(ctx, m.deps.Cache, key, &cached)
		if err != nil {
			slog.Warn("analysis cache read failed", "key", key, "error", err)
		}
		if found {
			return &cached, nil
		}
	}

	ds, _, err := m.deps.Files.Load(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	report := m.deps.Analyzer.Analyze(ds)
	if m.deps.Cache != nil {
		if err := cache.SetJSON(ctx, m.deps.Cache, key, report, m.cfg.AnalysisTTL); err != nil {
			slog.Warn("analysis cache write failed", "key", key, "error", err)
		}
	}
	return &report, nil
}

// Preview is a side-by-side sample of a completed job.
type Preview struct {
	JobID    uuid.UUID        `json:"job_id"`
	Original []map[string]any `json:"original"`
	Cleaned  []map[string]any `json:"cleaned"`
	Before   quality.Report   `json:"before"`
	After    quality.Report   `json:"after"`
	Diff     quality.Diff     `json:"diff"`
}

// Preview loads a completed job's input and output and returns their first rows
// with both analyses. rows <= 0 uses the configured default.
func (m *Manager) Preview(ctx context.Context, clientID, jobID uuid.UUID, rows int) (*Preview, error) {
	job, err := m.GetResult(ctx, clientID, jobID)
	if err != nil {
		return nil, err
	}
	if rows <= 0 {
		rows = m.cfg.PreviewRows
	}
	original, _, err := m.deps.Files.Load(ctx, job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("load input: %w", err)
	}
	cleaned, _, err := m.deps.Files.Load(ctx, job.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("load output: %w", err)
	}
	before := m.deps.Analyzer.Analyze(original)
	after := m.deps.Analyzer.Analyze(cleaned)
	return &Preview{
		JobID:    job.ID,
		Original: original.Head(rows).Records(),
		Cleaned:  cleaned.Head(rows).Records(),
		Before:   before,
		After:    after,
		Diff:     quality.Compare(before, after),
	}, nil
}

// OpenOutput streams a completed job's cleaned file. The caller closes it.
func (m *Manager) OpenOutput(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, io.ReadCloser, error) {
	job, err := m.GetResult(ctx, clientID, jobID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := m.deps.Files.Open(ctx, job.OutputPath)
	if err != nil {
		return nil, nil, err
	}
	return job, rc, nil
}
