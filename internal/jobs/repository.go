package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// Repository persists jobs. CompareAndSetStatus is the only way a stored job
// changes after creation; it must apply the update only when the stored status
// equals from, and report a mismatch as *models.InvalidTransitionError carrying
// the status actually found. Missing jobs wrap models.ErrNotFound.
type Repository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, update models.StatusUpdate) (*models.Job, error)
}

// UsageRecorder keeps the billing trail of completed jobs.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsage(ctx context.Context, clientID uuid.UUID, since time.Time) ([]*models.UsageRecord, error)
}

type jobEntry struct {
	mu  sync.Mutex
	job models.Job
}

// MemoryRepository is an in-process Repository and UsageRecorder. Each job has
// its own lock so status changes on different jobs never contend.
type MemoryRepository struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]*jobEntry
	usage []*models.UsageRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[uuid.UUID]*jobEntry)}
}

func (r *MemoryRepository) CreateJob(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	r.jobs[job.ID] = &jobEntry{job: cloneJob(job)}
	return nil
}

func (r *MemoryRepository) entry(id uuid.UUID) (*jobEntry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	j := cloneJob(&e.job)
	return &j, nil
}

func (r *MemoryRepository) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()

	r.mu.RLock()
	var matched []*models.Job
	for _, e := range r.jobs {
		e.mu.Lock()
		if e.job.ClientID == filter.ClientID && (filter.Status == "" || e.job.Status == filter.Status) {
			j := cloneJob(&e.job)
			matched = append(matched, &j)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID.String() > matched[b].ID.String()
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return []*models.Job{}, total, nil
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryRepository) CompareAndSetStatus(_ context.Context, id uuid.UUID, from, to models.JobStatus, update models.StatusUpdate) (*models.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status != from || !models.CanTransition(from, to) {
		return nil, &models.InvalidTransitionError{JobID: id, Current: e.job.Status, Requested: to}
	}
	update.QualityMetrics = update.QualityMetrics.Clone()
	update.Apply(&e.job, to)
	j := cloneJob(&e.job)
	return &j, nil
}

func (r *MemoryRepository) RecordUsage(_ context.Context, rec *models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rec
	r.usage = append(r.usage, &c)
	return nil
}

func (r *MemoryRepository) ListUsage(_ context.Context, clientID uuid.UUID, since time.Time) ([]*models.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*models.UsageRecord{}
	for _, rec := range r.usage {
		if rec.ClientID == clientID && !rec.CreatedAt.Before(since) {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

// cloneJob copies the pointer fields so callers never share state with the repository.
func cloneJob(j *models.Job) models.Job {
	c := *j
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.QualityMetrics = j.QualityMetrics.Clone()
	return c
}
