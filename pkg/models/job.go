package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the closed set of lifecycle states a Job can be in.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

var (
	// ErrInvalidStateTransition is matched by every *InvalidTransitionError.
	ErrInvalidStateTransition = errors.New("invalid job state transition")

	// ErrNotFound is wrapped by repositories when a record does not exist.
	ErrNotFound = errors.New("resource not found")
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether from -> to is a legal job state change.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return len(jobTransitions[s]) == 0
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ParseJobStatus accepts any casing of a known status.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// InvalidTransitionError names the state a job was found in and the state that was requested.
type InvalidTransitionError struct {
	JobID     uuid.UUID
	Current   JobStatus
	Requested JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition for %s: %s -> %s", e.JobID, e.Current, e.Requested)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// DataType is the kind of payload a job processes. Only tabular has a processor.
type DataType string

const (
	DataTypeTabular DataType = "tabular"
	DataTypeImage   DataType = "image"
	DataTypeText    DataType = "text"
)

func ParseDataType(v string) (DataType, error) {
	d := DataType(strings.ToLower(strings.TrimSpace(v)))
	switch d {
	case DataTypeTabular, DataTypeImage, DataTypeText:
		return d, nil
	}
	return "", fmt.Errorf("unknown data type %q", v)
}

// Job is one unit of work transforming one input dataset under one fixed configuration.
// Jobs are created PENDING and only change through status compare-and-set.
type Job struct {
	ID             uuid.UUID       `db:"id"               json:"job_id"`
	ClientID       uuid.UUID       `db:"client_id"        json:"client_id"`
	DataType       DataType        `db:"data_type"        json:"data_type"`
	Status         JobStatus       `db:"status"           json:"status"`
	InputPath      string          `db:"input_path"       json:"input_path"`
	OutputPath     string          `db:"output_path"      json:"output_path"`
	InputSizeBytes int64           `db:"input_size_bytes" json:"input_size_bytes"`
	Config         PipelineConfig  `db:"config"           json:"config"`
	ErrorMessage   *string         `db:"error_message"    json:"error_message,omitempty"`
	QualityMetrics *QualityMetrics `db:"quality_metrics"  json:"quality_metrics,omitempty"`
	StartedAt      *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"       json:"updated_at"`
}

// StatusUpdate carries the fields written together with a status change.
type StatusUpdate struct {
	At             time.Time
	ErrorMessage   *string
	QualityMetrics *QualityMetrics
}

// Apply writes the transition to job. Callers must have checked CanTransition.
func (u StatusUpdate) Apply(job *Job, to JobStatus) {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	job.Status = to
	job.UpdatedAt = at
	switch to {
	case JobStatusProcessing:
		job.StartedAt = &at
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		job.CompletedAt = &at
	}
	if u.ErrorMessage != nil && to == JobStatusFailed {
		msg := *u.ErrorMessage
		job.ErrorMessage = &msg
	}
	if u.QualityMetrics != nil && to == JobStatusCompleted {
		job.QualityMetrics = u.QualityMetrics
	}
}

// JobFilter scopes job listings to one tenant.
type JobFilter struct {
	ClientID uuid.UUID
	Status   JobStatus
	Page     int
	Limit    int
}

// Normalize applies the default and maximum page size.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}

func (f JobFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}
