package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanFree    = "free"
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// PlanQuotaMB is the monthly cap a plan starts with.
func PlanQuotaMB(plan string) (float64, bool) {
	switch plan {
	case PlanFree:
		return 1000, true
	case PlanBasic:
		return 10000, true
	case PlanPremium:
		return 100000, true
	}
	return 0, false
}

// Tenant is a client organization. Every job, key and usage record belongs to one.
type Tenant struct {
	ID             uuid.UUID `db:"id"               json:"id"`
	Name           string    `db:"name"             json:"name"`
	Email          string    `db:"email"            json:"email"`
	Plan           string    `db:"plan"             json:"plan"`
	MonthlyQuotaMB float64   `db:"monthly_quota_mb" json:"monthly_quota_mb"`
	UsedQuotaMB    float64   `db:"used_quota_mb"    json:"used_quota_mb"`
	PeriodStart    time.Time `db:"period_start"     json:"period_start"`
	IsActive       bool      `db:"is_active"        json:"is_active"`
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"       json:"updated_at"`
}

// QuotaUsage is a point-in-time view of a tenant's ledger entry.
type QuotaUsage struct {
	ClientID       uuid.UUID `json:"client_id"`
	MonthlyQuotaMB float64   `json:"monthly_quota_mb"`
	UsedQuotaMB    float64   `json:"used_quota_mb"`
	RemainingMB    float64   `json:"remaining_mb"`
	PeriodStart    time.Time `json:"period_start"`
}

// NewQuotaUsage fills RemainingMB, never below zero.
func NewQuotaUsage(clientID uuid.UUID, monthly, used float64, periodStart time.Time) QuotaUsage {
	remaining := monthly - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaUsage{
		ClientID:       clientID,
		MonthlyQuotaMB: monthly,
		UsedQuotaMB:    used,
		RemainingMB:    remaining,
		PeriodStart:    periodStart,
	}
}

// UsageRecord is the billing trail written for every completed job.
type UsageRecord struct {
	ID                uuid.UUID `db:"id"                 json:"id"`
	ClientID          uuid.UUID `db:"client_id"          json:"client_id"`
	JobID             uuid.UUID `db:"job_id"             json:"job_id"`
	DataType          DataType  `db:"data_type"          json:"data_type"`
	DataSizeMB        float64   `db:"data_size_mb"       json:"data_size_mb"`
	ProcessingSeconds float64   `db:"processing_seconds" json:"processing_seconds"`
	CreatedAt         time.Time `db:"created_at"         json:"created_at"`
}
