package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

var ErrNotFound = models.ErrNotFound
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
// It also serves as the job repository and the quota ledger of a deployment.
type Store interface {
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan string, monthlyQuotaMB float64) error
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	SetTenantActive(ctx context.Context, id uuid.UUID, active bool) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, update models.StatusUpdate) (*models.Job, error)

	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsage(ctx context.Context, clientID uuid.UUID, since time.Time) ([]*models.UsageRecord, error)

	CanAdmit(ctx context.Context, clientID uuid.UUID, sizeMB float64) (bool, error)
	Commit(ctx context.Context, clientID uuid.UUID, sizeMB float64) error
	Usage(ctx context.Context, clientID uuid.UUID) (models.QuotaUsage, error)
	Reset(ctx context.Context, clientID uuid.UUID, periodStart time.Time) error
	ResetExpired(ctx context.Context, now time.Time) (int, error)
}
