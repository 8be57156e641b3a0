package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tabprep/internal/quota"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

const tenantColumns = `id, name, email, plan, monthly_quota_mb, used_quota_mb, period_start, is_active, created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Email, &t.Plan, &t.MonthlyQuotaMB, &t.UsedQuotaMB,
		&t.PeriodStart, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (`+tenantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.Email, t.Plan, t.MonthlyQuotaMB, t.UsedQuotaMB, t.PeriodStart, t.IsActive,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE name = 'default' LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return t, nil
}

// UpdateTenantPlan changes a tenant's plan and cap. Usage in the current period is kept.
func (s *PostgresStore) UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan string, monthlyQuotaMB float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET plan = $2, monthly_quota_mb = $3, updated_at = NOW() WHERE id = $1`,
		id, plan, monthlyQuotaMB)
	if err != nil {
		return fmt.Errorf("update tenant plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTenants returns every tenant, oldest first.
func (s *PostgresStore) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []*models.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetTenantActive enables or disables a tenant. Keys of an inactive tenant stop authenticating.
func (s *PostgresStore) SetTenantActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set tenant active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Keys ---

const apiKeyColumns = `id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) queryAPIKeys(ctx context.Context, op, query string, args ...any) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "get api key by prefix",
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "list api keys",
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, client_id, data_type, status, input_path, output_path, input_size_bytes, config,
	error_message, quality_metrics, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j          models.Job
		configJSON []byte
		metrics    []byte
	)
	err := row.Scan(&j.ID, &j.ClientID, &j.DataType, &j.Status, &j.InputPath, &j.OutputPath,
		&j.InputSizeBytes, &configJSON, &j.ErrorMessage, &metrics, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &j.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	if len(metrics) > 0 {
		var qm models.QualityMetrics
		if err := json.Unmarshal(metrics, &qm); err != nil {
			return nil, fmt.Errorf("decode quality metrics: %w", err)
		}
		j.QualityMetrics = &qm
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, client_id, data_type, status, input_path, output_path, input_size_bytes, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.ClientID, job.DataType, job.Status, job.InputPath, job.OutputPath,
		job.InputSizeBytes, configJSON, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()
	conditions := []string{"client_id = $1"}
	args := []any{filter.ClientID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// CompareAndSetStatus moves a job from one status to another in a single
// conditional UPDATE. A concurrent writer that changed the status first makes
// this call fail with *models.InvalidTransitionError.
func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, u models.StatusUpdate) (*models.Job, error) {
	if !models.CanTransition(from, to) {
		return nil, &models.InvalidTransitionError{JobID: id, Current: from, Requested: to}
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, from, to, at}
	argIdx := 5

	switch to {
	case models.JobStatusProcessing:
		query += ", started_at = $4"
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		query += ", completed_at = $4"
	}
	if u.ErrorMessage != nil && to == models.JobStatusFailed {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *u.ErrorMessage)
		argIdx++
	}
	if u.QualityMetrics != nil && to == models.JobStatusCompleted {
		metrics, err := json.Marshal(u.QualityMetrics)
		if err != nil {
			return nil, fmt.Errorf("encode quality metrics: %w", err)
		}
		query += fmt.Sprintf(", quality_metrics = $%d", argIdx)
		args = append(args, metrics)
		argIdx++
	}
	query += " WHERE id = $1 AND status = $2 RETURNING " + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update job status: %w", err)
	}

	var current models.JobStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return nil, &models.InvalidTransitionError{JobID: id, Current: current, Requested: to}
}

// --- Usage ---

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, client_id, job_id, data_type, data_size_mb, processing_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ClientID, rec.JobID, rec.DataType, rec.DataSizeMB, rec.ProcessingSeconds, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, clientID uuid.UUID, since time.Time) ([]*models.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, job_id, data_type, data_size_mb, processing_seconds, created_at
		 FROM usage_records WHERE client_id = $1 AND created_at >= $2 ORDER BY created_at`, clientID, since)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	recs := []*models.UsageRecord{}
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.ClientID, &r.JobID, &r.DataType, &r.DataSizeMB,
			&r.ProcessingSeconds, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// --- Quota ledger ---

func (s *PostgresStore) CanAdmit(ctx context.Context, clientID uuid.UUID, sizeMB float64) (bool, error) {
	if err := quota.ValidateSize(sizeMB); err != nil {
		return false, err
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT used_quota_mb + $2 <= monthly_quota_mb FROM tenants WHERE id = $1`, clientID, sizeMB,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", quota.ErrUnknownClient, clientID)
	}
	if err != nil {
		return false, fmt.Errorf("check quota: %w", err)
	}
	return ok, nil
}

// Commit adds sizeMB to the tenant's usage in one UPDATE, so concurrent
// commits for the same tenant are serialized by the row lock.
func (s *PostgresStore) Commit(ctx context.Context, clientID uuid.UUID, sizeMB float64) error {
	if err := quota.ValidateSize(sizeMB); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET used_quota_mb = used_quota_mb + $2, updated_at = NOW() WHERE id = $1`,
		clientID, sizeMB)
	if err != nil {
		return fmt.Errorf("commit quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", quota.ErrUnknownClient, clientID)
	}
	return nil
}

func (s *PostgresStore) Usage(ctx context.Context, clientID uuid.UUID) (models.QuotaUsage, error) {
	var (
		monthly, used float64
		periodStart   time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT monthly_quota_mb, used_quota_mb, period_start FROM tenants WHERE id = $1`, clientID,
	).Scan(&monthly, &used, &periodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaUsage{}, fmt.Errorf("%w: %s", quota.ErrUnknownClient, clientID)
	}
	if err != nil {
		return models.QuotaUsage{}, fmt.Errorf("get quota usage: %w", err)
	}
	return models.NewQuotaUsage(clientID, monthly, used, periodStart.UTC()), nil
}

func (s *PostgresStore) Reset(ctx context.Context, clientID uuid.UUID, periodStart time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET used_quota_mb = 0, period_start = $2, updated_at = NOW() WHERE id = $1`,
		clientID, periodStart.UTC())
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", quota.ErrUnknownClient, clientID)
	}
	return nil
}

// ResetExpired zeroes the usage of every tenant whose period began before the month of now.
func (s *PostgresStore) ResetExpired(ctx context.Context, now time.Time) (int, error) {
	start := quota.MonthStart(now)
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET used_quota_mb = 0, period_start = $1, updated_at = NOW() WHERE period_start < $1`, start)
	if err != nil {
		return 0, fmt.Errorf("reset expired quotas: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
