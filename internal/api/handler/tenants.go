package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/api/response"
	"github.com/kiranshivaraju/tabprep/internal/quota"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// ScopeTenants allows managing every tenant of the deployment.
const ScopeTenants = "tenants"

// TenantAdmin is the part of the store that manages tenants.
type TenantAdmin interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan string, monthlyQuotaMB float64) error
	SetTenantActive(ctx context.Context, id uuid.UUID, active bool) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error)
	Usage(ctx context.Context, clientID uuid.UUID) (models.QuotaUsage, error)
}

// TenantHandlers serves /api/v1/admin/tenants.
type TenantHandlers struct {
	store TenantAdmin
	now   func() time.Time
}

func NewTenantHandlers(store TenantAdmin) *TenantHandlers {
	return &TenantHandlers{store: store, now: func() time.Time { return time.Now().UTC() }}
}

type tenantDetail struct {
	*models.Tenant
	Usage         models.QuotaUsage `json:"usage"`
	TotalJobs     int               `json:"total_jobs"`
	CompletedJobs int               `json:"completed_jobs"`
}

type createdTenant struct {
	Tenant *models.Tenant `json:"tenant"`
	Key    string         `json:"key"`
	APIKey *models.APIKey `json:"api_key"`
}

// Create handles POST /api/v1/admin/tenants. The tenant gets a first API key
// with the jobs and admin scopes; the raw key appears only in this response.
func (h *TenantHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		Email          string   `json:"email"`
		Plan           string   `json:"plan"`
		MonthlyQuotaMB *float64 `json:"monthly_quota_mb"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			badRequest(w, "email is not a valid address")
			return
		}
	}
	if req.Plan == "" {
		req.Plan = models.PlanFree
	}
	limit, ok := models.PlanQuotaMB(req.Plan)
	if !ok {
		badRequest(w, fmt.Sprintf("unknown plan %q", req.Plan))
		return
	}
	if req.MonthlyQuotaMB != nil {
		if *req.MonthlyQuotaMB < 0 {
			badRequest(w, "monthly_quota_mb must not be negative")
			return
		}
		limit = *req.MonthlyQuotaMB
	}

	now := h.now()
	tenant := &models.Tenant{
		ID:             uuid.New(),
		Name:           req.Name,
		Email:          req.Email,
		Plan:           req.Plan,
		MonthlyQuotaMB: limit,
		PeriodStart:    quota.MonthStart(now),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateTenant(r.Context(), tenant); err != nil {
		writeError(w, r, err)
		return
	}

	raw, err := GenerateAPIKey()
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := NewAPIKey(tenant.ID, "initial", raw, []string{ScopeJobs, ScopeAdmin})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, createdTenant{Tenant: tenant, Key: raw, APIKey: key})
}

// List handles GET /api/v1/admin/tenants.
func (h *TenantHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []*models.Tenant{}
	}
	response.JSON(w, tenants)
}

// Get handles GET /api/v1/admin/tenants/{tenantID} with quota position and job counts.
func (h *TenantHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	tenant, err := h.store.GetTenant(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	usage, err := h.store.Usage(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, total, err := h.store.ListJobs(r.Context(), models.JobFilter{ClientID: id, Limit: 1})
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, completed, err := h.store.ListJobs(r.Context(), models.JobFilter{ClientID: id, Status: models.JobStatusCompleted, Limit: 1})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, tenantDetail{Tenant: tenant, Usage: usage, TotalJobs: total, CompletedJobs: completed})
}

// Update handles PATCH /api/v1/admin/tenants/{tenantID}. A plan change without
// an explicit monthly_quota_mb resets the cap to the plan's default.
func (h *TenantHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Plan           *string  `json:"plan"`
		MonthlyQuotaMB *float64 `json:"monthly_quota_mb"`
		IsActive       *bool    `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.IsActive != nil && !*req.IsActive && h.isCaller(r, id) {
		badRequest(w, "a tenant cannot deactivate itself")
		return
	}

	tenant, err := h.store.GetTenant(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	plan, limit := tenant.Plan, tenant.MonthlyQuotaMB
	if req.Plan != nil && *req.Plan != tenant.Plan {
		def, ok := models.PlanQuotaMB(*req.Plan)
		if !ok {
			badRequest(w, fmt.Sprintf("unknown plan %q", *req.Plan))
			return
		}
		plan, limit = *req.Plan, def
	}
	if req.MonthlyQuotaMB != nil {
		if *req.MonthlyQuotaMB < 0 {
			badRequest(w, "monthly_quota_mb must not be negative")
			return
		}
		limit = *req.MonthlyQuotaMB
	}

	if plan != tenant.Plan || limit != tenant.MonthlyQuotaMB {
		if err := h.store.UpdateTenantPlan(r.Context(), id, plan, limit); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.IsActive != nil && *req.IsActive != tenant.IsActive {
		if err := h.store.SetTenantActive(r.Context(), id, *req.IsActive); err != nil {
			writeError(w, r, err)
			return
		}
	}

	updated, err := h.store.GetTenant(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, updated)
}

// Deactivate handles DELETE /api/v1/admin/tenants/{tenantID}. Jobs and usage
// are kept; the tenant's keys stop authenticating.
func (h *TenantHandlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if h.isCaller(r, id) {
		badRequest(w, "a tenant cannot deactivate itself")
		return
	}
	if err := h.store.SetTenantActive(r.Context(), id, false); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *TenantHandlers) isCaller(r *http.Request, id uuid.UUID) bool {
	caller, ok := mw.GetTenantID(r)
	return ok && caller == id
}

func tenantParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Tenant not found", nil)
		return uuid.Nil, false
	}
	return id, true
}
