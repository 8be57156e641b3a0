package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabprep/internal/api"
	"github.com/kiranshivaraju/tabprep/internal/api/handler"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/jobs"
	"github.com/kiranshivaraju/tabprep/internal/metrics"
	"github.com/kiranshivaraju/tabprep/internal/quota"
	"github.com/kiranshivaraju/tabprep/internal/ratelimit"
	"github.com/kiranshivaraju/tabprep/internal/storage"
	"github.com/kiranshivaraju/tabprep/internal/store"
	"github.com/kiranshivaraju/tabprep/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub key store ---

type stubStore struct {
	keys    []*models.APIKey
	tenants map[uuid.UUID]*models.Tenant
}

func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *stubStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }

func (s *stubStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	if t, ok := s.tenants[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.keys = append(s.keys, key)
	return nil
}

func (s *stubStore) ListAPIKeys(context.Context, uuid.UUID) ([]*models.APIKey, error) {
	return s.keys, nil
}

func (s *stubStore) RevokeAPIKey(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (s *stubStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.tenants[t.ID] = t
	return nil
}

func (s *stubStore) ListTenants(context.Context) ([]*models.Tenant, error) {
	out := []*models.Tenant{}
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (s *stubStore) UpdateTenantPlan(_ context.Context, id uuid.UUID, plan string, monthlyQuotaMB float64) error {
	t, ok := s.tenants[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Plan, t.MonthlyQuotaMB = plan, monthlyQuotaMB
	return nil
}

func (s *stubStore) SetTenantActive(_ context.Context, id uuid.UUID, active bool) error {
	t, ok := s.tenants[id]
	if !ok {
		return store.ErrNotFound
	}
	t.IsActive = active
	return nil
}

func (s *stubStore) ListJobs(context.Context, models.JobFilter) ([]*models.Job, int, error) {
	return []*models.Job{}, 0, nil
}

func (s *stubStore) Usage(_ context.Context, id uuid.UUID) (models.QuotaUsage, error) {
	t, ok := s.tenants[id]
	if !ok {
		return models.QuotaUsage{}, store.ErrNotFound
	}
	return models.NewQuotaUsage(id, t.MonthlyQuotaMB, t.UsedQuotaMB, t.PeriodStart), nil
}

// --- router setup ---

type fixture struct {
	router http.Handler
	tenant *models.Tenant
	rawKey string
}

func newFixture(t *testing.T, plan string, limits ratelimit.Limits, scopes ...string) *fixture {
	t.Helper()
	tenant := &models.Tenant{ID: uuid.New(), Name: "acme", Plan: plan, IsActive: true}
	ks := &stubStore{tenants: map[uuid.UUID]*models.Tenant{tenant.ID: tenant}}

	raw, err := handler.GenerateAPIKey()
	require.NoError(t, err)
	key, err := handler.NewAPIKey(tenant.ID, "test", raw, scopes)
	require.NoError(t, err)
	require.NoError(t, ks.CreateAPIKey(context.Background(), key))

	local, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	files := storage.NewResolver(local)
	ledger := quota.NewMemoryLedger()
	ledger.SetQuota(tenant.ID, 1000, quota.MonthStart(time.Now()))
	repo := jobs.NewMemoryRepository()
	m := metrics.New()
	cfg := jobs.DefaultConfig()
	cfg.Mode = jobs.ExecuteInline
	mgr := jobs.NewManager(jobs.Deps{Repo: repo, Usage: repo, Ledger: ledger, Files: files, Metrics: m}, cfg)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(ks),
		RateLimit: mw.NewRateLimit(ratelimit.NewFixedWindow(time.Hour), limits, m),
		Metrics:   m,
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		UploadHandler:    handler.NewUploadHandler(files, 1<<20),
		Jobs:             handler.NewJobHandlers(mgr),
		CreateKeyHandler: handler.NewCreateKeyHandler(ks),
		ListKeysHandler:  handler.NewListKeysHandler(ks),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(ks),
		Tenants:          handler.NewTenantHandlers(ks),
	})
	return &fixture{router: router, tenant: tenant, rawKey: raw}
}

func (f *fixture) serve(req *http.Request, auth bool) *httptest.ResponseRecorder {
	if auth {
		req.Header.Set("Authorization", "Bearer "+f.rawKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

// --- router tests ---

func TestRouter_PublicEndpoints(t *testing.T) {
	f := newFixture(t, models.PlanFree, ratelimit.DefaultLimits(), handler.ScopeJobs)

	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil), false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tabprep_http_requests_total")
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	f := newFixture(t, models.PlanFree, ratelimit.DefaultLimits(), handler.ScopeJobs)
	id := uuid.NewString()

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/uploads"},
		{http.MethodPost, "/api/v1/analyze"},
		{http.MethodGet, "/api/v1/usage"},
		{http.MethodPost, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs/" + id},
		{http.MethodPost, "/api/v1/jobs/" + id + "/execute"},
		{http.MethodPost, "/api/v1/jobs/" + id + "/cancel"},
		{http.MethodGet, "/api/v1/jobs/" + id + "/result"},
		{http.MethodGet, "/api/v1/jobs/" + id + "/report"},
		{http.MethodGet, "/api/v1/jobs/" + id + "/preview"},
		{http.MethodGet, "/api/v1/jobs/" + id + "/download"},
		{http.MethodPost, "/api/v1/admin/keys"},
		{http.MethodGet, "/api/v1/admin/keys"},
		{http.MethodDelete, "/api/v1/admin/keys/" + id},
		{http.MethodPost, "/api/v1/admin/tenants"},
		{http.MethodGet, "/api/v1/admin/tenants"},
		{http.MethodPatch, "/api/v1/admin/tenants/" + id},
		{http.MethodDelete, "/api/v1/admin/tenants/" + id},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := f.serve(httptest.NewRequest(ep.method, ep.path, nil), false)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))
		})
	}
}

func TestRouter_AdminRoutesNeedScope(t *testing.T) {
	f := newFixture(t, models.PlanFree, ratelimit.DefaultLimits(), handler.ScopeJobs)
	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys", nil), true)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := newFixture(t, models.PlanFree, ratelimit.DefaultLimits(), handler.ScopeJobs, handler.ScopeAdmin)
	w = admin.serve(httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys", nil), true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_TenantRoutesNeedTenantsScope(t *testing.T) {
	admin := newFixture(t, models.PlanFree, ratelimit.DefaultLimits(), handler.ScopeJobs, handler.ScopeAdmin)
	w := admin.serve(httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants", nil), true)
	assert.Equal(t, http.StatusForbidden, w.Code)

	op := newFixture(t, models.PlanFree, ratelimit.DefaultLimits(), handler.ScopeJobs, handler.ScopeTenants)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/tenants",
		bytes.NewReader([]byte(`{"name":"globex","email":"ops@globex.test","plan":"basic"}`)))
	w = op.serve(req, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data struct {
			Tenant models.Tenant `json:"tenant"`
			Key    string        `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 10000.0, created.Data.Tenant.MonthlyQuotaMB)
	require.NotEmpty(t, created.Data.Key)

	// The new tenant's key works against its own job routes.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+created.Data.Key)
	w = op.serve(req, false)
	assert.Equal(t, http.StatusOK, w.Code)

	// A deactivated tenant's key is refused.
	w = op.serve(httptest.NewRequest(http.MethodDelete, "/api/v1/admin/tenants/"+created.Data.Tenant.ID.String(), nil), true)
	require.Equal(t, http.StatusNoContent, w.Code)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+created.Data.Key)
	w = op.serve(req, false)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_INACTIVE", errorCode(t, w))
}

func TestRouter_UploadCreateAndFetchJob(t *testing.T) {
	f := newFixture(t, models.PlanBasic, ratelimit.DefaultLimits(), handler.ScopeJobs)

	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	fw, err := mpw.CreateFormFile("file", "sales.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("region,amount\nnorth,10\nsouth,20\n"))
	require.NoError(t, err)
	require.NoError(t, mpw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	w := f.serve(req, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "500", w.Header().Get("X-RateLimit-Limit"))

	var uploaded struct {
		Data struct {
			InputPath string `json:"input_path"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))

	body, _ := json.Marshal(map[string]any{"input_path": uploaded.Data.InputPath, "auto_execute": true})
	w = f.serve(httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body)), true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data models.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, models.JobStatusCompleted, created.Data.Status)
	assert.Equal(t, f.tenant.ID, created.Data.ClientID)

	w = f.serve(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.Data.ID.String(), nil), true)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.serve(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil), true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RateLimitedAfterPlanLimit(t *testing.T) {
	f := newFixture(t, models.PlanFree, ratelimit.Limits{Free: 2, Basic: 10, Premium: 10}, handler.ScopeJobs)

	for i := 0; i < 2; i++ {
		w := f.serve(httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil), true)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil), true)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRouter_NotFound(t *testing.T) {
	f := newFixture(t, models.PlanFree, ratelimit.DefaultLimits(), handler.ScopeJobs)

	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil), false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
