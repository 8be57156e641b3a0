package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/jobs"
	"github.com/kiranshivaraju/tabprep/internal/quota"
	"github.com/kiranshivaraju/tabprep/internal/storage"
	"github.com/kiranshivaraju/tabprep/internal/store"
	"github.com/kiranshivaraju/tabprep/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const dirtyCSV = "id,city,score\n1,<b>Oslo</b>,10\n2,Rome,20\n2,Rome,20\n3,Lima,30\n"

// --- test server ---

type testServer struct {
	router http.Handler
	mgr    *jobs.Manager
	files  *storage.Resolver
	ledger *quota.MemoryLedger
	keys   *fakeKeys
	client uuid.UUID
}

// newTestServer serves the handlers over an inline Manager. wrap, when set,
// replaces the service the handlers see.
func newTestServer(t *testing.T, wrap func(*jobs.Manager) JobService) *testServer {
	t.Helper()
	local, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	ts := &testServer{
		files:  storage.NewResolver(local),
		ledger: quota.NewMemoryLedger(),
		keys:   &fakeKeys{},
		client: uuid.New(),
	}
	ts.ledger.SetQuota(ts.client, 1000, quota.MonthStart(time.Now()))
	repo := jobs.NewMemoryRepository()
	cfg := jobs.DefaultConfig()
	cfg.Mode = jobs.ExecuteInline
	ts.mgr = jobs.NewManager(jobs.Deps{
		Repo:   repo,
		Usage:  repo,
		Ledger: ts.ledger,
		Files:  ts.files,
	}, cfg)
	var svc JobService = ts.mgr
	if wrap != nil {
		svc = wrap(ts.mgr)
	}

	h := NewJobHandlers(svc)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id, err := uuid.Parse(req.Header.Get("X-Test-Tenant")); err == nil {
				req = req.WithContext(mw.SetTenantID(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/uploads", NewUploadHandler(ts.files, 1<<20))
	r.Post("/analyze", h.Analyze)
	r.Post("/jobs", h.Create)
	r.Get("/jobs", h.List)
	r.Get("/jobs/{jobID}", h.Get)
	r.Post("/jobs/{jobID}/execute", h.Execute)
	r.Post("/jobs/{jobID}/cancel", h.Cancel)
	r.Get("/jobs/{jobID}/result", h.Result)
	r.Get("/jobs/{jobID}/report", h.Report)
	r.Get("/jobs/{jobID}/preview", h.Preview)
	r.Get("/jobs/{jobID}/download", h.Download)
	r.Get("/usage", h.Usage)
	r.Post("/keys", NewCreateKeyHandler(ts.keys))
	r.Get("/keys", NewListKeysHandler(ts.keys))
	r.Delete("/keys/{keyID}", NewRevokeKeyHandler(ts.keys))
	ts.router = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("X-Test-Tenant", ts.client.String())
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	fw, err := mpw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mpw.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	req.Header.Set("X-Test-Tenant", ts.client.String())
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) uploadPath(t *testing.T, filename, content string) string {
	t.Helper()
	rec := ts.upload(t, filename, content)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return dataOf(t, rec)["input_path"].(string)
}

func (ts *testServer) createJob(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return dataOf(t, rec)
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

// --- fakes ---

type fakeKeys struct {
	created []*models.APIKey
	revoked []uuid.UUID
}

func (f *fakeKeys) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	f.created = append(f.created, key)
	return nil
}

func (f *fakeKeys) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range f.created {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeKeys) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	for _, k := range f.created {
		if k.ID == id && k.TenantID == tenantID {
			f.revoked = append(f.revoked, id)
			return nil
		}
	}
	return store.ErrNotFound
}

// backgroundService forces background mode and records Submit calls.
type backgroundService struct {
	*jobs.Manager
	submitted []uuid.UUID
}

func (b *backgroundService) Mode() jobs.ExecutionMode { return jobs.ExecuteBackground }

func (b *backgroundService) Submit(ctx context.Context, clientID, jobID uuid.UUID) (*models.Job, error) {
	b.submitted = append(b.submitted, jobID)
	return b.Manager.GetStatus(ctx, clientID, jobID)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

// --- tests ---

func TestUploadAndRunJob(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)
	assert.True(t, strings.HasPrefix(input, "raw/"+ts.client.String()+"/"))

	job := ts.createJob(t, map[string]any{"input_path": input})
	assert.Equal(t, "PENDING", job["status"])
	assert.Equal(t, "tabular", job["data_type"])
	id := job["job_id"].(string)

	rec := ts.do(t, http.MethodGet, "/jobs/"+id+"/result", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RESULT_NOT_READY", errCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/jobs/"+id+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", dataOf(t, rec)["status"])

	rec = ts.do(t, http.MethodPost, "/jobs/"+id+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", errCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/jobs/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := dataOf(t, rec)["quality_metrics"].(map[string]any)
	assert.Equal(t, 4.0, metrics["total_records"])

	rec = ts.do(t, http.MethodGet, "/jobs/"+id+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "processed_")
	assert.NotContains(t, rec.Body.String(), "<b>")
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "Rome"))

	rec = ts.do(t, http.MethodGet, "/jobs/"+id+"/preview?rows=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, dataOf(t, rec)["original"], 2)

	rec = ts.do(t, http.MethodGet, "/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := dataOf(t, rec)
	assert.Greater(t, usage["quota"].(map[string]any)["used_quota_mb"], 0.0)
	assert.Len(t, usage["records"], 1)
}

func TestReport(t *testing.T) {
	ts := newTestServer(t, nil)
	job := ts.createJob(t, map[string]any{"input_path": ts.uploadPath(t, "people.csv", dirtyCSV)})
	id := job["job_id"].(string)

	rec := ts.do(t, http.MethodGet, "/jobs/"+id+"/report", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RESULT_NOT_READY", errCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/jobs/"+id+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/jobs/"+id+"/report?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/jobs/"+id+"/report?format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep := dataOf(t, rec)
	assert.Equal(t, id, rep["job_id"])
	assert.NotEmpty(t, rep["completed_at"])
	original := rep["report"].(map[string]any)["original_score"].(float64)
	assert.Equal(t, rep["quality_score"].(float64)-original, rep["improvement"])

	rec = ts.do(t, http.MethodGet, "/jobs/"+uuid.NewString()+"/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJob_AutoExecuteInline(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)

	job := ts.createJob(t, map[string]any{"input_path": input, "auto_execute": true})
	assert.Equal(t, "COMPLETED", job["status"])
}

func TestCreateJob_Rejections(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"invalid json", "not an object", http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing input path", map[string]any{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown data type", map[string]any{"input_path": input, "data_type": "video"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown config key", map[string]any{"input_path": input, "config": map[string]any{"turbo": true}}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad enum", map[string]any{"input_path": input, "config": map[string]any{"encoding_strategy": "hash"}}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"image has no processor", map[string]any{"input_path": input, "data_type": "image"}, http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT"},
		{"missing input", map[string]any{"input_path": "raw/" + uuid.NewString() + "/x.csv"}, http.StatusNotFound, "INPUT_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, errCode(t, rec))
		})
	}
}

func TestCreateJob_QuotaExceeded(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)
	ts.ledger.SetQuota(ts.client, 0, quota.MonthStart(time.Now()))

	rec := ts.do(t, http.MethodPost, "/jobs", map[string]any{"input_path": input})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", errCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []any `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Empty(t, env.Data)
	assert.Equal(t, 0, env.Meta.Total)
}

func TestCancelJob(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)
	id := ts.createJob(t, map[string]any{"input_path": input})["job_id"].(string)

	rec := ts.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", dataOf(t, rec)["status"])

	rec = ts.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", errCode(t, rec))
}

func TestJobLookups_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, target := range []string{"/jobs/not-a-uuid", "/jobs/" + uuid.NewString(), "/jobs/" + uuid.NewString() + "/result"} {
		rec := ts.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "JOB_NOT_FOUND", errCode(t, rec), target)
	}
}

func TestJobs_TenantIsolation(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)
	id := ts.createJob(t, map[string]any{"input_path": input})["job_id"].(string)

	ts.client = uuid.New()
	ts.ledger.SetQuota(ts.client, 1000, quota.MonthStart(time.Now()))

	rec := ts.do(t, http.MethodGet, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/jobs", map[string]any{"input_path": input})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "INPUT_NOT_FOUND", errCode(t, rec))
}

func TestListJobs_PaginationAndFilter(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, ts.createJob(t, map[string]any{"input_path": input})["job_id"].(string))
	}
	ts.do(t, http.MethodPost, "/jobs/"+ids[0]+"/cancel", nil)

	rec := ts.do(t, http.MethodGet, "/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []map[string]any `json:"data"`
		Meta map[string]any   `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Len(t, env.Data, 2)
	assert.Equal(t, 3.0, env.Meta["total"])
	assert.Equal(t, true, env.Meta["has_next"])

	rec = ts.do(t, http.MethodGet, "/jobs?status=CANCELLED", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, ids[0], env.Data[0]["job_id"])

	rec = ts.do(t, http.MethodGet, "/jobs?status=DONE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/jobs?page=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecute_BackgroundReturnsAccepted(t *testing.T) {
	var bg *backgroundService
	ts := newTestServer(t, func(m *jobs.Manager) JobService {
		bg = &backgroundService{Manager: m}
		return bg
	})
	input := ts.uploadPath(t, "people.csv", dirtyCSV)
	id := ts.createJob(t, map[string]any{"input_path": input})["job_id"].(string)

	rec := ts.do(t, http.MethodPost, "/jobs/"+id+"/execute", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "PENDING", dataOf(t, rec)["status"])
	assert.Len(t, bg.submitted, 1)
}

func TestAnalyze(t *testing.T) {
	ts := newTestServer(t, nil)
	input := ts.uploadPath(t, "people.csv", dirtyCSV)

	rec := ts.do(t, http.MethodPost, "/analyze", map[string]any{"input_path": input})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := dataOf(t, rec)
	assert.Equal(t, 4.0, report["total_rows"])
	assert.Equal(t, 1.0, report["duplicate_rows"])
	assert.Contains(t, report["suggestions"], "remove_duplicates")

	rec = ts.do(t, http.MethodPost, "/analyze", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_Rejections(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.upload(t, "notes.txt", "hello")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "UNSUPPORTED_FORMAT", errCode(t, rec))

	rec = ts.upload(t, "big.csv", "a\n"+strings.Repeat("1\n", 1<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader("plain"))
	req.Header.Set("X-Test-Tenant", ts.client.String())
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyHandlers(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/keys", map[string]any{"name": "ci"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := dataOf(t, rec)
	raw := created["key"].(string)
	assert.True(t, strings.HasPrefix(raw, "tp_"))
	require.Len(t, ts.keys.created, 1)
	stored := ts.keys.created[0]
	assert.Equal(t, raw[:mw.KeyPrefixLen], stored.KeyPrefix)
	assert.Equal(t, []string{ScopeJobs}, stored.Scopes)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.KeyHash), []byte(raw)))
	assert.NotContains(t, rec.Body.String(), stored.KeyHash)

	rec = ts.do(t, http.MethodPost, "/keys", map[string]any{"name": "x", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/keys/"+stored.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/keys/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(pinger{}, pinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(pinger{}, pinger{err: errors.New("down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DEGRADED", errCode(t, rec))
}

func TestWriteError_HidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("pq: password leaked"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "leaked")

	rec = httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), &models.InvalidTransitionError{
		JobID: uuid.New(), Current: models.JobStatusCompleted, Requested: models.JobStatusProcessing,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current_status":"COMPLETED"`)
}

var _ JobService = (*jobs.Manager)(nil)
