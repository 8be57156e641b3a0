package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/api/response"
	"github.com/kiranshivaraju/tabprep/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	ScopeJobs  = "jobs"
	ScopeAdmin = "admin"

	keyPrefix = "tp_"
)

var validScopes = map[string]bool{ScopeJobs: true, ScopeAdmin: true, ScopeTenants: true}

// KeyAdmin is the part of the store that manages API keys.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// GenerateAPIKey returns a new random raw key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

// NewAPIKey hashes raw and builds the record to persist. The raw key itself is
// never stored.
func NewAPIKey(tenantID uuid.UUID, name, raw string, scopes []string) (*models.APIKey, error) {
	if len(raw) < mw.KeyPrefixLen {
		return nil, fmt.Errorf("api key shorter than %d characters", mw.KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type createdKey struct {
	Key    string         `json:"key"`
	APIKey *models.APIKey `json:"api_key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears only in this response.
func NewCreateKeyHandler(store KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "Invalid JSON body")
			return
		}
		if req.Name == "" {
			badRequest(w, "name is required")
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{ScopeJobs}
		}
		for _, s := range req.Scopes {
			if !validScopes[s] {
				badRequest(w, fmt.Sprintf("unknown scope %q", s))
				return
			}
			if s == ScopeTenants && !mw.CallerAllows(r, ScopeTenants) {
				response.Error(w, http.StatusForbidden, "FORBIDDEN", "Granting the tenants scope requires holding it", nil)
				return
			}
		}

		raw, err := GenerateAPIKey()
		if err != nil {
			writeError(w, r, err)
			return
		}
		key, err := NewAPIKey(tenantID, req.Name, raw, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := store.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, createdKey{Key: raw, APIKey: key})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(store KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		keys, err := store.ListAPIKeys(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(store KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			badRequest(w, "keyID must be a UUID")
			return
		}
		if err := store.RevokeAPIKey(r.Context(), keyID, tenantID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
