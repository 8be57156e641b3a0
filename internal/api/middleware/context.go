package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

type contextKey string

const (
	tenantIDKey   contextKey = "tenant_id"
	tenantPlanKey contextKey = "tenant_plan"
	apiKeyKey     contextKey = "api_key"
)

func SetTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(tenantIDKey).(uuid.UUID)
	return id, ok
}

func SetPlan(ctx context.Context, plan string) context.Context {
	return context.WithValue(ctx, tenantPlanKey, plan)
}

// GetPlan returns the authenticated tenant's plan, or "" before auth ran.
func GetPlan(r *http.Request) string {
	plan, _ := r.Context().Value(tenantPlanKey).(string)
	return plan
}

func SetAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

// GetKeyPrefix returns the display prefix of the key that authenticated r.
func GetKeyPrefix(r *http.Request) (string, bool) {
	key, ok := r.Context().Value(apiKeyKey).(*models.APIKey)
	if !ok {
		return "", false
	}
	return key.KeyPrefix, true
}

func getAPIKey(r *http.Request) *models.APIKey {
	key, _ := r.Context().Value(apiKeyKey).(*models.APIKey)
	return key
}

// CallerAllows reports whether the key that authenticated r holds scope.
func CallerAllows(r *http.Request, scope string) bool {
	key := getAPIKey(r)
	return key != nil && key.Allows(scope)
}
