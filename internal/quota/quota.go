// Package quota tracks per-tenant monthly data volume and decides whether a
// new job fits under the tenant's cap.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/tabprep/pkg/models"
)

var (
	ErrQuotaExceeded = errors.New("monthly quota exceeded")
	ErrUnknownClient = errors.New("unknown client")
)

// Ledger is the quota bookkeeping used by the job manager.
// Admission and commit are separate: CanAdmit compares against committed
// usage only, and Commit is called once per successfully completed job.
// Implementations must serialize Commit per tenant.
type Ledger interface {
	CanAdmit(ctx context.Context, clientID uuid.UUID, sizeMB float64) (bool, error)
	Commit(ctx context.Context, clientID uuid.UUID, sizeMB float64) error
	Usage(ctx context.Context, clientID uuid.UUID) (models.QuotaUsage, error)
	Reset(ctx context.Context, clientID uuid.UUID, periodStart time.Time) error
}

// Admit returns ErrQuotaExceeded when sizeMB does not fit the tenant's remaining quota.
func Admit(ctx context.Context, l Ledger, clientID uuid.UUID, sizeMB float64) error {
	ok, err := l.CanAdmit(ctx, clientID, sizeMB)
	if err != nil {
		return fmt.Errorf("check quota: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %.2f MB requested", ErrQuotaExceeded, sizeMB)
	}
	return nil
}

const bytesPerMB = 1024 * 1024

// SizeMB converts a byte count to megabytes.
func SizeMB(bytes int64) float64 {
	return float64(bytes) / bytesPerMB
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ValidateSize rejects negative and NaN sizes.
func ValidateSize(sizeMB float64) error {
	if sizeMB < 0 || math.IsNaN(sizeMB) {
		return fmt.Errorf("invalid size %v MB", sizeMB)
	}
	return nil
}
