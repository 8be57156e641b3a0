package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/tabprep/pkg/models"
)

type entry struct {
	mu          sync.Mutex
	monthlyMB   float64
	usedMB      float64
	periodStart time.Time
}

// MemoryLedger keeps ledger entries in process. Each tenant has its own lock,
// so tenants never contend with each other.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[uuid.UUID]*entry)}
}

// SetQuota creates or updates a tenant's cap without touching its usage.
func (l *MemoryLedger) SetQuota(clientID uuid.UUID, monthlyMB float64, periodStart time.Time) {
	l.mu.Lock()
	e, ok := l.entries[clientID]
	if !ok {
		e = &entry{}
		l.entries[clientID] = e
	}
	l.mu.Unlock()

	e.mu.Lock()
	e.monthlyMB = monthlyMB
	if !ok {
		e.periodStart = periodStart.UTC()
	}
	e.mu.Unlock()
}

func (l *MemoryLedger) entry(clientID uuid.UUID) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[clientID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return e, nil
}

func (l *MemoryLedger) CanAdmit(_ context.Context, clientID uuid.UUID, sizeMB float64) (bool, error) {
	if err := ValidateSize(sizeMB); err != nil {
		return false, err
	}
	e, err := l.entry(clientID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usedMB+sizeMB <= e.monthlyMB, nil
}

func (l *MemoryLedger) Commit(_ context.Context, clientID uuid.UUID, sizeMB float64) error {
	if err := ValidateSize(sizeMB); err != nil {
		return err
	}
	e, err := l.entry(clientID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.usedMB += sizeMB
	e.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Usage(_ context.Context, clientID uuid.UUID) (models.QuotaUsage, error) {
	e, err := l.entry(clientID)
	if err != nil {
		return models.QuotaUsage{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.NewQuotaUsage(clientID, e.monthlyMB, e.usedMB, e.periodStart), nil
}

func (l *MemoryLedger) Reset(_ context.Context, clientID uuid.UUID, periodStart time.Time) error {
	e, err := l.entry(clientID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.usedMB = 0
	e.periodStart = periodStart.UTC()
	e.mu.Unlock()
	return nil
}

// ResetExpired zeroes every entry whose period began before the month of now.
func (l *MemoryLedger) ResetExpired(_ context.Context, now time.Time) (int, error) {
	start := MonthStart(now)
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		e.mu.Lock()
		if e.periodStart.Before(start) {
			e.usedMB = 0
			e.periodStart = start
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}
