package consent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryRepository is an in-memory Repository, safe for concurrent use.
// Data is lost on restart - used by tests and local development; production
// wires the Postgres repository.
type MemoryRepository struct {
	mu       sync.Mutex
	consents map[string]*Consent
}

// NewMemoryRepository creates an empty in-memory consent store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{consents: make(map[string]*Consent)}
}

// Save implements Repository.
func (r *MemoryRepository) Save(ctx context.Context, c *Consent) error {
	if c.ExternalID == "" {
		return errors.New("consent external id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	r.consents[c.ExternalID] = &cp
	return nil
}

// FindByExternalID implements Repository.
func (r *MemoryRepository) FindByExternalID(ctx context.Context, externalID string) (*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consents[externalID]
	if !ok {
		return nil, errors.Wrap(ErrConsentNotFound, externalID)
	}
	cp := *c
	return &cp, nil
}

// FindAliveByExternalID implements Repository.
func (r *MemoryRepository) FindAliveByExternalID(ctx context.Context, externalID string) (*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consents[externalID]
	if !ok || !c.Status.Alive() {
		return nil, errors.Wrap(ErrConsentNotFound, externalID)
	}
	cp := *c
	return &cp, nil
}

// UpdateStatus implements Repository.
func (r *MemoryRepository) UpdateStatus(ctx context.Context, externalID string, status Status, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consents[externalID]
	if !ok || !c.Status.Alive() {
		return false, nil
	}
	c.Status = status
	c.LastActionDate = at
	return true, nil
}

// ExpireIfDue implements Repository.
func (r *MemoryRepository) ExpireIfDue(ctx context.Context, externalID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consents[externalID]
	if !ok || !c.Status.Alive() || !c.ExpiredByDate(now) {
		return false, nil
	}
	c.Status = StatusExpired
	c.LastActionDate = now
	return true, nil
}

// ConsumeUsage implements Repository.
func (r *MemoryRepository) ConsumeUsage(ctx context.Context, externalID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consents[externalID]
	if !ok || !c.Status.Alive() {
		return false, nil
	}
	// Only recurring consents get a fresh allowance on a new calendar day
	if c.RecurringIndicator && dayAfter(now, c.CounterResetDate) {
		c.UsageCounter = c.ExpectedFrequencyPerDay
		c.CounterResetDate = now
	}
	if c.UsageCounter <= 0 {
		return false, nil
	}
	c.UsageCounter--
	c.LastActionDate = now
	return true, nil
}

// dayAfter reports whether now falls on a later calendar day than ref.
func dayAfter(now, ref time.Time) bool {
	ny, nm, nd := now.Date()
	ry, rm, rd := ref.Date()
	return ny > ry || (ny == ry && (nm > rm || (nm == rm && nd > rd)))
}

// MemoryActionLog is an in-memory ActionLog, safe for concurrent use.
type MemoryActionLog struct {
	mu      sync.Mutex
	actions []Action
}

// NewMemoryActionLog creates an empty in-memory audit trail.
func NewMemoryActionLog() *MemoryActionLog {
	return &MemoryActionLog{}
}

// Record implements ActionLog. It never fails.
func (l *MemoryActionLog) Record(ctx context.Context, action Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, action)
}

// List implements ActionLog, newest first.
func (l *MemoryActionLog) List(ctx context.Context, filter ActionFilter) ([]Action, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []Action
	for i := len(l.actions) - 1; i >= 0; i-- {
		a := l.actions[i]
		if filter.ConsentID != "" && a.ConsentID != filter.ConsentID {
			continue
		}
		if filter.TPPID != "" && a.TPPID != filter.TPPID {
			continue
		}
		if !filter.From.IsZero() && a.RequestDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && a.RequestDate.After(filter.To) {
			continue
		}
		matched = append(matched, a)
	}

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}
