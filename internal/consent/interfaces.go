package consent

import (
	"context"
	"time"
)

// Repository is durable storage for consents, keyed by external id.
//
// The guarded update methods (UpdateStatus, ExpireIfDue, ConsumeUsage) must
// be atomic read-modify-writes: two concurrent calls against the same row
// must never both report success past the guard. The Postgres implementation
// gets this from single guarded UPDATE statements; the in-memory one from a
// mutex.
type Repository interface {
	// Save inserts a new consent row.
	Save(ctx context.Context, c *Consent) error

	// FindByExternalID returns the consent regardless of status, or
	// ErrConsentNotFound.
	FindByExternalID(ctx context.Context, externalID string) (*Consent, error)

	// FindAliveByExternalID returns the consent only while it is in
	// RECEIVED or VALID, or ErrConsentNotFound.
	FindAliveByExternalID(ctx context.Context, externalID string) (*Consent, error)

	// UpdateStatus transitions an alive consent to the given status and
	// stamps lastActionDate. Returns false (without error) when the consent
	// is unknown or already terminal.
	UpdateStatus(ctx context.Context, externalID string, status Status, at time.Time) (bool, error)

	// ExpireIfDue transitions an alive consent whose expireDate has passed
	// to EXPIRED. Returns true only for the call that actually performed
	// the transition, so concurrent checks never double-fire.
	ExpireIfDue(ctx context.Context, externalID string, now time.Time) (bool, error)

	// ConsumeUsage decrements the daily usage counter of an alive consent,
	// resetting it to expectedFrequencyPerDay first when a day boundary has
	// been crossed since the last use. Returns false when no use was
	// available. The counter never goes negative.
	ConsumeUsage(ctx context.Context, externalID string, now time.Time) (bool, error)
}

// ActionFilter narrows an audit trail query
type ActionFilter struct {
	ConsentID string
	TPPID     string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ActionLog is the append-only audit trail of consent usage attempts.
//
// Record must not fail the caller's primary operation: implementations
// swallow storage errors and retry out-of-band.
type ActionLog interface {
	Record(ctx context.Context, action Action)

	// List returns matching actions newest first plus the total match count.
	List(ctx context.Context, filter ActionFilter) ([]Action, int, error)
}

// AccountSource is the slice of the account directory the resolver needs:
// the PSU's real accounts at consent creation time.
type AccountSource interface {
	ListAccountsForPSU(ctx context.Context, psuID string) ([]AccountReference, error)
}
