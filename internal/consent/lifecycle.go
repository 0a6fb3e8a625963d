package consent

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ClampMode selects how the bank profile's frequency-per-day policy value is
// applied to the TPP's requested value.
type ClampMode string

const (
	// ClampFloor enforces the policy value as a server minimum:
	// expected = max(policy, requested).
	ClampFloor ClampMode = "floor"
	// ClampCeiling enforces the policy value as a server cap:
	// expected = min(policy, requested).
	ClampCeiling ClampMode = "ceiling"
)

// Profile carries the bank-profile policy knobs the lifecycle needs.
type Profile struct {
	FrequencyPerDay int
	Clamp           ClampMode
}

// ExpectedFrequency applies the clamp policy to a requested value.
func (p Profile) ExpectedFrequency(requested int) int {
	if requested < 1 {
		requested = 1
	}
	switch p.Clamp {
	case ClampCeiling:
		if requested > p.FrequencyPerDay {
			return p.FrequencyPerDay
		}
		return requested
	default:
		if requested < p.FrequencyPerDay {
			return p.FrequencyPerDay
		}
		return requested
	}
}

// CreateRequest is the input for consent creation
type CreateRequest struct {
	PSUID                    string
	TPPID                    string
	Access                   AccessScope
	RecurringIndicator       bool
	ValidUntil               time.Time
	FrequencyPerDay          int
	TPPRedirectPreferred     bool
	CombinedServiceIndicator bool
}

// Lifecycle owns consent creation, status transitions and usage metering.
// All collaborators are constructor-injected; Lifecycle itself holds no
// mutable state, so one instance serves concurrent requests.
type Lifecycle struct {
	repo     Repository
	resolver *AccountAccessResolver
	actions  ActionLog
	profile  Profile
	now      func() time.Time
}

// NewLifecycle creates the consent lifecycle service.
func NewLifecycle(repo Repository, resolver *AccountAccessResolver, actions ActionLog, profile Profile) *Lifecycle {
	return &Lifecycle{
		repo:     repo,
		resolver: resolver,
		actions:  actions,
		profile:  profile,
		now:      time.Now,
	}
}

// CreateConsent resolves the requested access against the PSU's accounts and
// persists a new consent in RECEIVED status, returning its external id.
//
// A request that intentionally asks for nothing (explicit empty lists, no
// wildcard) creates an empty but valid consent; a request that asked for
// access but resolved to nothing fails with ErrEmptyAccessScope.
func (l *Lifecycle) CreateConsent(ctx context.Context, req CreateRequest) (string, error) {
	resolved, err := l.resolver.Resolve(ctx, req.Access, req.PSUID)
	if err != nil {
		return "", err
	}
	if resolved.IsEmpty() && !req.Access.IsEmpty() {
		return "", errors.Wrapf(ErrEmptyAccessScope, "psu %s", req.PSUID)
	}

	// A one-off consent is good for exactly one use; the clamp policy only
	// applies to recurring consents.
	expected := 1
	if req.RecurringIndicator {
		expected = l.profile.ExpectedFrequency(req.FrequencyPerDay)
	}
	now := l.now()

	c := &Consent{
		ExternalID: uuid.New().String(),
		PSUID:      req.PSUID,
		TPPID:      req.TPPID,
		Status:     StatusReceived,
		Access:     resolved,

		RecurringIndicator:       req.RecurringIndicator,
		TPPRedirectPreferred:     req.TPPRedirectPreferred,
		CombinedServiceIndicator: req.CombinedServiceIndicator,

		TPPFrequencyPerDay:      req.FrequencyPerDay,
		ExpectedFrequencyPerDay: expected,
		UsageCounter:            expected,
		CounterResetDate:        now,

		RequestDate: now,
		ExpireDate:  req.ValidUntil,
	}

	if err := l.repo.Save(ctx, c); err != nil {
		return "", errors.Wrap(err, "saving consent")
	}

	log.Printf("[Consent] Created consent %s for PSU %s (TPP %s, expires %s)",
		c.ExternalID, c.PSUID, c.TPPID, c.ExpireDate.Format(time.RFC3339))
	return c.ExternalID, nil
}

// GetStatus returns the consent status after the lazy-expiration check.
func (l *Lifecycle) GetStatus(ctx context.Context, consentID string) (Status, error) {
	c, err := l.GetConsent(ctx, consentID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// GetConsent returns the consent regardless of status, transitioning it to
// EXPIRED first when its validity period has passed. The transition is
// idempotent: only the call that performs it logs and stamps the change.
func (l *Lifecycle) GetConsent(ctx context.Context, consentID string) (*Consent, error) {
	if err := l.checkExpiration(ctx, consentID); err != nil {
		return nil, err
	}
	return l.repo.FindByExternalID(ctx, consentID)
}

// UpdateStatus transitions an alive consent to the given status. Returns
// false (not an error) when the consent is already terminal, so callers can
// render an idempotent "already closed" response. Only VALID and the
// terminal statuses are reachable; a consent never goes back to RECEIVED.
func (l *Lifecycle) UpdateStatus(ctx context.Context, consentID string, status Status) (bool, error) {
	if status != StatusValid && !status.Terminal() {
		return false, errors.Wrapf(ErrInvalidStatus, "%s", status)
	}
	if err := l.checkExpiration(ctx, consentID); err != nil {
		return false, err
	}
	changed, err := l.repo.UpdateStatus(ctx, consentID, status, l.now())
	if err != nil {
		return false, errors.Wrap(err, "updating consent status")
	}
	if changed {
		log.Printf("[Consent] Consent %s moved to %s", consentID, status)
	}
	return changed, nil
}

// DeleteConsent terminates a consent on behalf of the TPP. The row is kept
// for audit purposes; only the status changes. Unknown ids return false, not
// an error, making deletion idempotent for the caller.
func (l *Lifecycle) DeleteConsent(ctx context.Context, consentID string) (bool, error) {
	changed, err := l.UpdateStatus(ctx, consentID, StatusTerminatedByTPP)
	if err != nil {
		if errors.Is(err, ErrConsentNotFound) {
			return false, nil
		}
		return false, err
	}
	return changed, nil
}

// RecordUsage meters one consuming access attempt. After the lazy-expiration
// check, an alive consent with a use available has its counter decremented
// (resetting first across a day boundary for recurring consents) and
// lastActionDate stamped. The audit row is appended for every attempt,
// including ones against exhausted or expired consents; a failure to append
// never propagates to the caller. Returns whether a use was consumed; the
// caller must refuse the access when it returns false.
func (l *Lifecycle) RecordUsage(ctx context.Context, consentID, tppID string, status ActionStatus) bool {
	now := l.now()

	consumed := false
	if err := l.checkExpiration(ctx, consentID); err == nil {
		var consumeErr error
		consumed, consumeErr = l.repo.ConsumeUsage(ctx, consentID, now)
		if consumeErr != nil {
			log.Printf("[Consent] Failed to consume usage for %s: %v", consentID, consumeErr)
		}
	} else {
		log.Printf("[Consent] Expiration check failed for %s: %v", consentID, err)
	}

	// An attempt that would have succeeded but found no use left is audited
	// as a limit failure, not a success.
	if !consumed && status == ActionSuccess {
		status = ActionFailureLimit
	}

	l.actions.Record(ctx, Action{
		ID:           uuid.New().String(),
		ConsentID:    consentID,
		TPPID:        tppID,
		ActionStatus: status,
		RequestDate:  now,
	})
	return consumed
}

// checkExpiration lazily expires the consent when its expireDate has passed.
// Unknown consents surface as ErrConsentNotFound from the follow-up read.
func (l *Lifecycle) checkExpiration(ctx context.Context, consentID string) error {
	expired, err := l.repo.ExpireIfDue(ctx, consentID, l.now())
	if err != nil {
		return errors.Wrap(err, "expiration check")
	}
	if expired {
		log.Printf("[Consent] Consent %s expired by date", consentID)
	}
	return nil
}
