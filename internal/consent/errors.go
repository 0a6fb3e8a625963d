package consent

import "github.com/pkg/errors"

// Domain error taxonomy. The API boundary maps these to structured error
// responses; nothing here should ever surface as a 5xx.
var (
	// ErrConsentNotFound means the external consent id is unknown.
	ErrConsentNotFound = errors.New("consent not found")

	// ErrAccessDenied means the consent exists but its scope does not cover
	// the requested account/purpose.
	ErrAccessDenied = errors.New("access denied by consent scope")

	// ErrEmptyAccessScope means resolution produced an entirely empty scope
	// for a request that did ask for access.
	ErrEmptyAccessScope = errors.New("resolved access scope is empty")

	// ErrNoAccountsFound means a wildcard grant was requested but the PSU
	// owns no accounts.
	ErrNoAccountsFound = errors.New("no accounts found for psu")

	// ErrConsentExpired means lazy expiration fired for this consent.
	ErrConsentExpired = errors.New("consent expired")

	// ErrInvalidStatus means a status update to an unknown or unreachable
	// target status was requested.
	ErrInvalidStatus = errors.New("invalid target consent status")
)
