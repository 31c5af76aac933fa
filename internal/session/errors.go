package session

import "github.com/rotisserie/eris"

var (
	// ErrInvalidTransition is returned for an illegal state change. State is unchanged.
	ErrInvalidTransition = eris.New("session: invalid transition")
	// ErrAlreadyTerminal is returned when another caller already completed or
	// cancelled the session, or holds the completion claim.
	ErrAlreadyTerminal = eris.New("session: already terminal")
	// ErrSealed is returned for evidence changes or cancellation after a
	// completion attempt fixed the anchored content.
	ErrSealed = eris.New("session: sealed for completion")
	// ErrPrecondition is returned when completion requirements are missing.
	ErrPrecondition = eris.New("session: precondition not met")
	// ErrNeedsReview blocks completion of a review recommendation without an override.
	ErrNeedsReview = eris.New("session: needs review")
	// ErrVerificationDegraded blocks completion when a collector fell back to
	// its safe default and no override was given.
	ErrVerificationDegraded = eris.New("session: verification degraded")
	// ErrVerificationRejected blocks completion of a rejected session.
	ErrVerificationRejected = eris.New("session: verification rejected")
	// ErrAnchorAttemptFailed is returned when fewer ledgers than required
	// anchored the hash. The session stays in progress and may be retried.
	ErrAnchorAttemptFailed = eris.New("session: anchor attempt failed")
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = eris.New("session: not found")
	// ErrInvalidInput is returned for malformed request data.
	ErrInvalidInput = eris.New("session: invalid input")
	// ErrIdempotencyKeyReuse is returned when a key is replayed for another session.
	ErrIdempotencyKeyReuse = eris.New("session: idempotency key used for another session")
)
