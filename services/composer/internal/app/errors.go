package app

import "errors"

var (
	// ErrSessionNotFound indicates no live session exists for the slot.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition indicates the operation is not legal in the
	// session's current phase.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrConfirmationRequired gates spends that discard visible progress:
	// the caller must re-issue the request with the confirmation flag after
	// showing the cost.
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrInvalidMode          = errors.New("invalid generation mode")
	ErrNoSubject            = errors.New("session has no subject")
	ErrImagesNotAllowed     = errors.New("images not enabled for this session")
	ErrNoImagePrompt        = errors.New("session has no image prompt")
	ErrNoContent            = errors.New("session has no generated text")
	ErrNoRecoveryOffer      = errors.New("no recovery offer pending")
)
