package domain

import "errors"

var (
	// ErrInsufficientCredits means the standing credit balance cannot cover
	// the requested action. Raised both by the local precheck and by a 402
	// from the generation backend.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDailyLimitReached means the rolling daily point budget would be
	// exceeded. Raised both by the local precheck and by a 429 from the
	// generation backend.
	ErrDailyLimitReached = errors.New("daily limit reached")

	// ErrGenerationFailed covers network, parse, and 5xx failures of the
	// generation backends.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrPublishFailed covers failures of the external posting API.
	ErrPublishFailed = errors.New("publish failed")
)
