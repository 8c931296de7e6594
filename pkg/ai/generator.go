package ai

import "context"

// Usage carries the authoritative balances the backend embeds in every
// generation response. These numbers always overwrite the local cache.
type Usage struct {
	Credits          int `json:"credits"`
	DailyUsagePoints int `json:"dailyUsagePoints"`
}

// TextRequest is one text generation call.
type TextRequest struct {
	UserID  string `json:"userId"`
	Type    string `json:"type"` // "reply" or "tweet"
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

// TextResult is the generated text plus post-spend balances.
type TextResult struct {
	Text  string
	Usage Usage
}

// ImageResult is the generated image URL plus post-spend balances.
type ImageResult struct {
	URL   string
	Usage Usage
}

// LatestImage is the most recent image the backend generated for a user,
// used to reconcile an orphaned image with a recovered draft.
type LatestImage struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// TextGenerator generates post/comment text. The production implementation
// calls the generation backend; tests substitute fakes.
type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (TextResult, error)
}

// ImageGenerator generates accompanying images and exposes the
// latest-image lookup for draft reconciliation.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, userID, prompt string) (ImageResult, error)
	LatestImage(ctx context.Context, userID string) (LatestImage, bool, error)
}

// UsageSource resyncs the authoritative usage numbers outside of a
// generation call.
type UsageSource interface {
	FetchUsage(ctx context.Context, userID string) (Usage, error)
}
