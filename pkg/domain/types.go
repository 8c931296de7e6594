package domain

import "time"

// ContentType distinguishes the two authoring surfaces of the dashboard.
type ContentType string

const (
	ContentComment ContentType = "comment"
	ContentPost    ContentType = "post"
)

// BackendType maps the content type onto the generation backend's wire value.
func (c ContentType) BackendType() string {
	if c == ContentComment {
		return "reply"
	}
	return "tweet"
}

// Valid reports whether the content type is one of the known surfaces.
func (c ContentType) Valid() bool {
	return c == ContentComment || c == ContentPost
}

// SessionPhase tracks where a session is in its authoring lifecycle.
type SessionPhase string

const (
	PhaseIdle        SessionPhase = "idle"
	PhaseConfiguring SessionPhase = "configuring"
	PhaseGenerating  SessionPhase = "generating"
	PhaseReviewing   SessionPhase = "reviewing"
	PhasePublishing  SessionPhase = "publishing"
	PhasePublished   SessionPhase = "published"
	PhaseDiscarded   SessionPhase = "discarded"
)

// Terminal reports whether no further transitions are possible.
func (p SessionPhase) Terminal() bool {
	return p == PhasePublished || p == PhaseDiscarded
}

// GenerationMode selects which artifacts a generate call produces.
type GenerationMode string

const (
	ModeTextOnly     GenerationMode = "text"
	ModeImageOnly    GenerationMode = "image"
	ModeTextAndImage GenerationMode = "both"
)

// Valid reports whether the mode is a known variant.
func (m GenerationMode) Valid() bool {
	return m == ModeTextOnly || m == ModeImageOnly || m == ModeTextAndImage
}

// WantsText reports whether the mode requests a text artifact.
func (m GenerationMode) WantsText() bool {
	return m == ModeTextOnly || m == ModeTextAndImage
}

// WantsImage reports whether the mode requests an image artifact.
func (m GenerationMode) WantsImage() bool {
	return m == ModeImageOnly || m == ModeTextAndImage
}

// CreditCosts is the per-action credit price list from the cost catalog.
type CreditCosts struct {
	Comment int `json:"comment"`
	Post    int `json:"post"`
	Image   int `json:"image"`
}

// TextCost returns the text generation cost for a content type.
func (c CreditCosts) TextCost(ct ContentType) int {
	if ct == ContentComment {
		return c.Comment
	}
	return c.Post
}

// Cost computes the total credit cost of one generate call.
// The image cost is charged only when the session opted in, the plan
// permits images, and the mode actually requests one. A combined action
// is priced as the arithmetic sum so partial affordability can never
// result in a half-applied spend.
func (m GenerationMode) Cost(costs CreditCosts, ct ContentType, includeImage, planAllowsImages bool) int {
	total := 0
	if m.WantsText() {
		total += costs.TextCost(ct)
	}
	if m.WantsImage() && includeImage && planAllowsImages {
		total += costs.Image
	}
	return total
}

// UserRole gates the quota/credit bypass for operators.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// BillingCycle selects which plan daily limit applies.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Plan describes one subscription tier from the plan catalog.
type Plan struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	DailyLimitMonthly int    `json:"dailyLimitMonthly"`
	DailyLimitYearly  int    `json:"dailyLimitYearly"`
	AllowImages       bool   `json:"allowImages"`
	AllowTracking     bool   `json:"allowTracking"`
}

// DailyLimit resolves the plan limit for a billing cycle. Zero means unlimited.
func (p Plan) DailyLimit(cycle BillingCycle) int {
	if cycle == CycleYearly {
		return p.DailyLimitYearly
	}
	return p.DailyLimitMonthly
}

// UsageState is the locally held view of the user's spendable resources.
// The server is the single writer of truth; this struct is only ever
// overwritten wholesale from server responses, never decremented locally.
type UsageState struct {
	CreditBalance    int `json:"creditBalance"`
	DailyUsagePoints int `json:"dailyUsagePoints"`
	DailyLimit       int `json:"dailyLimit"`
}

// BrandProfile carries the brand context merged into generation prompts.
type BrandProfile struct {
	BrandName   string   `json:"brandName,omitempty"`
	BrandURL    string   `json:"brandUrl,omitempty"`
	Description string   `json:"description,omitempty"`
	Audience    string   `json:"audience,omitempty"`
	Problem     string   `json:"problem,omitempty"`
	Palette     []string `json:"palette,omitempty"`
}

// Merge overlays per-session overrides onto the stored profile.
// An override field wins only when non-empty.
func (b BrandProfile) Merge(override BrandProfile) BrandProfile {
	out := b
	if override.BrandName != "" {
		out.BrandName = override.BrandName
	}
	if override.BrandURL != "" {
		out.BrandURL = override.BrandURL
	}
	if override.Description != "" {
		out.Description = override.Description
	}
	if override.Audience != "" {
		out.Audience = override.Audience
	}
	if override.Problem != "" {
		out.Problem = override.Problem
	}
	if len(override.Palette) > 0 {
		out.Palette = override.Palette
	}
	return out
}

// Session is one in-progress unit of AI-assisted content authoring.
type Session struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	ContentType ContentType `json:"contentType"`

	Subject      string `json:"subject"`
	ToneID       string `json:"toneId"`
	Goal         string `json:"goal"`
	LanguageCode string `json:"languageCode"`

	Brand            BrandProfile `json:"brand"`
	IncludeBrandName bool         `json:"includeBrandName"`
	IncludeLink      bool         `json:"includeLink"`
	UseTracking      bool         `json:"useTracking"`
	IncludeImage     bool         `json:"includeImage"`

	Title       string `json:"title,omitempty"`
	BodyText    string `json:"bodyText,omitempty"`
	ImagePrompt string `json:"imagePrompt,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`

	Phase           SessionPhase `json:"phase"`
	PublishIdentity string       `json:"publishIdentity,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasGeneratedContent reports whether any generated artifact is present.
func (s Session) HasGeneratedContent() bool {
	return s.Title != "" || s.BodyText != "" || s.ImagePrompt != "" || s.ImageURL != ""
}

// HasBrandContext reports whether at least one brand-context field is set.
func (s Session) HasBrandContext() bool {
	b := s.Brand
	return b.BrandName != "" || b.BrandURL != "" || b.Description != "" || b.Audience != "" || b.Problem != ""
}

// ImageAsset records one generated image so it can be reconciled with the
// session that requested it and mirrored into durable storage.
type ImageAsset struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Prompt     string    `json:"prompt"`
	SourceURL  string    `json:"sourceUrl"`
	MirrorURL  string    `json:"mirrorUrl,omitempty"`
	StorageKey string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// URL returns the durable mirror URL when available, else the backend URL.
func (a ImageAsset) URL() string {
	if a.MirrorURL != "" {
		return a.MirrorURL
	}
	return a.SourceURL
}

// PublishedPost archives a session that reached the Published phase,
// including the brand snapshot the content was generated against.
type PublishedPost struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	ContentType ContentType  `json:"contentType"`
	Title       string       `json:"title,omitempty"`
	Body        string       `json:"body"`
	ImageURL    string       `json:"imageUrl,omitempty"`
	Identity    string       `json:"identity"`
	TrackingURL string       `json:"trackingUrl,omitempty"`
	Brand       BrandProfile `json:"brand"`
	PublishedAt time.Time    `json:"publishedAt"`
}

// UsageEntry is one row of the spend ledger: a server-confirmed deduction
// together with the authoritative balances returned by the same call.
type UsageEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Action           string    `json:"action"`
	Cost             int       `json:"cost"`
	CreditBalance    int       `json:"creditBalance"`
	DailyUsagePoints int       `json:"dailyUsagePoints"`
	CreatedAt        time.Time `json:"createdAt"`
}
