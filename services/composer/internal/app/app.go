// Package app is the composer core: it drives generation sessions through
// their lifecycle, runs the credit/quota precheck before every spend, and
// keeps the per-user usage cache synchronized with the backend's numbers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"postpilot/pkg/ai"
	"postpilot/pkg/catalog"
	"postpilot/pkg/domain"
	"postpilot/pkg/draft"
	"postpilot/pkg/events"
	"postpilot/pkg/queue"
	"postpilot/pkg/quota"
	"postpilot/pkg/store"
	"postpilot/pkg/usage"
	"postpilot/services/composer/internal/publishclient"
)

// Identity is the verified caller, as stamped into the access token.
type Identity struct {
	UserID             string
	Role               domain.UserRole
	PlanID             string
	Cycle              domain.BillingCycle
	DailyLimitOverride int
}

// BrandSource fetches the user's stored brand profile.
type BrandSource interface {
	Fetch(ctx context.Context, userID string) (domain.BrandProfile, bool, error)
}

// Publisher submits finished content to the posting service.
type Publisher interface {
	Publish(ctx context.Context, req publishclient.Request) (publishclient.Result, error)
	CreateTrackingLink(ctx context.Context, userID, targetURL string) (string, error)
}

// MirrorEnqueuer hands generated images to the mirror pipeline.
type MirrorEnqueuer interface {
	Enqueue(ctx context.Context, assetID, sourceURL string) (queue.JobStatus, error)
}

// Config wires the application's collaborators.
type Config struct {
	Catalog *catalog.Catalog
	Text    ai.TextGenerator
	Images  ai.ImageGenerator
	Usage   ai.UsageSource
	Drafts  *draft.Manager
	Store   store.Store
	Brand   BrandSource
	Publish Publisher
	Mirror  MirrorEnqueuer
	Events  events.Publisher
	Logger  *slog.Logger
}

// App owns the live sessions and orchestrates generation calls.
type App struct {
	catalog  *catalog.Catalog
	text     ai.TextGenerator
	images   ai.ImageGenerator
	usageSrc ai.UsageSource
	drafts   *draft.Manager
	store    store.Store
	brand    BrandSource
	publish  Publisher
	mirror   MirrorEnqueuer
	events   events.Publisher
	logger   *slog.Logger

	sessions *sessionRegistry
	usage    *usage.Registry
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	if cfg.Text == nil {
		return nil, fmt.Errorf("text generator required")
	}
	if cfg.Drafts == nil {
		return nil, fmt.Errorf("draft manager required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	ev := cfg.Events
	if ev == nil {
		ev = events.NoopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		catalog:  cfg.Catalog,
		text:     cfg.Text,
		images:   cfg.Images,
		usageSrc: cfg.Usage,
		drafts:   cfg.Drafts,
		store:    cfg.Store,
		brand:    cfg.Brand,
		publish:  cfg.Publish,
		mirror:   cfg.Mirror,
		events:   ev,
		logger:   logger,
		sessions: newSessionRegistry(),
		usage:    usage.NewRegistry(),
	}, nil
}

// SessionView is what session endpoints return: the live session plus a
// pending recovery offer, when one exists.
type SessionView struct {
	Session  domain.Session    `json:"session"`
	Recovery *draft.Snapshot   `json:"recovery,omitempty"`
	Usage    domain.UsageState `json:"usage"`
}

// StartSession begins a fresh session in the slot and checks once for a
// recoverable draft. An existing non-terminal live session is returned
// as-is instead of being clobbered.
func (a *App) StartSession(ctx context.Context, id Identity, ct domain.ContentType) (SessionView, error) {
	if !ct.Valid() {
		return SessionView{}, fmt.Errorf("unknown content type %q", ct)
	}
	tracker := a.usage.ForUser(id.UserID)
	tracker.SetDailyLimit(quota.ResolveDailyLimit(a.planFor(id), id.Cycle, id.DailyLimitOverride))
	a.resyncUsage(ctx, id.UserID, tracker)

	if ls, ok := a.sessions.get(id.UserID, ct); ok {
		if s := ls.snapshot(); !s.Phase.Terminal() {
			return SessionView{Session: s, Usage: tracker.Snapshot()}, nil
		}
	}

	session := domain.Session{
		ID:          uuid.NewString(),
		UserID:      id.UserID,
		ContentType: ct,
		Phase:       domain.PhaseConfiguring,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if a.brand != nil {
		if profile, found, err := a.brand.Fetch(ctx, id.UserID); err != nil {
			a.logger.Warn("brand profile fetch failed", "user_id", id.UserID, "error", err)
		} else if found {
			session.Brand = profile
		}
	}
	a.sessions.install(session)

	view := SessionView{Session: session, Usage: tracker.Snapshot()}
	snap, found, err := a.drafts.LoadOnStart(ctx, id.UserID, ct)
	if err != nil {
		a.logger.Warn("draft load failed", "user_id", id.UserID, "error", err)
	} else if found {
		view.Recovery = &snap
	}
	return view, nil
}

// CurrentSession returns the live session for the slot.
func (a *App) CurrentSession(id Identity, ct domain.ContentType) (SessionView, error) {
	ls, ok := a.sessions.get(id.UserID, ct)
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	return SessionView{
		Session: ls.snapshot(),
		Usage:   a.usage.ForUser(id.UserID).Snapshot(),
	}, nil
}

// Resume restores the recovered draft into the slot, reconciling an
// orphaned image when the stored prompt matches the latest generated one.
func (a *App) Resume(ctx context.Context, id Identity, ct domain.ContentType) (SessionView, error) {
	snap, found, err := a.drafts.Load(ctx, id.UserID, ct)
	if err != nil {
		return SessionView{}, err
	}
	if !found {
		return SessionView{}, ErrNoRecoveryOffer
	}
	session := a.drafts.Resume(ctx, snap)
	session.UpdatedAt = time.Now().UTC()
	a.sessions.install(session)
	a.persistDraft(ctx, session)
	return SessionView{
		Session: session,
		Usage:   a.usage.ForUser(id.UserID).Snapshot(),
	}, nil
}

// DismissRecovery drops the pending offer; the stored draft stays for a
// later visit.
func (a *App) DismissRecovery(id Identity, ct domain.ContentType) {
	a.drafts.DismissRecovery(id.UserID, ct)
}

// SessionPatch carries partial edits. Nil fields are left untouched.
type SessionPatch struct {
	Subject      *string `json:"subject,omitempty"`
	ToneID       *string `json:"toneId,omitempty"`
	Goal         *string `json:"goal,omitempty"`
	LanguageCode *string `json:"languageCode,omitempty"`

	BrandName   *string  `json:"brandName,omitempty"`
	BrandURL    *string  `json:"brandUrl,omitempty"`
	Description *string  `json:"description,omitempty"`
	Audience    *string  `json:"audience,omitempty"`
	Problem     *string  `json:"problem,omitempty"`
	Palette     []string `json:"palette,omitempty"`

	IncludeBrandName *bool `json:"includeBrandName,omitempty"`
	IncludeLink      *bool `json:"includeLink,omitempty"`
	UseTracking      *bool `json:"useTracking,omitempty"`
	IncludeImage     *bool `json:"includeImage,omitempty"`

	Title           *string `json:"title,omitempty"`
	BodyText        *string `json:"bodyText,omitempty"`
	PublishIdentity *string `json:"publishIdentity,omitempty"`
}

func (p SessionPatch) touchesSettings() bool {
	return p.Subject != nil || p.ToneID != nil || p.Goal != nil || p.LanguageCode != nil ||
		p.BrandName != nil || p.BrandURL != nil || p.Description != nil || p.Audience != nil ||
		p.Problem != nil || p.Palette != nil ||
		p.IncludeBrandName != nil || p.IncludeLink != nil || p.UseTracking != nil || p.IncludeImage != nil
}

// UpdateSession applies edits and persists the draft. Changing settings
// while reviewing drops the session back to Configuring; editing the
// generated text keeps it in Reviewing unless the edit empties it.
func (a *App) UpdateSession(ctx context.Context, id Identity, ct domain.ContentType, patch SessionPatch) (domain.Session, error) {
	ls, ok := a.sessions.get(id.UserID, ct)
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	ls.mu.Lock()
	if ls.session.Phase.Terminal() || ls.session.Phase == domain.PhaseGenerating || ls.session.Phase == domain.PhasePublishing {
		phase := ls.session.Phase
		ls.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: cannot edit in phase %s", ErrInvalidTransition, phase)
	}
	applyPatch(&ls.session, patch)
	// a reviewing session always carries text; emptying the body sends it
	// back to configuring just like a settings change does
	if ls.session.Phase == domain.PhaseReviewing &&
		(patch.touchesSettings() || strings.TrimSpace(ls.session.BodyText) == "") {
		ls.session.Phase = domain.PhaseConfiguring
	}
	ls.session.UpdatedAt = time.Now().UTC()
	session := ls.session
	ls.mu.Unlock()

	a.persistDraft(ctx, session)
	return session, nil
}

func applyPatch(s *domain.Session, p SessionPatch) {
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	setString(&s.Subject, p.Subject)
	setString(&s.ToneID, p.ToneID)
	setString(&s.Goal, p.Goal)
	setString(&s.LanguageCode, p.LanguageCode)
	setString(&s.Brand.BrandName, p.BrandName)
	setString(&s.Brand.BrandURL, p.BrandURL)
	setString(&s.Brand.Description, p.Description)
	setString(&s.Brand.Audience, p.Audience)
	setString(&s.Brand.Problem, p.Problem)
	if p.Palette != nil {
		s.Brand.Palette = p.Palette
	}
	if p.IncludeBrandName != nil {
		s.IncludeBrandName = *p.IncludeBrandName
	}
	if p.IncludeLink != nil {
		s.IncludeLink = *p.IncludeLink
	}
	if p.UseTracking != nil {
		s.UseTracking = *p.UseTracking
	}
	if p.IncludeImage != nil {
		s.IncludeImage = *p.IncludeImage
	}
	setString(&s.Title, p.Title)
	if p.BodyText != nil {
		s.BodyText = *p.BodyText
	}
	setString(&s.PublishIdentity, p.PublishIdentity)
}

// Publish submits the reviewed content. On failure the session reverts to
// Reviewing with the draft intact so a retry costs nothing.
func (a *App) Publish(ctx context.Context, id Identity, ct domain.ContentType) (domain.PublishedPost, error) {
	ls, ok := a.sessions.get(id.UserID, ct)
	if !ok {
		return domain.PublishedPost{}, ErrSessionNotFound
	}

	ls.mu.Lock()
	if strings.TrimSpace(ls.session.BodyText) == "" {
		ls.mu.Unlock()
		return domain.PublishedPost{}, ErrNoContent
	}
	if err := ls.transitionLocked(domain.PhasePublishing); err != nil {
		ls.mu.Unlock()
		return domain.PublishedPost{}, err
	}
	session := ls.session
	ls.mu.Unlock()

	trackingURL := ""
	if session.UseTracking && session.IncludeLink && session.Brand.BrandURL != "" && a.planFor(id).AllowTracking {
		url, err := a.publish.CreateTrackingLink(ctx, id.UserID, session.Brand.BrandURL)
		if err != nil {
			// a missing tracking link never blocks the post itself
			a.logger.Warn("tracking link failed", "user_id", id.UserID, "error", err)
		} else {
			trackingURL = url
		}
	}

	result, err := a.publish.Publish(ctx, publishclient.Request{
		UserID:      id.UserID,
		Type:        ct.BackendType(),
		Title:       session.Title,
		Body:        session.BodyText,
		ImageURL:    session.ImageURL,
		Identity:    strings.TrimSpace(session.PublishIdentity),
		TrackingURL: trackingURL,
	})
	if err != nil {
		if revertErr := ls.transition(domain.PhaseReviewing); revertErr != nil {
			a.logger.Error("publish revert failed", "session_id", session.ID, "error", revertErr)
		}
		return domain.PublishedPost{}, err
	}

	if err := ls.transition(domain.PhasePublished); err != nil {
		return domain.PublishedPost{}, err
	}
	postID := result.PostID
	if postID == "" {
		postID = uuid.NewString()
	}
	post := domain.PublishedPost{
		ID:          postID,
		UserID:      id.UserID,
		ContentType: ct,
		Title:       session.Title,
		Body:        session.BodyText,
		ImageURL:    session.ImageURL,
		Identity:    strings.TrimSpace(session.PublishIdentity),
		TrackingURL: trackingURL,
		Brand:       session.Brand,
		PublishedAt: time.Now().UTC(),
	}
	if err := a.store.SavePublishedPost(post); err != nil {
		a.logger.Error("archive published post failed", "post_id", post.ID, "error", err)
	}
	if err := a.drafts.Clear(ctx, id.UserID, ct); err != nil {
		a.logger.Warn("clear draft after publish failed", "user_id", id.UserID, "error", err)
	}
	if err := a.events.Publish(ctx, events.RoutePostPublished, post); err != nil {
		a.logger.Warn("publish event failed", "post_id", post.ID, "error", err)
	}
	a.logger.Info("post published", "user_id", id.UserID, "post_id", post.ID, "permalink", result.PermalinkURL)
	return post, nil
}

// Discard terminates the session and deletes the draft slot. In-flight
// generation calls complete on their own; their results are dropped.
func (a *App) Discard(ctx context.Context, id Identity, ct domain.ContentType) error {
	ls, ok := a.sessions.get(id.UserID, ct)
	if !ok {
		// no live session; still clear any stored draft
		return a.drafts.Discard(ctx, id.UserID, ct)
	}
	if err := ls.transition(domain.PhaseDiscarded); err != nil {
		return err
	}
	session := ls.snapshot()
	a.sessions.remove(id.UserID, ct)
	if err := a.drafts.Discard(ctx, id.UserID, ct); err != nil {
		return err
	}
	if err := a.events.Publish(ctx, events.RouteSessionDiscarded, map[string]string{
		"sessionId":   session.ID,
		"userId":      id.UserID,
		"contentType": string(ct),
	}); err != nil {
		a.logger.Warn("discard event failed", "session_id", session.ID, "error", err)
	}
	return nil
}

// Usage resyncs the cached usage numbers from the backend and returns the
// fresh snapshot.
func (a *App) Usage(ctx context.Context, id Identity) (domain.UsageState, error) {
	tracker := a.usage.ForUser(id.UserID)
	tracker.SetDailyLimit(quota.ResolveDailyLimit(a.planFor(id), id.Cycle, id.DailyLimitOverride))
	if a.usageSrc != nil {
		seq := tracker.Begin()
		u, err := a.usageSrc.FetchUsage(ctx, id.UserID)
		if err != nil {
			return tracker.Snapshot(), err
		}
		tracker.Apply(seq, u.Credits, u.DailyUsagePoints)
	}
	return tracker.Snapshot(), nil
}

// ListPosts returns the user's published-post history, newest first.
func (a *App) ListPosts(id Identity, limit int) ([]domain.PublishedPost, error) {
	return a.store.ListPostsByUser(id.UserID, limit)
}

func (a *App) planFor(id Identity) domain.Plan {
	snap, ok := a.catalog.Snapshot()
	if !ok {
		return domain.Plan{}
	}
	plan, _ := snap.PlanByID(id.PlanID)
	return plan
}

func (a *App) persistDraft(ctx context.Context, session domain.Session) {
	if err := a.drafts.Persist(ctx, session); err != nil {
		a.logger.Warn("draft persist failed", "session_id", session.ID, "error", err)
	}
}

func (a *App) resyncUsage(ctx context.Context, userID string, tracker *usage.Tracker) {
	if a.usageSrc == nil {
		return
	}
	seq := tracker.Begin()
	u, err := a.usageSrc.FetchUsage(ctx, userID)
	if err != nil {
		a.logger.Warn("usage resync failed", "user_id", userID, "error", err)
		return
	}
	tracker.Apply(seq, u.Credits, u.DailyUsagePoints)
}

func (a *App) appendLedger(userID, action string, cost int, u ai.Usage) {
	entry := domain.UsageEntry{
		ID:               uuid.NewString(),
		UserID:           userID,
		Action:           action,
		Cost:             cost,
		CreditBalance:    u.Credits,
		DailyUsagePoints: u.DailyUsagePoints,
		CreatedAt:        time.Now().UTC(),
	}
	if err := a.store.AppendUsageEntry(entry); err != nil {
		a.logger.Warn("usage ledger append failed", "user_id", userID, "error", err)
	}
}

// isSpendRejection reports whether the backend refused the spend, as
// opposed to a generic failure.
func isSpendRejection(err error) bool {
	return errors.Is(err, domain.ErrInsufficientCredits) || errors.Is(err, domain.ErrDailyLimitReached)
}
