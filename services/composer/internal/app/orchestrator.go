package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"postpilot/pkg/ai"
	"postpilot/pkg/domain"
	"postpilot/pkg/quota"
)

// CostQuote is the priced precheck shown in the confirmation modal and in
// blocking responses.
type CostQuote struct {
	Action string       `json:"action"`
	Cost   int          `json:"cost"`
	Check  quota.Result `json:"check"`
}

// GenerateResult is the outcome of a spend operation. When the image was
// fanned out, ImagePending is true and the URL arrives on the session
// later.
type GenerateResult struct {
	Session      domain.Session    `json:"session"`
	Quote        CostQuote         `json:"quote"`
	Usage        domain.UsageState `json:"usage"`
	ImagePending bool              `json:"imagePending"`
}

const imageCallTimeout = 2 * time.Minute

// Generate runs one generation cycle. The text call is awaited; a
// requested image is fanned out concurrently and attached to the session
// when it resolves, so image latency never delays the text artifact.
// A generate over existing content is confirmation-gated: the first pass
// returns ErrConfirmationRequired with the quote, the confirmed retry
// spends.
func (a *App) Generate(ctx context.Context, id Identity, ct domain.ContentType, mode domain.GenerationMode, confirmed bool) (GenerateResult, error) {
	if !mode.Valid() {
		return GenerateResult{}, ErrInvalidMode
	}
	ls, ok := a.sessions.get(id.UserID, ct)
	if !ok {
		return GenerateResult{}, ErrSessionNotFound
	}

	ls.mu.Lock()
	session := ls.session
	ls.mu.Unlock()
	if session.Phase != domain.PhaseConfiguring && session.Phase != domain.PhaseReviewing {
		return GenerateResult{}, fmt.Errorf("%w: generate in phase %s", ErrInvalidTransition, session.Phase)
	}
	// generated artifacts are always anchored to a subject
	if strings.TrimSpace(session.Subject) == "" {
		return GenerateResult{}, ErrNoSubject
	}

	plan := a.planFor(id)
	wantImage := mode.WantsImage() && session.IncludeImage && plan.AllowImages
	if mode == domain.ModeImageOnly {
		if !session.IncludeImage || !plan.AllowImages {
			return GenerateResult{}, ErrImagesNotAllowed
		}
		if strings.TrimSpace(session.BodyText) == "" {
			return GenerateResult{}, ErrNoContent
		}
	}

	snap, loaded := a.catalog.Snapshot()
	if !loaded {
		return GenerateResult{}, fmt.Errorf("cost catalog not loaded")
	}
	cost := mode.Cost(snap.Costs, ct, session.IncludeImage, plan.AllowImages)
	quote := CostQuote{Action: "generate", Cost: cost}

	tracker := a.usage.ForUser(id.UserID)
	quote.Check = quota.Check(quota.Input{
		Cost:               cost,
		Usage:              tracker.Snapshot(),
		Plan:               plan,
		Cycle:              id.Cycle,
		Role:               id.Role,
		OverrideDailyLimit: id.DailyLimitOverride,
	})
	if err := quote.Check.Err(); err != nil {
		return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, err
	}
	// spending to discard visible progress is never silent
	if session.HasGeneratedContent() && !confirmed {
		return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, ErrConfirmationRequired
	}

	if mode.WantsText() {
		prePhase := session.Phase
		if err := ls.transition(domain.PhaseGenerating); err != nil {
			return GenerateResult{}, err
		}
		seq := tracker.Begin()
		res, err := a.text.GenerateText(ctx, ai.TextRequest{
			UserID:  id.UserID,
			Type:    ct.BackendType(),
			Prompt:  buildTextPrompt(session),
			Context: buildBrandContext(session.Brand),
		})
		if err != nil {
			if revertErr := ls.transition(prePhase); revertErr != nil {
				a.logger.Error("generate revert failed", "session_id", session.ID, "error", revertErr)
			}
			return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, err
		}
		tracker.Apply(seq, res.Usage.Credits, res.Usage.DailyUsagePoints)
		a.appendLedger(id.UserID, "generate_text", snap.Costs.TextCost(ct), res.Usage)

		ls.mu.Lock()
		ls.session.BodyText = res.Text
		if wantImage && ls.session.ImagePrompt == "" {
			ls.session.ImagePrompt = buildImagePrompt(ls.session)
		}
		if err := ls.transitionLocked(domain.PhaseReviewing); err != nil {
			ls.mu.Unlock()
			return GenerateResult{}, err
		}
		session = ls.session
		ls.mu.Unlock()
	} else if wantImage && session.ImagePrompt == "" {
		ls.mu.Lock()
		ls.session.ImagePrompt = buildImagePrompt(ls.session)
		ls.session.UpdatedAt = time.Now().UTC()
		session = ls.session
		ls.mu.Unlock()
	}

	if wantImage {
		a.launchImage(id, session.ID, ct, session.ImagePrompt, snap.Costs.Image)
	}

	a.persistDraft(ctx, session)
	return GenerateResult{
		Session:      session,
		Quote:        quote,
		Usage:        tracker.Snapshot(),
		ImagePending: wantImage,
	}, nil
}

// Refine re-sends the current text with an instruction and replaces the
// body on success. Always confirmation-gated; the image is untouched.
func (a *App) Refine(ctx context.Context, id Identity, ct domain.ContentType, instruction string, confirmed bool) (GenerateResult, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return GenerateResult{}, fmt.Errorf("instruction required")
	}
	ls, ok := a.sessions.get(id.UserID, ct)
	if !ok {
		return GenerateResult{}, ErrSessionNotFound
	}
	session := ls.snapshot()
	if session.Phase != domain.PhaseReviewing {
		return GenerateResult{}, fmt.Errorf("%w: refine in phase %s", ErrInvalidTransition, session.Phase)
	}
	if strings.TrimSpace(session.BodyText) == "" {
		return GenerateResult{}, ErrNoContent
	}

	snap, loaded := a.catalog.Snapshot()
	if !loaded {
		return GenerateResult{}, fmt.Errorf("cost catalog not loaded")
	}
	plan := a.planFor(id)
	cost := snap.Costs.TextCost(ct)
	quote := CostQuote{Action: "refine", Cost: cost}

	tracker := a.usage.ForUser(id.UserID)
	quote.Check = quota.Check(quota.Input{
		Cost:               cost,
		Usage:              tracker.Snapshot(),
		Plan:               plan,
		Cycle:              id.Cycle,
		Role:               id.Role,
		OverrideDailyLimit: id.DailyLimitOverride,
	})
	if err := quote.Check.Err(); err != nil {
		return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, err
	}
	if !confirmed {
		return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, ErrConfirmationRequired
	}

	if err := ls.transition(domain.PhaseGenerating); err != nil {
		return GenerateResult{}, err
	}
	seq := tracker.Begin()
	res, err := a.text.GenerateText(ctx, ai.TextRequest{
		UserID:  id.UserID,
		Type:    ct.BackendType(),
		Prompt:  instruction,
		Context: session.BodyText,
	})
	if err != nil {
		if revertErr := ls.transition(domain.PhaseReviewing); revertErr != nil {
			a.logger.Error("refine revert failed", "session_id", session.ID, "error", revertErr)
		}
		return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, err
	}
	tracker.Apply(seq, res.Usage.Credits, res.Usage.DailyUsagePoints)
	a.appendLedger(id.UserID, "refine", cost, res.Usage)

	ls.mu.Lock()
	ls.session.BodyText = res.Text
	if err := ls.transitionLocked(domain.PhaseReviewing); err != nil {
		ls.mu.Unlock()
		return GenerateResult{}, err
	}
	session = ls.session
	ls.mu.Unlock()

	a.persistDraft(ctx, session)
	return GenerateResult{Session: session, Quote: quote, Usage: tracker.Snapshot()}, nil
}

// RegenerateImage re-prompts with the session's existing image prompt,
// independent of the text. Confirmation-gated like any regeneration.
func (a *App) RegenerateImage(ctx context.Context, id Identity, ct domain.ContentType, confirmed bool) (GenerateResult, error) {
	ls, ok := a.sessions.get(id.UserID, ct)
	if !ok {
		return GenerateResult{}, ErrSessionNotFound
	}
	session := ls.snapshot()
	if session.Phase != domain.PhaseReviewing {
		return GenerateResult{}, fmt.Errorf("%w: regenerate image in phase %s", ErrInvalidTransition, session.Phase)
	}
	if strings.TrimSpace(session.ImagePrompt) == "" {
		return GenerateResult{}, ErrNoImagePrompt
	}
	plan := a.planFor(id)
	if !session.IncludeImage || !plan.AllowImages {
		return GenerateResult{}, ErrImagesNotAllowed
	}

	snap, loaded := a.catalog.Snapshot()
	if !loaded {
		return GenerateResult{}, fmt.Errorf("cost catalog not loaded")
	}
	cost := snap.Costs.Image
	quote := CostQuote{Action: "regenerate_image", Cost: cost}

	tracker := a.usage.ForUser(id.UserID)
	quote.Check = quota.Check(quota.Input{
		Cost:               cost,
		Usage:              tracker.Snapshot(),
		Plan:               plan,
		Cycle:              id.Cycle,
		Role:               id.Role,
		OverrideDailyLimit: id.DailyLimitOverride,
	})
	if err := quote.Check.Err(); err != nil {
		return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, err
	}
	if !confirmed {
		return GenerateResult{Quote: quote, Usage: tracker.Snapshot()}, ErrConfirmationRequired
	}

	a.launchImage(id, session.ID, ct, session.ImagePrompt, cost)
	a.persistDraft(ctx, session)
	return GenerateResult{
		Session:      session,
		Quote:        quote,
		Usage:        tracker.Snapshot(),
		ImagePending: true,
	}, nil
}

// launchImage fans the image call out on its own goroutine. There is no
// hard cancellation: a discarded session lets the call finish and the
// result is simply not attached. The usage sequence is stamped at issue
// time so a slow image response cannot clobber fresher balances.
func (a *App) launchImage(id Identity, sessionID string, ct domain.ContentType, prompt string, cost int) {
	tracker := a.usage.ForUser(id.UserID)
	seq := tracker.Begin()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), imageCallTimeout)
		defer cancel()

		res, err := a.images.GenerateImage(ctx, id.UserID, prompt)
		if err != nil {
			if isSpendRejection(err) {
				a.logger.Info("image generation refused by backend", "user_id", id.UserID, "error", err)
			} else {
				a.logger.Warn("image generation failed", "user_id", id.UserID, "error", err)
			}
			return
		}
		tracker.Apply(seq, res.Usage.Credits, res.Usage.DailyUsagePoints)
		a.appendLedger(id.UserID, "generate_image", cost, res.Usage)

		asset := domain.ImageAsset{
			ID:        uuid.NewString(),
			UserID:    id.UserID,
			Prompt:    prompt,
			SourceURL: res.URL,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.SaveImageAsset(asset); err != nil {
			a.logger.Warn("image asset save failed", "asset_id", asset.ID, "error", err)
		} else if a.mirror != nil {
			if _, err := a.mirror.Enqueue(ctx, asset.ID, res.URL); err != nil {
				a.logger.Warn("image mirror enqueue failed", "asset_id", asset.ID, "error", err)
			}
		}

		ls, ok := a.sessions.get(id.UserID, ct)
		if !ok {
			return
		}
		ls.mu.Lock()
		if ls.session.ID != sessionID || ls.session.Phase.Terminal() {
			ls.mu.Unlock()
			return
		}
		ls.session.ImageURL = res.URL
		ls.session.UpdatedAt = time.Now().UTC()
		session := ls.session
		ls.mu.Unlock()

		a.persistDraft(ctx, session)
	}()
}

// buildTextPrompt assembles the generation prompt from the session
// settings. Prompt wording is deliberately plain; the backend owns the
// actual prompt engineering.
func buildTextPrompt(s domain.Session) string {
	parts := make([]string, 0, 4)
	if s.Subject != "" {
		parts = append(parts, "Subject: "+s.Subject)
	}
	if s.Goal != "" {
		parts = append(parts, "Goal: "+s.Goal)
	}
	if s.ToneID != "" {
		parts = append(parts, "Tone: "+s.ToneID)
	}
	if s.LanguageCode != "" {
		parts = append(parts, "Language: "+s.LanguageCode)
	}
	return strings.Join(parts, "\n")
}

func buildBrandContext(b domain.BrandProfile) string {
	parts := make([]string, 0, 4)
	if b.BrandName != "" {
		parts = append(parts, "Brand: "+b.BrandName)
	}
	if b.Description != "" {
		parts = append(parts, b.Description)
	}
	if b.Audience != "" {
		parts = append(parts, "Audience: "+b.Audience)
	}
	if b.Problem != "" {
		parts = append(parts, "Problem: "+b.Problem)
	}
	return strings.Join(parts, "\n")
}

func buildImagePrompt(s domain.Session) string {
	parts := make([]string, 0, 2)
	if s.Subject != "" {
		parts = append(parts, s.Subject)
	}
	if len(s.Brand.Palette) > 0 {
		parts = append(parts, "palette "+strings.Join(s.Brand.Palette, ", "))
	}
	return strings.Join(parts, ", ")
}
