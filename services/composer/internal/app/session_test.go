package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"postpilot/pkg/domain"
	"postpilot/services/composer/internal/publishclient"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to domain.SessionPhase
		ok       bool
	}{
		{domain.PhaseIdle, domain.PhaseConfiguring, true},
		{domain.PhaseIdle, domain.PhaseGenerating, false},
		{domain.PhaseConfiguring, domain.PhaseGenerating, true},
		{domain.PhaseConfiguring, domain.PhaseReviewing, false},
		{domain.PhaseConfiguring, domain.PhaseDiscarded, true},
		{domain.PhaseGenerating, domain.PhaseReviewing, true},
		{domain.PhaseGenerating, domain.PhaseConfiguring, true},
		{domain.PhaseReviewing, domain.PhaseGenerating, true},
		{domain.PhaseReviewing, domain.PhaseConfiguring, true},
		{domain.PhaseReviewing, domain.PhasePublishing, true},
		{domain.PhaseReviewing, domain.PhasePublished, false},
		{domain.PhasePublishing, domain.PhasePublished, true},
		{domain.PhasePublishing, domain.PhaseReviewing, true},
		{domain.PhasePublishing, domain.PhaseDiscarded, false},
		{domain.PhasePublished, domain.PhaseConfiguring, false},
		{domain.PhaseDiscarded, domain.PhaseConfiguring, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestLiveSessionTransitionRejectsInvalid(t *testing.T) {
	ls := &liveSession{session: domain.Session{Phase: domain.PhaseConfiguring}}
	if err := ls.transition(domain.PhasePublished); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if ls.snapshot().Phase != domain.PhaseConfiguring {
		t.Fatalf("phase mutated by rejected transition")
	}
}

// reviewingSession installs a session that already has generated content,
// as if a generate cycle just finished.
func reviewingSession(t *testing.T, env *testEnv, id Identity, ct domain.ContentType) domain.Session {
	t.Helper()
	startConfiguring(t, env, id, ct)
	if _, err := env.app.Generate(context.Background(), id, ct, domain.ModeTextOnly, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	view, err := env.app.CurrentSession(id, ct)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	return view.Session
}

func TestUpdateSettingsDropsBackToConfiguring(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)

	goal := "drive signups"
	session, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{Goal: &goal})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if session.Phase != domain.PhaseConfiguring {
		t.Fatalf("phase = %s, want configuring after settings edit", session.Phase)
	}
	if session.BodyText != "generated copy" {
		t.Fatalf("settings edit must not drop generated text")
	}
}

func TestEditingBodyStaysInReviewing(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)

	body := "hand-tuned copy"
	session, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{BodyText: &body})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if session.Phase != domain.PhaseReviewing {
		t.Fatalf("phase = %s, want reviewing after artifact edit", session.Phase)
	}
	if session.BodyText != "hand-tuned copy" {
		t.Fatalf("bodyText = %q", session.BodyText)
	}
}

func TestEmptyingBodyDropsBackToConfiguring(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)

	body := "   "
	session, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{BodyText: &body})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if session.Phase != domain.PhaseConfiguring {
		t.Fatalf("phase = %s, want configuring once the body is emptied", session.Phase)
	}
}

func TestPublishSuccessArchivesAndClearsDraft(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)
	identity := "acct-main"
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{PublishIdentity: &identity}); err != nil {
		t.Fatalf("set identity: %v", err)
	}

	post, err := env.app.Publish(context.Background(), id, domain.ContentPost)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if post.ID != "p1" || post.Body != "generated copy" || post.Identity != "acct-main" {
		t.Fatalf("archived post = %+v", post)
	}

	view, err := env.app.CurrentSession(id, domain.ContentPost)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if view.Session.Phase != domain.PhasePublished {
		t.Fatalf("phase = %s, want published", view.Session.Phase)
	}
	if _, found, _ := env.drafts.Load(context.Background(), id.UserID, domain.ContentPost); found {
		t.Fatalf("draft survived a terminal publish")
	}
	posts, err := env.store.ListPostsByUser(id.UserID, 10)
	if err != nil || len(posts) != 1 {
		t.Fatalf("archived posts = %d err=%v", len(posts), err)
	}
	keys := env.events.published()
	if len(keys) != 1 || keys[0] != "post.published" {
		t.Fatalf("events = %v", keys)
	}
}

func TestPublishFailureRevertsKeepingDraft(t *testing.T) {
	env := newTestEnv(t)
	env.pub.err = domain.ErrPublishFailed
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)

	if _, err := env.app.Publish(context.Background(), id, domain.ContentPost); !errors.Is(err, domain.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}
	view, err := env.app.CurrentSession(id, domain.ContentPost)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if view.Session.Phase != domain.PhaseReviewing {
		t.Fatalf("phase = %s, want reviewing after failed publish", view.Session.Phase)
	}
	if view.Session.BodyText != "generated copy" {
		t.Fatalf("failed publish lost the draft text")
	}
	if _, found, _ := env.drafts.Load(context.Background(), id.UserID, domain.ContentPost); !found {
		t.Fatalf("draft cleared by failed publish")
	}

	// retry costs nothing and succeeds
	env.pub.err = nil
	if _, err := env.app.Publish(context.Background(), id, domain.ContentPost); err != nil {
		t.Fatalf("retry publish: %v", err)
	}
}

func TestPublishUsesTrackingLinkWhenPlanAllows(t *testing.T) {
	env := newTestEnv(t)
	env.pub.trackURL = "https://trk.example/abc"
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)
	on := true
	brandURL := "https://acme.example"
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{
		IncludeLink: &on,
		UseTracking: &on,
		BrandURL:    &brandURL,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// settings edit dropped the session to Configuring; publish needs review
	ls, _ := env.app.sessions.get(id.UserID, domain.ContentPost)
	ls.mu.Lock()
	ls.session.Phase = domain.PhaseReviewing
	ls.mu.Unlock()

	post, err := env.app.Publish(context.Background(), id, domain.ContentPost)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if post.TrackingURL != "https://trk.example/abc" {
		t.Fatalf("trackingUrl = %q", post.TrackingURL)
	}
	if env.pub.req.TrackingURL != "https://trk.example/abc" {
		t.Fatalf("tracking url not sent to publisher: %+v", env.pub.req)
	}
}

func TestPublishWithoutContent(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	if _, err := env.app.Publish(context.Background(), id, domain.ContentPost); !errors.Is(err, ErrNoContent) {
		t.Fatalf("want ErrNoContent, got %v", err)
	}
}

func TestDiscardIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)

	if err := env.app.Discard(context.Background(), id, domain.ContentPost); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := env.app.CurrentSession(id, domain.ContentPost); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	if _, found, _ := env.drafts.Load(context.Background(), id.UserID, domain.ContentPost); found {
		t.Fatalf("draft survived discard")
	}
	keys := env.events.published()
	if len(keys) != 1 || keys[0] != "session.discarded" {
		t.Fatalf("events = %v", keys)
	}
}

func TestPublishedPostCarriesBrandSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.pub.res = publishclient.Result{PostID: "p9", PermalinkURL: "https://social.example/p9"}
	id := proUser()
	reviewingSession(t, env, id, domain.ContentPost)
	name := "Acme"
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{BrandName: &name}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ls, _ := env.app.sessions.get(id.UserID, domain.ContentPost)
	ls.mu.Lock()
	ls.session.Phase = domain.PhaseReviewing
	ls.mu.Unlock()

	post, err := env.app.Publish(context.Background(), id, domain.ContentPost)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if post.Brand.BrandName != "Acme" {
		t.Fatalf("brand snapshot = %+v", post.Brand)
	}
	if post.PublishedAt.IsZero() || time.Since(post.PublishedAt) > time.Minute {
		t.Fatalf("publishedAt = %v", post.PublishedAt)
	}
}
