package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"postpilot/pkg/ai"
	"postpilot/pkg/catalog"
	"postpilot/pkg/domain"
	"postpilot/pkg/draft"
	"postpilot/pkg/store"
	"postpilot/services/composer/internal/publishclient"
)

type fakeText struct {
	mu    sync.Mutex
	calls []ai.TextRequest
	res   ai.TextResult
	err   error
}

func (f *fakeText) GenerateText(_ context.Context, req ai.TextRequest) (ai.TextResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.res, f.err
}

func (f *fakeText) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeImages struct {
	gate chan struct{} // when non-nil, GenerateImage blocks until closed
	res  ai.ImageResult
	err  error
}

func (f *fakeImages) GenerateImage(ctx context.Context, _, _ string) (ai.ImageResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ai.ImageResult{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func (f *fakeImages) LatestImage(context.Context, string) (ai.LatestImage, bool, error) {
	return ai.LatestImage{}, false, nil
}

type fakeUsage struct {
	u   ai.Usage
	err error
}

func (f fakeUsage) FetchUsage(context.Context, string) (ai.Usage, error) {
	return f.u, f.err
}

type fakePublisher struct {
	mu       sync.Mutex
	req      publishclient.Request
	res      publishclient.Result
	err      error
	trackURL string
	trackErr error
}

func (f *fakePublisher) Publish(_ context.Context, req publishclient.Request) (publishclient.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	return f.res, f.err
}

func (f *fakePublisher) CreateTrackingLink(context.Context, string, string) (string, error) {
	return f.trackURL, f.trackErr
}

type recordingEvents struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingEvents) Publish(_ context.Context, routingKey string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, routingKey)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func loadedCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/config":
			_, _ = w.Write([]byte(`{"creditCosts":{"comment":1,"post":2,"image":3}}`))
		case "/api/plans":
			_, _ = w.Write([]byte(`[
				{"id":"pro","name":"Pro","dailyLimitMonthly":10,"dailyLimitYearly":12,"allowImages":true,"allowTracking":true},
				{"id":"free","name":"Free","dailyLimitMonthly":5,"allowImages":false,"allowTracking":false}
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	c := catalog.New(catalog.NewClient(srv.URL))
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

type testEnv struct {
	app    *App
	drafts *draft.Manager
	store  *store.MemoryStore
	text   *fakeText
	images *fakeImages
	pub    *fakePublisher
	events *recordingEvents
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		drafts: draft.NewManager(draft.NewMemoryStore(), nil),
		store:  store.NewMemoryStore(),
		text:   &fakeText{res: ai.TextResult{Text: "generated copy", Usage: ai.Usage{Credits: 98, DailyUsagePoints: 2}}},
		images: &fakeImages{res: ai.ImageResult{URL: "https://img.example/1.png", Usage: ai.Usage{Credits: 95, DailyUsagePoints: 5}}},
		pub:    &fakePublisher{res: publishclient.Result{PostID: "p1"}},
		events: &recordingEvents{},
	}
	a, err := New(Config{
		Catalog: loadedCatalog(t),
		Text:    env.text,
		Images:  env.images,
		Usage:   fakeUsage{u: ai.Usage{Credits: 100}},
		Drafts:  env.drafts,
		Store:   env.store,
		Publish: env.pub,
		Events:  env.events,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

func proUser() Identity {
	return Identity{UserID: "u1", Role: domain.RoleUser, PlanID: "pro", Cycle: domain.CycleMonthly}
}

func freeUser() Identity {
	return Identity{UserID: "u2", Role: domain.RoleUser, PlanID: "free", Cycle: domain.CycleMonthly}
}

// startConfiguring boots a session and returns it in Configuring with a
// subject set so drafts are nontrivial once content lands.
func startConfiguring(t *testing.T, env *testEnv, id Identity, ct domain.ContentType) domain.Session {
	t.Helper()
	view, err := env.app.StartSession(context.Background(), id, ct)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	subject := "launch week"
	session, err := env.app.UpdateSession(context.Background(), id, ct, SessionPatch{Subject: &subject})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	if session.ID != view.Session.ID {
		t.Fatalf("session id changed on update")
	}
	return session
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGenerateTextCommitsResultAndUsage(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)

	res, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Session.BodyText != "generated copy" {
		t.Fatalf("bodyText = %q", res.Session.BodyText)
	}
	if res.Session.Phase != domain.PhaseReviewing {
		t.Fatalf("phase = %s, want reviewing", res.Session.Phase)
	}
	if res.Usage.CreditBalance != 98 || res.Usage.DailyUsagePoints != 2 {
		t.Fatalf("usage = %+v", res.Usage)
	}
	if res.ImagePending {
		t.Fatalf("text-only generate reported a pending image")
	}
	if env.text.calls[0].Type != "tweet" {
		t.Fatalf("backend type = %q, want tweet", env.text.calls[0].Type)
	}

	entries, err := env.store.ListUsageEntries(id.UserID, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %d err=%v", len(entries), err)
	}
	if entries[0].Action != "generate_text" || entries[0].Cost != 2 {
		t.Fatalf("ledger entry = %+v", entries[0])
	}
}

func TestGeneratePersistsDraft(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)

	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	snap, found, err := env.drafts.Load(context.Background(), id.UserID, domain.ContentPost)
	if err != nil || !found {
		t.Fatalf("draft after generate: found=%v err=%v", found, err)
	}
	if snap.Session.BodyText != "generated copy" {
		t.Fatalf("draft bodyText = %q", snap.Session.BodyText)
	}
}

func TestGenerateRequiresSubject(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	if _, err := env.app.StartSession(context.Background(), id, domain.ContentPost); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, mode := range []domain.GenerationMode{domain.ModeTextOnly, domain.ModeTextAndImage, domain.ModeImageOnly} {
		if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, mode, true); !errors.Is(err, ErrNoSubject) {
			t.Fatalf("mode %s: want ErrNoSubject, got %v", mode, err)
		}
	}
	if env.text.callCount() != 0 {
		t.Fatalf("backend called despite missing subject")
	}

	// a whitespace-only subject is no subject
	subject := "   "
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{Subject: &subject}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false); !errors.Is(err, ErrNoSubject) {
		t.Fatalf("want ErrNoSubject for blank subject, got %v", err)
	}
}

func TestGenerateBlockedOnInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	// a later spend elsewhere leaves only 1 credit; a post costs 2
	tracker := env.app.usage.ForUser(id.UserID)
	tracker.Apply(tracker.Begin(), 1, 0)

	res, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits, got %v", err)
	}
	if res.Quote.Check.Required != 2 || res.Quote.Check.Available != 1 {
		t.Fatalf("quote check = %+v", res.Quote.Check)
	}
	if env.text.callCount() != 0 {
		t.Fatalf("backend called despite precheck block")
	}
}

func TestGenerateDailyLimitCheckedBeforeCredits(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	// both would block: 9 points on a limit of 10, and only 1 credit
	tracker := env.app.usage.ForUser(id.UserID)
	tracker.Apply(tracker.Begin(), 1, 9)

	_, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false)
	if !errors.Is(err, domain.ErrDailyLimitReached) {
		t.Fatalf("want ErrDailyLimitReached, got %v", err)
	}
}

func TestGenerateAdminBypassesQuota(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	id.Role = domain.RoleAdmin
	startConfiguring(t, env, id, domain.ContentPost)
	tracker := env.app.usage.ForUser(id.UserID)
	tracker.Apply(tracker.Begin(), 0, 0)

	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false); err != nil {
		t.Fatalf("admin generate: %v", err)
	}
}

func TestServerRejectionSurfacesLikePrecheck(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	env.text.err = domain.ErrDailyLimitReached

	_, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false)
	if !errors.Is(err, domain.ErrDailyLimitReached) {
		t.Fatalf("want ErrDailyLimitReached, got %v", err)
	}
	view, err := env.app.CurrentSession(id, domain.ContentPost)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if view.Session.Phase != domain.PhaseConfiguring {
		t.Fatalf("phase after server rejection = %s, want configuring", view.Session.Phase)
	}
}

func TestGenerateOverExistingContentRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false); err != nil {
		t.Fatalf("first generate: %v", err)
	}

	res, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false)
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("want ErrConfirmationRequired, got %v", err)
	}
	if res.Quote.Cost != 2 {
		t.Fatalf("quote cost = %d, want 2", res.Quote.Cost)
	}
	if env.text.callCount() != 1 {
		t.Fatalf("backend called without confirmation")
	}

	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, true); err != nil {
		t.Fatalf("confirmed regenerate: %v", err)
	}
	if env.text.callCount() != 2 {
		t.Fatalf("confirmed regenerate did not reach backend")
	}
}

func TestImageFanOutDoesNotBlockText(t *testing.T) {
	env := newTestEnv(t)
	env.images.gate = make(chan struct{})
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	include := true
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{IncludeImage: &include}); err != nil {
		t.Fatalf("enable image: %v", err)
	}

	res, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextAndImage, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Session.BodyText != "generated copy" || res.Session.ImageURL != "" {
		t.Fatalf("text must land before the image: %+v", res.Session)
	}
	if !res.ImagePending {
		t.Fatalf("expected pending image")
	}
	if res.Session.ImagePrompt == "" {
		t.Fatalf("image prompt was not derived")
	}

	close(env.images.gate)
	waitFor(t, "image attach", func() bool {
		view, err := env.app.CurrentSession(id, domain.ContentPost)
		return err == nil && view.Session.ImageURL == "https://img.example/1.png"
	})

	asset, found, err := env.store.LatestImageByUser(id.UserID)
	if err != nil || !found {
		t.Fatalf("image asset: found=%v err=%v", found, err)
	}
	if asset.SourceURL != "https://img.example/1.png" {
		t.Fatalf("asset url = %q", asset.SourceURL)
	}
}

func TestLateImageResultNotAttachedAfterDiscard(t *testing.T) {
	env := newTestEnv(t)
	env.images.gate = make(chan struct{})
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	include := true
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{IncludeImage: &include}); err != nil {
		t.Fatalf("enable image: %v", err)
	}
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextAndImage, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := env.app.Discard(context.Background(), id, domain.ContentPost); err != nil {
		t.Fatalf("discard: %v", err)
	}

	close(env.images.gate)
	// the in-flight call completes and records its asset, but the result
	// must not resurrect the discarded session or its draft
	waitFor(t, "asset recorded", func() bool {
		_, found, err := env.store.LatestImageByUser(id.UserID)
		return err == nil && found
	})
	if _, err := env.app.CurrentSession(id, domain.ContentPost); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after discard, got %v", err)
	}
	if _, found, _ := env.drafts.Load(context.Background(), id.UserID, domain.ContentPost); found {
		t.Fatalf("draft written by a late image result")
	}
}

func TestStaleImageUsageDiscarded(t *testing.T) {
	env := newTestEnv(t)
	env.images.gate = make(chan struct{})
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	include := true
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{IncludeImage: &include}); err != nil {
		t.Fatalf("enable image: %v", err)
	}
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextAndImage, false); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// a later call applies fresher balances before the image resolves
	env.text.res = ai.TextResult{Text: "tightened copy", Usage: ai.Usage{Credits: 90, DailyUsagePoints: 8}}
	if _, err := env.app.Refine(context.Background(), id, domain.ContentPost, "make it punchier", true); err != nil {
		t.Fatalf("refine: %v", err)
	}

	close(env.images.gate)
	waitFor(t, "image attach", func() bool {
		view, err := env.app.CurrentSession(id, domain.ContentPost)
		return err == nil && view.Session.ImageURL != ""
	})

	view, err := env.app.CurrentSession(id, domain.ContentPost)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if view.Usage.CreditBalance != 90 || view.Usage.DailyUsagePoints != 8 {
		t.Fatalf("stale image usage overwrote fresher balances: %+v", view.Usage)
	}
}

func TestRefineReplacesBodyOnly(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false); err != nil {
		t.Fatalf("generate: %v", err)
	}

	env.text.res = ai.TextResult{Text: "tightened copy", Usage: ai.Usage{Credits: 96, DailyUsagePoints: 4}}
	res, err := env.app.Refine(context.Background(), id, domain.ContentPost, "make it punchier", true)
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if res.Session.BodyText != "tightened copy" {
		t.Fatalf("bodyText = %q", res.Session.BodyText)
	}
	if res.Session.Phase != domain.PhaseReviewing {
		t.Fatalf("phase = %s", res.Session.Phase)
	}
	// the refine call carries the current text as context
	last := env.text.calls[len(env.text.calls)-1]
	if last.Prompt != "make it punchier" || last.Context != "generated copy" {
		t.Fatalf("refine request = %+v", last)
	}
}

func TestRefineRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := env.app.Refine(context.Background(), id, domain.ContentPost, "shorter", false); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("want ErrConfirmationRequired, got %v", err)
	}
}

func TestRegenerateImageRequiresPrompt(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	include := true
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{IncludeImage: &include}); err != nil {
		t.Fatalf("enable image: %v", err)
	}
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextOnly, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := env.app.RegenerateImage(context.Background(), id, domain.ContentPost, true); !errors.Is(err, ErrNoImagePrompt) {
		t.Fatalf("want ErrNoImagePrompt, got %v", err)
	}
}

func TestImageModeBlockedOnFreePlan(t *testing.T) {
	env := newTestEnv(t)
	id := freeUser()
	startConfiguring(t, env, id, domain.ContentPost)
	include := true
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{IncludeImage: &include}); err != nil {
		t.Fatalf("enable image: %v", err)
	}
	if _, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeImageOnly, true); !errors.Is(err, ErrImagesNotAllowed) {
		t.Fatalf("want ErrImagesNotAllowed, got %v", err)
	}

	// text+image on a plan without images silently prices the image out
	res, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextAndImage, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Quote.Cost != 2 {
		t.Fatalf("cost = %d, want text-only price 2", res.Quote.Cost)
	}
	if res.ImagePending {
		t.Fatalf("image fanned out despite plan restriction")
	}
}

func TestCombinedCostIsSummed(t *testing.T) {
	env := newTestEnv(t)
	id := proUser()
	startConfiguring(t, env, id, domain.ContentPost)
	// 4 credits afford the post alone (2) but not post+image (5)
	tracker := env.app.usage.ForUser(id.UserID)
	tracker.Apply(tracker.Begin(), 4, 0)
	include := true
	if _, err := env.app.UpdateSession(context.Background(), id, domain.ContentPost, SessionPatch{IncludeImage: &include}); err != nil {
		t.Fatalf("enable image: %v", err)
	}

	res, err := env.app.Generate(context.Background(), id, domain.ContentPost, domain.ModeTextAndImage, false)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits for the summed cost, got %v", err)
	}
	if res.Quote.Cost != 5 {
		t.Fatalf("combined cost = %d, want 5", res.Quote.Cost)
	}
	if env.text.callCount() != 0 {
		t.Fatalf("no sub-action may run when the sum is unaffordable")
	}
}
