package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/pkg/domain"
	"postpilot/pkg/queue"
	"postpilot/pkg/store"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://bucket.example/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func TestMirrorWorkerHandle(t *testing.T) {
	payload := []byte("fake png bytes")
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer backend.Close()

	assets := store.NewMemoryStore()
	if err := assets.SaveImageAsset(domain.ImageAsset{
		ID:        "a1",
		UserID:    "u1",
		Prompt:    "sunset",
		SourceURL: backend.URL + "/tmp.png",
	}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	objects := newFakeObjectStore()
	w := NewMirrorWorker(objects, assets, nil)

	job := queue.JobStatus{ID: "j1", AssetID: "a1", SourceURL: backend.URL + "/tmp.png"}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	key := ImageKey("u1", "a1", ".png")
	if !bytes.Equal(objects.objects[key], payload) {
		t.Fatalf("uploaded bytes mismatch for key %q", key)
	}
	a, _, _ := assets.GetImageAsset("a1")
	if a.MirrorURL != "https://bucket.example/"+key || a.StorageKey != key {
		t.Fatalf("mirror not recorded: %+v", a)
	}
}

func TestMirrorWorkerSkipsAlreadyMirrored(t *testing.T) {
	assets := store.NewMemoryStore()
	if err := assets.SaveImageAsset(domain.ImageAsset{
		ID:        "a1",
		UserID:    "u1",
		SourceURL: "https://cdn.example/tmp.png",
		MirrorURL: "https://bucket.example/images/u1/a1.png",
	}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	objects := newFakeObjectStore()
	w := NewMirrorWorker(objects, assets, nil)

	// SourceURL points nowhere; a fetch attempt would fail the job.
	job := queue.JobStatus{ID: "j1", AssetID: "a1", SourceURL: "https://cdn.invalid/tmp.png"}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle should be a no-op for a mirrored asset: %v", err)
	}
	if len(objects.objects) != 0 {
		t.Fatalf("no upload expected, got %d objects", len(objects.objects))
	}
}

func TestMirrorWorkerUnknownAssetDropsJob(t *testing.T) {
	w := NewMirrorWorker(newFakeObjectStore(), store.NewMemoryStore(), nil)
	job := queue.JobStatus{ID: "j1", AssetID: "missing", SourceURL: "https://cdn.example/tmp.png"}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unknown asset must not retry: %v", err)
	}
}

func TestMirrorWorkerFetchFailureRetries(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer backend.Close()

	assets := store.NewMemoryStore()
	if err := assets.SaveImageAsset(domain.ImageAsset{ID: "a1", UserID: "u1", SourceURL: backend.URL}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	w := NewMirrorWorker(newFakeObjectStore(), assets, nil)
	err := w.Handle(context.Background(), queue.JobStatus{ID: "j1", AssetID: "a1", SourceURL: backend.URL})
	if err == nil || !strings.Contains(err.Error(), "status 410") {
		t.Fatalf("expected fetch status error, got %v", err)
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"image/png":                ".png",
		"image/jpeg":               ".jpg",
		"image/webp":               ".webp",
		"image/gif":                ".gif",
		"image/jpeg; charset=none": ".jpg",
		"":                         ".png",
		"application/octet-stream": ".png",
	}
	for contentType, want := range cases {
		if got := extensionFor(contentType); got != want {
			t.Fatalf("extensionFor(%q) = %q, want %q", contentType, got, want)
		}
	}
}
