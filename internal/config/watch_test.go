package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchManifestReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("urls:\n  - /\n"), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	changes := make(chan Manifest, 4)
	watcher, err := WatchManifest(context.Background(), PrecacheConfig{ManifestFile: path}, func(m Manifest) {
		changes <- m
	}, func(err error) {
		t.Logf("watch error: %v", err)
	})
	if err != nil {
		t.Fatalf("watch manifest: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte("urls:\n  - /\n  - /app.js\n"), 0o600); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case manifest := <-changes:
			if len(manifest.URLs) == 2 && manifest.URLs[1] == "/app.js" {
				return
			}
			// An intermediate reload may still show the old contents.
		case <-deadline:
			t.Fatalf("manifest change never observed")
		}
	}
}

func TestWatchManifestRequiresCallbackAndFile(t *testing.T) {
	if _, err := WatchManifest(context.Background(), PrecacheConfig{ManifestFile: "m.yaml"}, nil, nil); err == nil {
		t.Fatalf("expected error without a callback")
	}
	if _, err := WatchManifest(context.Background(), PrecacheConfig{}, func(Manifest) {}, nil); err == nil {
		t.Fatalf("expected error without a manifest file")
	}
}

func TestWatchManifestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("urls: []\n"), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	watcher, err := WatchManifest(context.Background(), PrecacheConfig{ManifestFile: path}, func(Manifest) {}, nil)
	if err != nil {
		t.Fatalf("watch manifest: %v", err)
	}
	watcher.Stop()
	watcher.Stop()
}
