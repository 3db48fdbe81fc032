package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func seedObjects(t *testing.T, storage *LocalStorage, paths []string, content []byte) {
	t.Helper()
	src := writeTemp(t, "src", content)
	for _, p := range paths {
		if err := storage.Upload(context.Background(), src, p); err != nil {
			t.Fatalf("Upload failed for %s: %v", p, err)
		}
	}
}

func TestBatchDownloader_BasicDownload(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	downloader := NewBatchDownloader(storage, 3, t.TempDir())

	var paths []string
	for day := 1; day <= 10; day++ {
		paths = append(paths, fmt.Sprintf("archive/acme/2026/03/%02d/events.ndjson.sz", day))
	}
	content := []byte("test content")
	seedObjects(t, storage, paths, content)

	result, err := downloader.Download(context.Background(), paths)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != len(paths) {
		t.Errorf("expected %d local paths, got %d", len(paths), len(result.LocalPaths))
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors, got %v", result.Errors)
	}
	if result.Downloads != len(paths) || result.CacheHits != 0 {
		t.Errorf("downloads=%d cacheHits=%d", result.Downloads, result.CacheHits)
	}

	// identical file names under different prefixes must not collide
	seen := make(map[string]bool)
	for p, localPath := range result.LocalPaths {
		if seen[localPath] {
			t.Errorf("local path %s reused", localPath)
		}
		seen[localPath] = true
		downloaded, err := os.ReadFile(localPath)
		if err != nil {
			t.Errorf("failed to read downloaded file %s: %v", p, err)
			continue
		}
		if string(downloaded) != string(content) {
			t.Errorf("content mismatch for %s", p)
		}
	}
}

func TestBatchDownloader_CacheHit(t *testing.T) {
	storage, _ := NewLocalStorage(t.TempDir())
	downloader := NewBatchDownloader(storage, 3, t.TempDir())
	ctx := context.Background()

	objectPath := "test/object.txt"
	seedObjects(t, storage, []string{objectPath}, []byte("cache hit test"))

	result, err := downloader.Download(ctx, []string{objectPath})
	if err != nil {
		t.Fatalf("First download failed: %v", err)
	}
	if result.CacheHits != 0 || result.Downloads != 1 {
		t.Errorf("first download: cacheHits=%d downloads=%d", result.CacheHits, result.Downloads)
	}

	result, err = downloader.Download(ctx, []string{objectPath})
	if err != nil {
		t.Fatalf("Second download failed: %v", err)
	}
	if result.CacheHits != 1 || result.Downloads != 0 {
		t.Errorf("second download: cacheHits=%d downloads=%d", result.CacheHits, result.Downloads)
	}
}

func TestBatchDownloader_PartialFailure(t *testing.T) {
	storage, _ := NewLocalStorage(t.TempDir())
	cacheDir := t.TempDir()
	downloader := NewBatchDownloader(storage, 3, cacheDir)

	paths := []string{"exists1.txt", "exists2.txt", "exists3.txt", "nonexistent1.txt", "nonexistent2.txt"}
	seedObjects(t, storage, paths[:3], []byte("partial failure test"))

	result, err := downloader.Download(context.Background(), paths)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != 3 || result.Downloads != 3 {
		t.Errorf("expected 3 successful downloads, got %d", len(result.LocalPaths))
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d", len(result.Errors))
	}
	for _, p := range paths[3:] {
		if !errors.Is(result.Errors[p], ErrObjectNotFound) {
			t.Errorf("expected not-found error for %s, got %v", p, result.Errors[p])
		}
	}

	// failed transfers leave nothing behind that could pass as a cache hit
	entries, _ := os.ReadDir(cacheDir)
	if len(entries) != 3 {
		t.Errorf("expected 3 files in cache dir, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "nonexistent1.txt.part")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestBatchDownloader_EmptyRequest(t *testing.T) {
	storage, _ := NewLocalStorage(t.TempDir())
	result, err := NewBatchDownloader(storage, 0, t.TempDir()).Download(context.Background(), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != 0 || len(result.Errors) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestBatchDownloader_CancelledContext(t *testing.T) {
	storage, _ := NewLocalStorage(t.TempDir())
	seedObjects(t, storage, []string{"a", "b"}, []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBatchDownloader(storage, 1, t.TempDir()).Download(ctx, []string{"a", "b"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
