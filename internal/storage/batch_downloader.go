package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader coordinates parallel downloads from object storage and
// reuses files already present in its cache directory.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	cacheDir    string
}

// BatchResult contains the outcome of a batch download operation.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewBatchDownloader creates a new batch downloader writing into cacheDir.
func NewBatchDownloader(storage ObjectStorage, concurrency int, cacheDir string) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		cacheDir:    cacheDir,
	}
}

// Download fetches every object in parallel. Per-object failures are reported
// in BatchResult.Errors; the returned error is non-nil only when ctx ends
// before all downloads were scheduled.
func (b *BatchDownloader) Download(ctx context.Context, objectPaths []string) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(b.cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	var queue []string
	for _, p := range objectPaths {
		local := b.localPath(p)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}
		queue = append(queue, p)
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, err
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			// partial transfers stay under .part until complete
			tmp := local + ".part"
			err := b.storage.Download(ctx, path, tmp)
			if err == nil {
				err = os.Rename(tmp, local)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				os.Remove(tmp)
				result.Errors[path] = err
				return
			}
			result.LocalPaths[path] = local
			result.Downloads++
		}(p, b.localPath(p))
	}
	wg.Wait()

	return result, nil
}

// localPath flattens an object path into a single file name inside cacheDir.
func (b *BatchDownloader) localPath(objectPath string) string {
	return filepath.Join(b.cacheDir, strings.ReplaceAll(objectPath, "/", "_"))
}
