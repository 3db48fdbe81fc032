package archive

import (
	"context"
	stderrors "errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/storage"
	"github.com/pulseboard/pulse/pkg/types"
)

// Reader reads archived days back, fetching segments in parallel.
type Reader struct {
	downloader *storage.BatchDownloader
	logger     *zap.Logger
}

// NewReader creates a reader that stages segments in cacheDir.
func NewReader(objects storage.ObjectStorage, cacheDir string, concurrency int, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		downloader: storage.NewBatchDownloader(objects, concurrency, cacheDir),
		logger:     logger,
	}
}

// ReadDays calls fn for every archived event of orgID between the days
// containing from and to, in day order. Days without a segment are skipped.
func (r *Reader) ReadDays(ctx context.Context, orgID string, from, to time.Time, fn func(*types.Event) error) error {
	days := Days(from, to)
	paths := make([]string, len(days))
	for i, d := range days {
		paths[i] = SegmentPath(orgID, d)
	}

	result, err := r.downloader.Download(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err, failed := result.Errors[p]; failed {
			if stderrors.Is(err, storage.ErrObjectNotFound) {
				r.logger.Debug("no archive segment", zap.String("object", p))
				continue
			}
			return err
		}
		if err := readFile(result.LocalPaths[p], fn); err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string, fn func(*types.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReadSegment(f, fn)
}
