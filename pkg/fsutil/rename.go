package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/grafana/dskit/backoff"
)

// RetryInterval is the fixed wait between rename attempts.
const RetryInterval = 10 * time.Millisecond

// ErrRenameTimeout is returned when the destination stayed locked for longer
// than the allowed timeout.
var ErrRenameTimeout = errors.New("timed out waiting for file access")

// RenameWithRetry replaces dst with src, retrying while the rename fails (a
// reader on some platforms holds the target open). A timeout of zero retries
// until ctx is done.
func RenameWithRetry(ctx context.Context, src, dst string, timeout time.Duration) error {
	// Rename replaces the target on unix; the remove covers platforms where
	// it refuses to.
	_ = os.Remove(dst)

	start := time.Now()
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: RetryInterval,
		MaxBackoff: RetryInterval,
	})

	var lastErr error
	for b.Ongoing() {
		lastErr = os.Rename(src, dst)
		if lastErr == nil {
			return nil
		}
		if os.IsNotExist(lastErr) {
			return lastErr
		}
		if timeout > 0 && time.Since(start) > timeout {
			return fmt.Errorf("%w: %s: %v", ErrRenameTimeout, dst, lastErr)
		}
		b.Wait()
	}

	if lastErr == nil {
		lastErr = b.Err()
	}
	return fmt.Errorf("rename %s: %w", dst, lastErr)
}

// CommitTemp moves a finished temp file into place, removing it if the move
// fails so no partial file is left behind.
func CommitTemp(ctx context.Context, tempPath, destPath string, timeout time.Duration) error {
	if err := RenameWithRetry(ctx, tempPath, destPath, timeout); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return nil
}
