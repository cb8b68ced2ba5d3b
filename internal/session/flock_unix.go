//go:build unix

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	flockInitialBackoff = 2 * time.Millisecond
	flockMaxBackoff     = 50 * time.Millisecond
)

// lockDir takes an exclusive advisory lock on the session directory so that
// separate processes sharing the tree do not interleave read-modify-write
// cycles. It polls a non-blocking flock until ctx is done.
func lockDir(ctx context.Context, dir string) (func(), error) {
	file, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session lock: %w", err)
	}

	backoff := flockInitialBackoff
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = file.Close()
			return nil, fmt.Errorf("lock session: %w", err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = file.Close()
			return nil, fmt.Errorf("lock session: %w", ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, flockMaxBackoff)
	}

	return func() {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		_ = file.Close()
	}, nil
}
