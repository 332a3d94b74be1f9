package recovery

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 50 * time.Millisecond

// waitForUnlock polls for a shared advisory lock on the source until it can be
// taken or the wait budget is spent. The lock is released immediately; the
// retry decides whether the file is usable.
func waitForUnlock(budget time.Duration) Remedy {
	return func(ctx context.Context, _ *Error, source string) error {
		f, err := os.Open(source)
		if err != nil {
			// Nothing to probe; the retry will surface the real error.
			return nil
		}
		defer f.Close()

		deadline := time.Now().Add(budget)
		for {
			if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err == nil {
				return unix.Flock(int(f.Fd()), unix.LOCK_UN)
			}
			if time.Now().After(deadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(lockPollInterval):
			}
		}
	}
}
