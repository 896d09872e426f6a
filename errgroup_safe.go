package devicepool

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	supervisorInitialBackoff = 200 * time.Millisecond
	supervisorMaxBackoff     = 30 * time.Second
)

// GroupGoSafe runs fn inside group and restarts it with exponential backoff
// whenever it panics. A returned error ends the goroutine with errgroup
// semantics; ctx cancellation stops the restart loop.
//
// Panics are reported on stderr rather than through the logger, which may
// itself be the source of the panic.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := supervisorInitialBackoff
		for {
			if ctx != nil && ctx.Err() != nil {
				return nil
			}
			recovered, panicked, err := runRecovered(ctx, fn)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked, restarting in %s: %v\n%s\n", name, backoff, recovered, debug.Stack())
			if !sleepContext(ctx, backoff+jitter(backoff/2)) {
				return nil
			}
			backoff *= 2
			if backoff > supervisorMaxBackoff {
				backoff = supervisorMaxBackoff
			}
		}
	})
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (recovered any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered, panicked = r, true
		}
	}()
	return nil, false, fn(ctx)
}

// jitter returns a value in [0, limit) without pulling in math/rand.
func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(limit))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if ctx == nil {
		time.Sleep(d)
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
