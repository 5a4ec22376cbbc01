// Package safego runs long-lived errgroup goroutines that survive panics.
package safego

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Go runs fn in group and restarts it with exponential backoff when it
// panics. A returned error keeps errgroup semantics: it cancels the group
// context and surfaces from Wait. ctx cancellation stops the restarts.
//
// Panics are printed to stderr rather than through the logger, which may be
// what panicked.
func Go(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := initialBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			recovered, panicked, err := call(ctx, fn)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func call(ctx context.Context, fn func(context.Context) error) (recovered any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			panicked = true
		}
	}()
	return nil, false, fn(ctx)
}
