// Package fsutil holds small filesystem helpers shared by the worker and the
// HTTP handlers.
package fsutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"
)

// Remover deletes files that another process may still hold open, retrying
// a fixed number of times.
type Remover struct {
	Attempts int
	Delay    time.Duration

	// Remove and Sleep default to os.Remove and Sleep.
	Remove func(string) error
	Sleep  func(context.Context, time.Duration) error
}

// RemoveFile deletes path. A file that is already gone counts as removed.
// It stops early when ctx is done and returns the last error seen.
func (r Remover) RemoveFile(ctx context.Context, path string) error {
	remove, sleep := r.Remove, r.Sleep
	if remove == nil {
		remove = os.Remove
	}
	if sleep == nil {
		sleep = Sleep
	}
	attempts := max(r.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if attempt < attempts {
			if serr := sleep(ctx, r.Delay); serr != nil {
				return errors.Join(err, serr)
			}
		}
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
