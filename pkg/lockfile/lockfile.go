// Package lockfile implements the O_CREAT|O_EXCL lock-file protocol (spec
// section 4.2/4.13) shared by the XYZ filesystem store and the sprite/font/
// GeoJSON resource cache: acquire "<path>.lock" exclusively, write to
// "<path>.tmp", rename into place, release the lock.
package lockfile

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

// PollInterval is how often Acquire retries after finding the lock held.
const PollInterval = 25 * time.Millisecond

// Acquire creates lockPath exclusively, retrying every PollInterval until
// it succeeds or ctx is done.
func Acquire(ctx context.Context, lockPath string) error {
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return tileerrors.Wrap(tileerrors.Fatal, "lockfile.Acquire", "creating lock file", err)
		}

		select {
		case <-ctx.Done():
			return tileerrors.Wrap(tileerrors.Transient, "lockfile.Acquire", "timed out waiting for lock", ctx.Err())
		case <-time.After(PollInterval):
		}
	}
}

// Release removes lockPath. Removing an already-absent lock is not an
// error.
func Release(lockPath string) error {
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return tileerrors.Wrap(tileerrors.Fatal, "lockfile.Release", "removing lock file", err)
	}
	return nil
}

// WriteFile writes data to path via a temp file and atomic rename, holding
// path+".lock" for the duration.
func WriteFile(ctx context.Context, path string, data []byte) error {
	lockPath := path + ".lock"
	if err := Acquire(ctx, lockPath); err != nil {
		return err
	}
	defer Release(lockPath)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "lockfile.WriteFile", "writing temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "lockfile.WriteFile", "renaming temp file into place", err)
	}
	return nil
}

// RemoveFile unlinks path under its lock file. Removing an already-absent
// file is not an error.
func RemoveFile(ctx context.Context, path string) error {
	lockPath := path + ".lock"
	if err := Acquire(ctx, lockPath); err != nil {
		return err
	}
	defer Release(lockPath)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return tileerrors.Wrap(tileerrors.Fatal, "lockfile.RemoveFile", "removing file", err)
	}
	return nil
}
