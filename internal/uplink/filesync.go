// SPDX-License-Identifier: MIT

package uplink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// RemoteFileStore is the one-way file destination: saved clips and
// their sidecars replicate to the remote file server, and
// reconciliation is one-way, with local always authoritative.
type RemoteFileStore interface {
	// Exists reports whether name is already present remotely, so
	// FileSyncer.Sync can skip files it has already shipped.
	Exists(ctx context.Context, name string) (bool, error)
	// Put uploads the contents of local under name.
	Put(ctx context.Context, name string, local string) error
}

// FileSyncer walks a local directory of saved clips/sidecars and
// copies anything missing remotely. It never deletes local files and
// never pulls from the remote side.
type FileSyncer struct {
	dir    string
	remote RemoteFileStore
	logger *slog.Logger
}

// NewFileSyncer creates a FileSyncer over dir.
func NewFileSyncer(dir string, remote RemoteFileStore, logger *slog.Logger) *FileSyncer {
	return &FileSyncer{dir: dir, remote: remote, logger: logger}
}

// Sync uploads every local file not already present remotely. It
// continues past individual file errors so one bad file doesn't block
// the rest of the directory, returning the last error encountered (if
// any) after the full pass.
func (f *FileSyncer) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("uplink: list %s: %w", f.dir, err)
	}

	var lastErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		exists, err := f.remote.Exists(ctx, name)
		if err != nil {
			lastErr = err
			if f.logger != nil {
				f.logger.Warn("uplink_file_exists_check_failed", "file", name, "error", err)
			}
			continue
		}
		if exists {
			continue
		}

		if err := f.remote.Put(ctx, name, filepath.Join(f.dir, name)); err != nil {
			lastErr = err
			if f.logger != nil {
				f.logger.Warn("uplink_file_upload_failed", "file", name, "error", err)
			}
			continue
		}
		if f.logger != nil {
			f.logger.Info("uplink_file_uploaded", "file", name)
		}
	}
	return lastErr
}

// copyFile is a small helper RemoteFileStore implementations (e.g. a
// local-disk stand-in used in tests) can use to move bytes without
// pulling in an extra dependency for a single-file copy.
func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
