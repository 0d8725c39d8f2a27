package fileops

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
)

// RewriteLocked replaces path's entire contents with bodyLines, renumbered
// from 1, under the same exclusive lock AppendLocked uses. Unlike
// AppendLocked this is not an append: it is the lifecycle engine's
// primitive for rewriting a file after aging/compression, always going
// through the temp-file + fsync + rename path (writeWholeViaTemp)
// regardless of size, since the whole file is being replaced, not
// extended.
func RewriteLocked(ctx context.Context, path string, bodyLines []string, opts Options) (Result, error) {
	locker := NewLocker(path, opts.StaleLockTTL, opts.Logger)
	handle, _, err := locker.Acquire(ctx, opts.LockTimeout)
	if err != nil {
		return Result{}, err
	}
	defer handle.Release()

	payload := renumberAndJoin(bodyLines, 1)
	if err := writeWholeViaTemp(path, []byte(payload)); err != nil {
		return Result{}, fmt.Errorf("fileops: rewrite %s: %w", path, err)
	}

	opts.Logger.Debugf("rewrite", "path=%s lines=%d", path, len(bodyLines))
	return Result{NewLastLine: int64(len(bodyLines)), Checksum: crc32.ChecksumIEEE([]byte(payload))}, nil
}

// writeWholeViaTemp writes payload as the complete contents of path via a
// temp file in the same directory, fsynced and renamed into place, so a
// reader never observes a partially rewritten file.
func writeWholeViaTemp(path string, payload []byte) error {
	tmp := path + ".tmp"

	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := dst.Write(payload); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
