package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"aicf-core/internal/logger"
)

// pipeBufSize is PIPE_BUF on Linux: writes at or below this size are
// atomic for a single O_APPEND syscall. Larger payloads use the
// temp-file + fsync + rename path instead (spec §4.6 step 3).
const pipeBufSize = 4096

// ErrConcurrentModification is returned when expectedLastLine disagrees
// with the file's actual last line number.
var ErrConcurrentModification = errors.New("fileops: concurrent modification")

// Options configures AppendLocked.
type Options struct {
	StaleLockTTL time.Duration // default 30s, see Locker
	LockTimeout  time.Duration // default 5s, see Locker.Acquire
	Logger       *logger.Logger
}

// Result carries everything the writer engine's INDEXED transition needs.
type Result struct {
	NewLastLine int64
	Checksum    uint32
	Stole       bool // whether a stale lock was stolen to complete this append
}

// AppendLocked is the store's single write primitive (spec §4.6):
// acquire an exclusive lock on path, read its current last line number,
// optionally check it against expectedLastLine (0 = no check), renumber
// bodyLines starting at last+1, write them atomically, update the running
// checksum, and release the lock. The lock is held for the whole of steps
// 2-4 so index updates and the append are never observed out of step by a
// concurrent reader or writer.
func AppendLocked(ctx context.Context, path string, bodyLines []string, expectedLastLine int64, prevChecksum uint32, opts Options) (Result, error) {
	locker := NewLocker(path, opts.StaleLockTTL, opts.Logger)
	handle, stole, err := locker.Acquire(ctx, opts.LockTimeout)
	if err != nil {
		return Result{}, err
	}
	defer handle.Release()

	last, err := lastLineNumber(path)
	if err != nil {
		return Result{}, fmt.Errorf("fileops: read last line of %s: %w", path, err)
	}
	if expectedLastLine > 0 && last != expectedLastLine {
		return Result{}, ErrConcurrentModification
	}

	payload := renumberAndJoin(bodyLines, last+1)
	if err := writeAppend(path, []byte(payload)); err != nil {
		return Result{}, fmt.Errorf("fileops: append to %s: %w", path, err)
	}

	newLast := last + int64(len(bodyLines))
	checksum := UpdateChecksum(prevChecksum, []byte(payload))

	opts.Logger.Debugf("append", "path=%s lines=%d new_last=%d stole=%v", path, len(bodyLines), newLast, stole)
	return Result{NewLastLine: newLast, Checksum: checksum, Stole: stole}, nil
}

// renumberAndJoin assigns sequential 'N|' prefixes starting at startAt and
// joins the lines with a trailing newline after each, per spec §6.1's
// line grammar.
func renumberAndJoin(bodyLines []string, startAt int64) string {
	var b strings.Builder
	for i, line := range bodyLines {
		b.WriteString(strconv.FormatInt(startAt+int64(i), 10))
		b.WriteByte('|')
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// writeAppend writes payload to the end of path. Payloads at or below
// pipeBufSize use a single O_APPEND write, atomic on POSIX; larger
// payloads go through a temp-file + fsync + rename cycle so a reader
// never observes a partial multi-syscall append.
func writeAppend(path string, payload []byte) error {
	if len(payload) <= pipeBufSize {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Write(payload); err != nil {
			return err
		}
		return f.Sync()
	}
	return writeAppendViaTemp(path, payload)
}

func writeAppendViaTemp(path string, payload []byte) error {
	tmp := path + ".tmp"

	src, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
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

// readAllIfExists reads the whole of path, returning (nil, nil) if it does
// not exist yet rather than an error — a freshly configured store file may
// not have been created until its first append.
func readAllIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// lastLineNumber returns the line number of the final 'N|body' line in
// path, or 0 if the file does not exist or is empty. It reads only the
// trailing portion of the file, doubling the read window (4KiB, 8KiB, ...)
// until a complete final line is found, mirroring the streaming reader's
// GetLast doubling-backward-buffer approach (spec §4.7) applied here to a
// single line instead of n records.
func lastLineNumber(path string) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	for window := int64(4096); ; window *= 2 {
		readSize := window
		capped := readSize >= size
		if capped {
			readSize = size
		}
		buf := make([]byte, readSize)
		if _, err := f.ReadAt(buf, size-readSize); err != nil && err != io.EOF {
			return 0, err
		}

		text := strings.TrimRight(string(buf), "\n")
		lastNL := strings.LastIndexByte(text, '\n')
		if lastNL < 0 && !capped {
			continue // final line starts before this window; widen and retry
		}
		lastLine := text[lastNL+1:]

		if lastLine == "" {
			if capped {
				return 0, nil
			}
			continue
		}

		idx := strings.IndexByte(lastLine, '|')
		if idx < 0 {
			if capped {
				return 0, fmt.Errorf("fileops: malformed trailing line in %s", path)
			}
			continue // line longer than this window; widen and retry
		}

		n, err := strconv.ParseInt(lastLine[:idx], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fileops: malformed line number in %s: %w", path, err)
		}
		return n, nil
	}
}
