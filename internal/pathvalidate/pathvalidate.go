// Package pathvalidate resolves a caller-supplied record-store path against
// its base directory, rejecting anything that escapes the base, contains a
// NUL byte, or violates the store's configured size limits.
//
// Mirrors the teacher's defensive bbolt-open-or-create posture (never trust
// a caller-supplied path without resolving it first), generalized from a
// single cache file to an arbitrary set of store files.
package pathvalidate

import (
	"errors"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Sentinel errors describing why a path was rejected.
var (
	ErrNulByte         = errors.New("pathvalidate: path contains a NUL byte")
	ErrEscapesBase     = errors.New("pathvalidate: path escapes base directory")
	ErrEmptyPath       = errors.New("pathvalidate: path is empty")
	ErrInvalidEncoding = errors.New("pathvalidate: path is not valid UTF-8")
	ErrFileTooLarge    = errors.New("pathvalidate: file exceeds MaxFileSize")
	ErrBatchTooLarge   = errors.New("pathvalidate: batch exceeds MaxBatchSize")
)

// Limits bounds the sizes pathvalidate enforces. Zero values fall back to
// the package defaults.
type Limits struct {
	MaxFileSize        int64 // default 100 MiB
	StreamingThreshold int64 // default 1 MiB
	MaxBatchSize       int   // default 10,000
}

// Default limits, applied when a Limits field is zero.
const (
	DefaultMaxFileSize        int64 = 100 << 20
	DefaultStreamingThreshold int64 = 1 << 20
	DefaultMaxBatchSize       int   = 10_000
)

func (l Limits) resolved() Limits {
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = DefaultMaxFileSize
	}
	if l.StreamingThreshold <= 0 {
		l.StreamingThreshold = DefaultStreamingThreshold
	}
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = DefaultMaxBatchSize
	}
	return l
}

// Validate resolves rawPath relative to baseDir and returns the absolute,
// symlink-resolved, cleaned path. It rejects NUL bytes, empty paths,
// malformed (e.g. overlong) UTF-8, and any resolved path that would land
// outside baseDir (including via ".." traversal, an absolute path pointing
// elsewhere, or a symlink inside baseDir that points outside it).
func Validate(baseDir, rawPath string, limits Limits) (string, error) {
	_ = limits.resolved() // validated here for symmetry; size checks are separate
	if rawPath == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(rawPath, 0) {
		return "", ErrNulByte
	}
	if !utf8.ValidString(rawPath) {
		return "", ErrInvalidEncoding
	}

	normalized := norm.NFC.String(rawPath)

	absBase, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", err
	}
	resolvedBase := resolveSymlinks(absBase)

	var candidate string
	if filepath.IsAbs(normalized) {
		candidate = filepath.Clean(normalized)
	} else {
		candidate = filepath.Clean(filepath.Join(absBase, normalized))
	}
	resolved := resolveSymlinks(candidate)

	if resolved != resolvedBase && !strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator)) {
		return "", ErrEscapesBase
	}

	return resolved, nil
}

// resolveSymlinks resolves path via filepath.EvalSymlinks when the target
// exists. For a path that doesn't exist yet (a file about to be created),
// it resolves the longest existing ancestor directory instead and rejoins
// the remaining components, so a symlinked directory inside baseDir can't
// be used to escape it just because the leaf file hasn't been created yet.
func resolveSymlinks(path string) string {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	dir := filepath.Dir(path)
	if dir == path {
		return path
	}
	return filepath.Join(resolveSymlinks(dir), filepath.Base(path))
}

// CheckFileSize enforces limits.MaxFileSize against a candidate size.
func CheckFileSize(size int64, limits Limits) error {
	limits = limits.resolved()
	if size > limits.MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// CheckBatchSize enforces limits.MaxBatchSize against a candidate count.
func CheckBatchSize(n int, limits Limits) error {
	limits = limits.resolved()
	if n > limits.MaxBatchSize {
		return ErrBatchTooLarge
	}
	return nil
}

// IsStreaming reports whether a file of the given size should be read via
// the streaming path rather than slurped whole, per limits.StreamingThreshold.
func IsStreaming(size int64, limits Limits) bool {
	limits = limits.resolved()
	return size >= limits.StreamingThreshold
}
