// Package sanitize escapes record field values so they round-trip safely
// through the AICF line-oriented wire format.
//
// A field value may never contain a raw newline, carriage return, tab, or
// NUL byte (they would corrupt the line grammar), nor an unescaped pipe
// (the payload field separator). Sanitize replaces the former with a space
// and escapes the latter; it never truncates silently — a value that still
// exceeds the configured limit after escaping is rejected.
package sanitize

import (
	"errors"
	"strings"
)

// ErrFieldTooLarge is returned when a sanitized value exceeds the caller's
// maxFieldBytes limit.
var ErrFieldTooLarge = errors.New("sanitize: field exceeds maximum size")

const pipeEscape = `\x7c`

var controlReplacer = strings.NewReplacer(
	"\r", " ",
	"\n", " ",
	"\t", " ",
	"\x00", " ",
)

// Sanitize escapes v for embedding in a pipe-delimited payload line and
// enforces maxFieldBytes on the escaped result. A maxFieldBytes <= 0 means
// no limit.
//
// Sanitize is idempotent: Sanitize(Sanitize(v)) == Sanitize(v), because the
// escape sequence \x7c contains no raw '|' byte for a second pass to find.
func Sanitize(v string, maxFieldBytes int) (string, error) {
	out := controlReplacer.Replace(v)
	out = strings.ReplaceAll(out, "|", pipeEscape)
	if maxFieldBytes > 0 && len(out) > maxFieldBytes {
		return "", ErrFieldTooLarge
	}
	return out, nil
}

// Unescape reverses Sanitize's pipe escaping. Control-character replacement
// is lossy by design (the original bytes are gone), so Unescape only undoes
// the reversible half of Sanitize.
func Unescape(v string) string {
	return strings.ReplaceAll(v, pipeEscape, "|")
}
