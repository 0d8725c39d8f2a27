// Package streamreader provides read-only, bounded-memory access to an
// AICF record file: a forward iterator, tail reads, ID lookup, and
// substring search. No writer-side concern (locking, appends) lives here —
// see internal/fileops and internal/writerengine for that half of spec §4.
//
// Grounded on the teacher's bbolt read-path (open once, iterate via
// cursor, never load the whole bucket into memory) generalized from a
// key-value cursor to a line-oriented record scan.
package streamreader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"aicf-core/internal/wire"
)

// ErrCancelled is returned by any iterator when ctx is done before the
// stream is exhausted. The store sets no internal read timers (spec
// §4.7/§5); cancellation is entirely the caller's ctx.
var ErrCancelled = errors.New("streamreader: cancelled")

// ErrNotFound is returned by FindByID when no record with the given ID
// (and, if given, kind) exists in the file.
var ErrNotFound = errors.New("streamreader: record not found")

// defaultStreamBufSize is the bufio.Scanner buffer used once a file is at
// or above its configured streaming threshold (spec §4.7).
const defaultStreamBufSize = 64 * 1024

var leadingLineNoRe = regexp.MustCompile(`^([0-9]+)\|`)

// Indexer resolves a (kind, id) pair to the line number its header starts
// at, letting FindByID skip the linear scan. internal/index implements
// this once its sidecar exists; Reader works without one.
type Indexer interface {
	Lookup(kind wire.Kind, id string) (line int64, ok bool)
}

// Reader reads one AICF file. It is safe for concurrent use by multiple
// goroutines: every call opens its own file descriptor.
type Reader struct {
	path               string
	streamingThreshold int64
	index              Indexer
}

// New returns a Reader for path. streamingThreshold selects, per call,
// between an in-memory slurp and a 64KiB-buffered streaming scan;
// streamingThreshold <= 0 uses pathvalidate.DefaultStreamingThreshold's
// value (1 MiB).
func New(path string, streamingThreshold int64) *Reader {
	if streamingThreshold <= 0 {
		streamingThreshold = 1 << 20
	}
	return &Reader{path: path, streamingThreshold: streamingThreshold}
}

// WithIndex attaches an Indexer used by FindByID to skip the linear scan.
func (r *Reader) WithIndex(idx Indexer) *Reader {
	r.index = idx
	return r
}

// RecordIter is a pull iterator over one IterRecords call: call Next
// until it returns false, then inspect Record/Issue/Err, and Close when
// done to release the underlying file descriptor.
type RecordIter struct {
	ctx        context.Context
	sc         *wire.Scanner
	closer     io.Closer
	kindFilter map[wire.Kind]bool
	sinceLine  int64
	record     *wire.Record
	issue      *wire.Issue
	err        error
	done       bool
}

// IterRecords streams every record in the file whose Kind is in kinds
// (nil/empty means all kinds) and whose header line is > sinceLine (0
// means from the start). Files at or above the reader's streaming
// threshold are read through a 64KiB-buffered bufio.Scanner directly over
// the open file; smaller files are read whole with io.ReadAll. Both
// paths feed the same wire.Scanner, so memory stays O(max record size)
// once streaming kicks in (spec §4.7).
func (r *Reader) IterRecords(ctx context.Context, kinds []wire.Kind, sinceLine int64) (*RecordIter, error) {
	it := &RecordIter{ctx: ctx, sinceLine: sinceLine}
	if len(kinds) > 0 {
		it.kindFilter = make(map[wire.Kind]bool, len(kinds))
		for _, k := range kinds {
			it.kindFilter[k] = true
		}
	}

	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		it.done = true
		return it, nil
	}
	if err != nil {
		return nil, fmt.Errorf("streamreader: open %s: %w", r.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("streamreader: stat %s: %w", r.path, err)
	}

	if info.Size() >= r.streamingThreshold {
		it.sc = wire.NewScanner(bufio.NewReaderSize(f, defaultStreamBufSize), defaultStreamBufSize)
		it.closer = f
		return it, nil
	}

	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("streamreader: read %s: %w", r.path, err)
	}
	it.sc = wire.NewScanner(bytes.NewReader(data), 0)
	return it, nil
}

// Next advances to the next matching record. It returns false at EOF, on
// a fatal I/O error (see Err), or when ctx is cancelled (Err returns
// ErrCancelled).
func (it *RecordIter) Next() bool {
	if it.done {
		return false
	}
	for {
		select {
		case <-it.ctx.Done():
			it.err = ErrCancelled
			it.done = true
			return false
		default:
		}

		if !it.sc.Next() {
			it.err = it.sc.Err()
			it.done = true
			return false
		}

		rec := it.sc.Record()
		if rec.StartLine <= it.sinceLine {
			continue
		}
		if it.kindFilter != nil && !it.kindFilter[rec.Kind] {
			continue
		}
		it.record = rec
		it.issue = it.sc.Issue()
		return true
	}
}

// Record returns the record produced by the most recent Next call.
func (it *RecordIter) Record() *wire.Record { return it.record }

// Issue returns the non-fatal parse finding attached to the most recent
// Next call, or nil.
func (it *RecordIter) Issue() *wire.Issue { return it.issue }

// Err returns the first fatal error encountered, or ErrCancelled if ctx
// ended the scan early.
func (it *RecordIter) Err() error { return it.err }

// Close releases the file descriptor backing a streamed iterator. Safe to
// call on an iterator created over a slurped (in-memory) file.
func (it *RecordIter) Close() error {
	if it.closer != nil {
		return it.closer.Close()
	}
	return nil
}

// FindByID returns the first record with the given ID. If kindHint is
// non-empty, only that Kind is considered. When the Reader has an
// Indexer attached and it has an entry, FindByID first takes the record
// whose header is at that line (the scan still reads from the file start
// and skips the records before it) and returns it when its kind and id
// match; otherwise it falls back to the linear scan.
func (r *Reader) FindByID(ctx context.Context, kindHint wire.Kind, id string) (*wire.Record, error) {
	if r.index != nil && kindHint != "" {
		if line, ok := r.index.Lookup(kindHint, id); ok {
			if rec, err := r.recordAtLine(ctx, line); err == nil && rec.ID == id && rec.Kind == kindHint {
				return rec, nil
			}
			// Stale index entry: fall through to the linear scan.
		}
	}

	var kinds []wire.Kind
	if kindHint != "" {
		kinds = []wire.Kind{kindHint}
	}
	it, err := r.IterRecords(ctx, kinds, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.Next() {
		rec := it.Record()
		if rec.ID == id {
			return rec, nil
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// recordAtLine returns the first record whose header is at or after the
// given line number, by iterating with sinceLine-1 so earlier records are
// skipped.
func (r *Reader) recordAtLine(ctx context.Context, line int64) (*wire.Record, error) {
	it, err := r.IterRecords(ctx, nil, line-1)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if it.Next() {
		return it.Record(), nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// GetLast returns up to n of the most recently appended records of kind,
// newest first. Files at or above the streaming threshold are read with a
// doubling backward buffer (4KiB, 8KiB, 16KiB, ... capped at file size)
// until the window contains at least n matching headers or the whole file
// has been read; smaller files fall back to a full forward scan kept in a
// size-n ring buffer (spec §4.7).
func (r *Reader) GetLast(ctx context.Context, kind wire.Kind, n int) ([]*wire.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("streamreader: open %s: %w", r.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("streamreader: stat %s: %w", r.path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	if size < r.streamingThreshold {
		return r.getLastForwardScan(ctx, kind, n)
	}

	for window := int64(4096); ; window *= 2 {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		default:
		}

		readSize := window
		capped := readSize >= size
		if capped {
			readSize = size
		}
		buf := make([]byte, readSize)
		if _, err := f.ReadAt(buf, size-readSize); err != nil && err != io.EOF {
			return nil, err
		}

		start, seed, ok := firstCompleteLine(buf, capped)
		if !ok {
			if capped {
				break
			}
			continue
		}

		recs, _ := parseChunk(buf[start:], seed, kind)
		if len(recs) >= n || capped {
			sort.Slice(recs, func(i, j int) bool { return recs[i].StartLine > recs[j].StartLine })
			if len(recs) > n {
				recs = recs[:n]
			}
			return recs, nil
		}
	}
	return nil, nil
}

// firstCompleteLine locates, within a tail chunk of the file, the start
// offset of the first line that is complete (preceded by a newline, or —
// when capped is true — the very start of the file) along with the line
// number it declares, so a Scanner resumed at that offset knows what to
// expect next.
func firstCompleteLine(buf []byte, capped bool) (start int, seedLine int64, ok bool) {
	idx := -1 // capped: the buffer begins at file offset 0
	if !capped {
		idx = bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return 0, 0, false
		}
	}
	lineStart := idx + 1
	if lineStart >= len(buf) {
		return 0, 0, false
	}
	rest := buf[lineStart:]
	end := bytes.IndexByte(rest, '\n')
	var firstLine []byte
	if end < 0 {
		firstLine = rest
	} else {
		firstLine = rest[:end]
	}
	m := leadingLineNoRe.FindSubmatch(firstLine)
	if m == nil {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return lineStart, n - 1, true
}

// parseChunk scans a tail chunk (already aligned to a complete first
// line, with seedLine set to one less than that line's number) for
// records of kind, reporting whether the chunk ended in a truncated
// trailing line (meaning it may have cut off a record that a wider
// window would complete).
func parseChunk(chunk []byte, seedLine int64, kind wire.Kind) ([]*wire.Record, bool) {
	sc := wire.NewScanner(bytes.NewReader(chunk), 0)
	sc.SeedLine(seedLine)

	var recs []*wire.Record
	var truncated bool
	for sc.Next() {
		if rec := sc.Record(); rec != nil && rec.Kind == kind {
			recs = append(recs, rec)
		}
		if iss := sc.Issue(); iss != nil && iss.Kind == wire.IssueTruncated {
			truncated = true
		}
	}
	return recs, truncated
}

// getLastForwardScan implements GetLast for files below the streaming
// threshold: a single forward pass keeping only the last n matches.
func (r *Reader) getLastForwardScan(ctx context.Context, kind wire.Kind, n int) ([]*wire.Record, error) {
	it, err := r.IterRecords(ctx, []wire.Kind{kind}, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	ring := make([]*wire.Record, 0, n)
	for it.Next() {
		rec := it.Record()
		if len(ring) < n {
			ring = append(ring, rec)
		} else {
			copy(ring, ring[1:])
			ring[n-1] = rec
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	out := make([]*wire.Record, len(ring))
	for i, rec := range ring {
		out[len(ring)-1-i] = rec
	}
	return out, nil
}

// Search scans the file for records of the given kinds (nil means all)
// whose sanitized payload or metadata text contains term
// (case-insensitive), stopping after max matches. Exhausted is false when
// the scan stopped because max was reached before EOF, true when it ran
// to completion.
func (r *Reader) Search(ctx context.Context, term string, kinds []wire.Kind, max int) (matches []*wire.Record, exhausted bool, err error) {
	needle := strings.ToLower(term)

	it, err := r.IterRecords(ctx, kinds, 0)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()

	for it.Next() {
		rec := it.Record()
		if recordContains(rec, needle) {
			matches = append(matches, rec)
			if max > 0 && len(matches) >= max {
				return matches, false, nil
			}
		}
	}
	if err := it.Err(); err != nil {
		return matches, false, err
	}
	return matches, true, nil
}

func recordContains(rec *wire.Record, needleLower string) bool {
	found := false
	rec.Metadata.Each(func(_, v string) {
		if !found && strings.Contains(strings.ToLower(v), needleLower) {
			found = true
		}
	})
	if found {
		return true
	}
	for _, fields := range rec.Payload {
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), needleLower) {
				return true
			}
		}
	}
	return false
}
