// Package queryengine implements the store's read-side query surface
// (spec §4.10): Last, Between, ByScope, Nearest, Search. Every operation
// returns (results []*wire.Record, exhausted bool, err error) — exhausted
// is true when the scan ran to completion and false when it stopped
// early because a max/n cap was hit, so callers can tell "all matches"
// from "first N matches".
//
// None of this package touches a lock: queries read whatever is durably
// on disk via internal/streamreader, the same way the teacher's
// anonymizer reads its bbolt cache without taking the writer's lock.
package queryengine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"aicf-core/internal/streamreader"
	"aicf-core/internal/wire"
	"aicf-core/internal/writerengine"
)

// Engine answers read-only queries against one store directory.
type Engine struct {
	dir                string
	streamingThreshold int64
}

// New returns an Engine reading store files under dir. streamingThreshold
// is forwarded to each internal/streamreader.Reader it creates.
func New(dir string, streamingThreshold int64) *Engine {
	return &Engine{dir: dir, streamingThreshold: streamingThreshold}
}

func (e *Engine) readerFor(file string) *streamreader.Reader {
	return streamreader.New(filepath.Join(e.dir, file), e.streamingThreshold)
}

// storeFiles is every file a store may contain, in a fixed order so
// Search's multi-file merge is deterministic.
var storeFiles = []string{
	"conversations.aicf",
	"sessions.aicf",
	"embeddings.aicf",
	"consolidations.aicf",
}

// Last returns the most recent n records of kind, newest first.
// exhausted is true when the file held no more than n matching records
// (nothing was truncated); false when n capped the result.
func (e *Engine) Last(ctx context.Context, kind wire.Kind, n int) ([]*wire.Record, bool, error) {
	if n <= 0 {
		return nil, false, nil
	}
	r := e.readerFor(writerengine.FileForKind(kind))
	recs, err := r.GetLast(ctx, kind, n+1)
	if err != nil {
		return nil, false, err
	}
	if len(recs) > n {
		return recs[:n], false, nil
	}
	return recs, true, nil
}

// recordTimestamp returns the instant a record should be compared
// against for Between, preferring "timestamp" and falling back to
// "timestamp_end" (spec §4.10: "whose timestamp or timestamp_end
// metadata falls in [t0, t1]").
func recordTimestamp(rec *wire.Record) (time.Time, bool) {
	for _, key := range []string{"timestamp", "timestamp_end"} {
		if v, ok := rec.Metadata.Get(key); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Between returns records of kind whose timestamp falls in [t0, t1],
// ascending by timestamp, capped at max (0 = unlimited).
func (e *Engine) Between(ctx context.Context, kind wire.Kind, t0, t1 time.Time, max int) ([]*wire.Record, bool, error) {
	r := e.readerFor(writerengine.FileForKind(kind))
	it, err := r.IterRecords(ctx, []wire.Kind{kind}, 0)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()

	exhausted := true
	var out []*wire.Record
	for it.Next() {
		rec := it.Record()
		if rec == nil {
			continue
		}
		ts, ok := recordTimestamp(rec)
		if !ok || ts.Before(t0) || ts.After(t1) {
			continue
		}
		out = append(out, rec)
		if max > 0 && len(out) >= max {
			exhausted = false
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, false, err
	}

	sort.Slice(out, func(i, j int) bool {
		ti, _ := recordTimestamp(out[i])
		tj, _ := recordTimestamp(out[j])
		return ti.Before(tj)
	})
	return out, exhausted, nil
}

// hasScope reports whether rec carries a metadata key prefixed with
// "<scope>:" (spec §4.1/§6.1's scope grammar); unprefixed keys belong to
// the implicit "session" scope of the enclosing record.
func hasScope(rec *wire.Record, scope wire.Scope) bool {
	prefix := string(scope) + ":"
	found := false
	rec.Metadata.Each(func(key, _ string) {
		if found {
			return
		}
		if scope == wire.ScopeSession && !containsColon(key) {
			found = true
			return
		}
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			found = true
		}
	})
	return found
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}

// ByScope returns STATE records whose id equals scopeID (the session,
// user, or app the state belongs to) and which carry at least one key in
// scope, capped at max (0 = unlimited).
func (e *Engine) ByScope(ctx context.Context, scope wire.Scope, scopeID string, max int) ([]*wire.Record, bool, error) {
	r := e.readerFor(writerengine.FileForKind(wire.KindState))
	it, err := r.IterRecords(ctx, []wire.Kind{wire.KindState}, 0)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()

	exhausted := true
	var out []*wire.Record
	for it.Next() {
		rec := it.Record()
		if rec == nil || rec.ID != scopeID || !hasScope(rec, scope) {
			continue
		}
		out = append(out, rec)
		if max > 0 && len(out) >= max {
			exhausted = false
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, false, err
	}
	return out, exhausted, nil
}

// Neighbor is one Nearest match: the record plus the cosine similarity
// that earned it a place in the top-k.
type Neighbor struct {
	Record     *wire.Record
	Similarity float64
}

// Nearest returns the k EMBEDDING records most cosine-similar to query,
// excluding any below threshold, tie-broken by descending timestamp
// (indexed_at) then ascending lexicographic id, per spec §4.10. This is
// the naive O(N·d) scan the spec calls for — no secondary vector index.
func (e *Engine) Nearest(ctx context.Context, query []float64, k int, threshold float64) ([]Neighbor, bool, error) {
	r := e.readerFor(writerengine.FileForKind(wire.KindEmbedding))
	it, err := r.IterRecords(ctx, []wire.Kind{wire.KindEmbedding}, 0)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()

	var candidates []Neighbor
	for it.Next() {
		rec := it.Record()
		if rec == nil || len(rec.Payload) != 1 || len(rec.Payload[0]) != 4 {
			continue
		}
		vec, err := wire.DecodeVector(rec.Payload[0][2])
		if err != nil || len(vec) != len(query) {
			continue
		}
		sim := cosineSimilarity(query, vec)
		if sim < threshold {
			continue
		}
		candidates = append(candidates, Neighbor{Record: rec, Similarity: sim})
	}
	if err := it.Err(); err != nil {
		return nil, false, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		ti, tiOK := indexedAt(candidates[i].Record)
		tj, tjOK := indexedAt(candidates[j].Record)
		if tiOK && tjOK && !ti.Equal(tj) {
			return ti.After(tj)
		}
		return candidates[i].Record.ID < candidates[j].Record.ID
	})

	exhausted := len(candidates) <= k
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, exhausted, nil
}

func indexedAt(rec *wire.Record) (time.Time, bool) {
	if len(rec.Payload) != 1 || len(rec.Payload[0]) != 4 {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, rec.Payload[0][3])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fileGroup pairs a store file with the subset of kinds a caller asked
// for that live in it.
type fileGroup struct {
	file  string
	kinds []wire.Kind
}

// groupByFile buckets kinds (nil/empty means every kind the store knows)
// by the file writerengine.FileForKind routes them to, preserving
// storeFiles' order for deterministic multi-file merges.
func groupByFile(kinds []wire.Kind) []fileGroup {
	if len(kinds) == 0 {
		kinds = []wire.Kind{
			wire.KindConversation, wire.KindFlow, wire.KindInsights, wire.KindDecisions, wire.KindLinks,
			wire.KindSession, wire.KindState,
			wire.KindEmbedding,
			wire.KindConsolidation,
		}
	}
	byFile := make(map[string][]wire.Kind)
	for _, k := range kinds {
		f := writerengine.FileForKind(k)
		byFile[f] = append(byFile[f], k)
	}
	var groups []fileGroup
	for _, f := range storeFiles {
		if ks, ok := byFile[f]; ok {
			groups = append(groups, fileGroup{file: f, kinds: ks})
		}
	}
	return groups
}

// Search does a case-insensitive substring match over sanitized text
// across every file touched by kinds (nil means every kind), stopping at
// max total matches.
func (e *Engine) Search(ctx context.Context, term string, kinds []wire.Kind, max int) ([]*wire.Record, bool, error) {
	groups := groupByFile(kinds)
	exhausted := true
	var out []*wire.Record
	for _, g := range groups {
		remaining := max
		if max > 0 {
			remaining = max - len(out)
			if remaining <= 0 {
				exhausted = false
				break
			}
		}
		r := e.readerFor(g.file)
		recs, ex, err := r.Search(ctx, term, g.kinds, remaining)
		if err != nil {
			return nil, false, fmt.Errorf("queryengine: search %s: %w", g.file, err)
		}
		out = append(out, recs...)
		if !ex {
			exhausted = false
		}
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, exhausted, nil
}
