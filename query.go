package aicf

import (
	"context"
	"errors"
	"time"

	"aicf-core/internal/metrics"
	"aicf-core/internal/queryengine"
)

// Query is the store's read-only query surface (spec §4.10). Every method
// returns (results, exhausted, err): exhausted is true when the scan ran
// to completion, false when a cap (n/max/k) stopped it early.
type Query struct {
	e *queryengine.Engine
	m *metrics.Metrics
}

// Query returns the store's query surface. Queries never take the
// writer's lock and always read whatever is durably on disk.
func (s *Store) Query() Query {
	return Query{e: s.query, m: s.m}
}

// Last returns the most recent n records of kind, newest first.
func (q Query) Last(ctx context.Context, kind RecordKind, n int) ([]*Record, bool, error) {
	start := time.Now()
	recs, exhausted, err := q.e.Last(ctx, kind, n)
	q.record(time.Since(start), len(recs), err)
	return recs, exhausted, wrapQueryErr("aicf.Query.Last", err)
}

// Between returns records of kind whose timestamp (or timestamp_end) falls
// in [t0, t1], ascending by timestamp, capped at max (0 = unlimited).
func (q Query) Between(ctx context.Context, kind RecordKind, t0, t1 time.Time, max int) ([]*Record, bool, error) {
	start := time.Now()
	recs, exhausted, err := q.e.Between(ctx, kind, t0, t1, max)
	q.record(time.Since(start), len(recs), err)
	return recs, exhausted, wrapQueryErr("aicf.Query.Between", err)
}

// ByScope returns STATE records belonging to scopeID carrying at least one
// key in scope, capped at max (0 = unlimited).
func (q Query) ByScope(ctx context.Context, scope Scope, scopeID string, max int) ([]*Record, bool, error) {
	start := time.Now()
	recs, exhausted, err := q.e.ByScope(ctx, scope, scopeID, max)
	q.record(time.Since(start), len(recs), err)
	return recs, exhausted, wrapQueryErr("aicf.Query.ByScope", err)
}

// Nearest returns the k EMBEDDING records most cosine-similar to query,
// excluding any below threshold.
func (q Query) Nearest(ctx context.Context, query []float64, k int, threshold float64) ([]Neighbor, bool, error) {
	start := time.Now()
	neighbors, exhausted, err := q.e.Nearest(ctx, query, k, threshold)
	q.record(time.Since(start), len(neighbors), err)
	if err != nil {
		return nil, false, wrapQueryErr("aicf.Query.Nearest", err)
	}
	out := make([]Neighbor, len(neighbors))
	for i, n := range neighbors {
		out[i] = Neighbor{Record: n.Record, Similarity: n.Similarity}
	}
	return out, exhausted, nil
}

// Search does a case-insensitive substring match over record text across
// every file touched by kinds (nil means every kind), stopping at max
// total matches (0 = unlimited).
func (q Query) Search(ctx context.Context, term string, kinds []RecordKind, max int) ([]*Record, bool, error) {
	start := time.Now()
	recs, exhausted, err := q.e.Search(ctx, term, kinds, max)
	q.record(time.Since(start), len(recs), err)
	return recs, exhausted, wrapQueryErr("aicf.Query.Search", err)
}

// record folds one query's outcome into the store's read-path counters and
// latency statistic, shared by every method above.
func (q Query) record(d time.Duration, n int, err error) {
	q.m.QueriesTotal.Add(1)
	q.m.RecordsStreamed.Add(int64(n))
	q.m.RecordQueryLatency(d)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		q.m.ReadsCancelled.Add(1)
	}
}

func wrapQueryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return E(KindIOError, op, "", err)
}
