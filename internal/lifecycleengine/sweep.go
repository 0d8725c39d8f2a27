package lifecycleengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aicf-core/internal/fileops"
	"aicf-core/internal/streamreader"
	"aicf-core/internal/wire"
)

// sweepFile rewrites one aged file in place, classifying every record it
// holds and applying that bucket's compression rule. It returns whether
// the file was actually rewritten (a no-op sweep — every record still
// Recent — skips the lock-and-rewrite entirely) and any CONSOLIDATION
// records the pass produced, for the caller to append elsewhere.
func (e *Engine) sweepFile(ctx context.Context, file string, now time.Time, report *Report) (bool, []*wire.Record, error) {
	path := e.path(file)
	r := streamreader.New(path, e.opts.StreamingThreshold)
	it, err := r.IterRecords(ctx, nil, 0)
	if err != nil {
		return false, nil, err
	}
	defer it.Close()

	compiler := wire.NewCompiler()
	var kept []string
	var consolidations []*wire.Record
	changed := false
	var bytesBefore, bytesAfter int64

	for it.Next() {
		rec := it.Record()
		bytesBefore += recordByteSize(rec)
		out, consolidation, bucket := e.transform(rec, now)
		// A critical record kept in the Purgeable bucket was not purged.
		if bucket != bucketRecent && !(bucket == bucketPurgeable && out != nil) {
			tally(report, bucket)
		}
		if rec.Kind == wire.KindState && out == nil {
			report.TempStateDropped++
		}
		if consolidation != nil {
			consolidations = append(consolidations, consolidation)
		}
		if out == nil {
			changed = true
			continue
		}
		if out != rec {
			changed = true
		}
		lines, err := compiler.Compile(out)
		if err != nil {
			return false, nil, fmt.Errorf("lifecycleengine: compile %s:%s: %w", out.Kind, out.ID, err)
		}
		for _, l := range lines {
			bytesAfter += int64(len(l)) + 1
		}
		kept = append(kept, lines...)
	}
	if err := it.Err(); err != nil {
		return false, nil, err
	}
	report.BytesBefore += bytesBefore

	if !changed {
		report.BytesAfter += bytesBefore
		return false, consolidations, nil
	}

	if _, err := fileops.RewriteLocked(ctx, path, kept, e.fileopsOptions()); err != nil {
		return false, nil, err
	}
	report.BytesAfter += bytesAfter
	return true, consolidations, nil
}

// recordByteSize estimates rec's on-disk footprint from its decoded
// fields — close enough for the lifecycle report's shrink percentage
// without re-reading the original compiled lines.
func recordByteSize(rec *wire.Record) int64 {
	n := int64(len(rec.Kind)) + int64(len(rec.ID)) + 2
	rec.Metadata.Each(func(k, v string) {
		n += int64(len(k)) + int64(len(v)) + 2
	})
	for _, fields := range rec.Payload {
		for _, f := range fields {
			n += int64(len(f)) + 1
		}
	}
	return n
}

func tally(report *Report, bucket ageBucket) {
	switch bucket {
	case bucketMedium:
		report.RecordsMedium++
	case bucketOld:
		report.RecordsOld++
	case bucketArchived:
		report.RecordsArchived++
	case bucketPurgeable:
		report.RecordsPurged++
	}
}

// transform classifies rec by age and returns (keptRecord, consolidation,
// bucket). keptRecord is nil if rec should be dropped entirely;
// consolidation is non-nil only when a critical decision crosses into the
// Archived bucket. A record with no parseable timestamp, or one that
// falls in a kind this sweep does not age (LINKS, WORK, MEMORY, EMBEDDING,
// CONSOLIDATION), is returned unchanged.
func (e *Engine) transform(rec *wire.Record, now time.Time) (*wire.Record, *wire.Record, ageBucket) {
	if rec.Kind == wire.KindState {
		return e.transformState(rec), nil, bucketRecent
	}
	if !ageable(rec.Kind) {
		return rec, nil, bucketRecent
	}

	ts, ok := recordAge(rec)
	if !ok {
		return rec, nil, bucketRecent
	}
	ageDays := now.Sub(ts).Hours() / 24
	bucket := e.opts.Buckets.classify(ageDays)
	if bucket == bucketRecent {
		return rec, nil, bucketRecent
	}

	critical := isCritical(rec)

	switch bucket {
	case bucketMedium:
		if critical {
			return rec, nil, bucket
		}
		return keyPointsCompress(rec), nil, bucket

	case bucketOld:
		if critical {
			return rec, nil, bucket
		}
		return compress(rec, ts), nil, bucket

	case bucketArchived:
		if critical {
			return rec, consolidationFor(rec, ts), bucket
		}
		return compress(rec, ts), nil, bucket

	default: // bucketPurgeable
		if critical {
			return rec, nil, bucket
		}
		return nil, nil, bucket
	}
}

// transformState drops a temp-scoped STATE record unconditionally (spec
// §4.11: "temp-scoped state is deleted in every pass regardless of age")
// and leaves every other scope untouched — session/user/app state is not
// subject to aging at all.
func (e *Engine) transformState(rec *wire.Record) *wire.Record {
	isTemp := false
	rec.Metadata.Each(func(key, _ string) {
		if isTemp {
			return
		}
		if strings.HasPrefix(key, string(wire.ScopeTemp)+":") {
			isTemp = true
		}
	})
	if isTemp {
		return nil
	}
	return rec
}

// ageable reports whether kind participates in the aging sweep at all.
// SESSION ages like CONVERSATION (a session's own metadata can go stale);
// STATE is handled separately by transformState; everything else
// (LINKS, WORK, MEMORY, EMBEDDING, CONSOLIDATION) passes through
// untouched — none of them are the prose this engine compresses.
func ageable(kind wire.Kind) bool {
	switch kind {
	case wire.KindConversation, wire.KindSession, wire.KindFlow, wire.KindInsights, wire.KindDecisions:
		return true
	default:
		return false
	}
}

// recordAge returns the instant rec should be aged from: its "timestamp"
// metadata, falling back to "timestamp_end" for a record that only
// carries a range.
func recordAge(rec *wire.Record) (time.Time, bool) {
	for _, key := range []string{"timestamp", "timestamp_end"} {
		if v, ok := rec.Metadata.Get(key); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// isCritical reports whether rec is exempt from removal: a DECISIONS
// record with impact HIGH or CRITICAL, or an INSIGHTS record flagged at
// "high" or "critical" priority (spec §4.11's "top insights").
func isCritical(rec *wire.Record) bool {
	switch rec.Kind {
	case wire.KindDecisions:
		return len(rec.Payload) == 1 && len(rec.Payload[0]) == 4 && isTopPriority(rec.Payload[0][2])
	case wire.KindInsights:
		return len(rec.Payload) == 1 && len(rec.Payload[0]) == 5 && isTopPriority(rec.Payload[0][2])
	default:
		return false
	}
}

func isTopPriority(v string) bool {
	switch strings.ToUpper(v) {
	case "HIGH", "CRITICAL":
		return true
	default:
		return false
	}
}

// keyPointsCompress drops a non-critical record's prose body while
// keeping every structured key-point field (impact, confidence, category,
// priority) verbatim — spec §4.11's Medium bucket (8-30 days) survives in
// this compressed form rather than the single-line summary compress
// produces for Old/Archived, and rather than being deleted outright like
// Purgeable. A kind with no prose field to begin with (CONVERSATION,
// SESSION) passes through unchanged.
func keyPointsCompress(rec *wire.Record) *wire.Record {
	switch rec.Kind {
	case wire.KindDecisions:
		impact, confidence := "", ""
		if len(rec.Payload) == 1 && len(rec.Payload[0]) == 4 {
			impact, confidence = rec.Payload[0][2], rec.Payload[0][3]
		}
		out := wire.NewRecord(rec.Kind, rec.ID)
		rec.Metadata.Each(func(k, v string) { out.Metadata.Set(k, v) })
		out.Payload = [][]string{{"", "", impact, confidence}}
		return out

	case wire.KindInsights:
		category, priority, confidence := "", "", ""
		if len(rec.Payload) == 1 && len(rec.Payload[0]) == 5 {
			category, priority, confidence = rec.Payload[0][1], rec.Payload[0][2], rec.Payload[0][3]
		}
		out := wire.NewRecord(rec.Kind, rec.ID)
		rec.Metadata.Each(func(k, v string) { out.Metadata.Set(k, v) })
		out.Payload = [][]string{{"", category, priority, confidence, ""}}
		return out

	case wire.KindFlow:
		out := wire.NewRecord(rec.Kind, rec.ID)
		rec.Metadata.Each(func(k, v string) { out.Metadata.Set(k, v) })
		out.Payload = [][]string{{""}}
		return out

	default:
		return rec
	}
}

// compress replaces rec's prose content with a single-line
// date|key_decision|outcome summary (spec §4.11's Old/Archived action),
// preserving each kind's fixed payload arity so the rewritten record still
// compiles and parses cleanly.
func compress(rec *wire.Record, ts time.Time) *wire.Record {
	date := ts.Format("2006-01-02")
	keyDecision := summarize(rec)
	outcome := "compressed"
	summary := date + "|" + keyDecision + "|" + outcome

	out := wire.NewRecord(rec.Kind, rec.ID)
	if v, ok := rec.Metadata.Get("timestamp"); ok {
		out.Metadata.Set("timestamp", v)
	}

	switch rec.Kind {
	case wire.KindConversation, wire.KindSession:
		out.Metadata.Set("summary", summary)
	case wire.KindFlow:
		out.Payload = [][]string{{summary}}
	case wire.KindDecisions:
		impact, confidence := "", ""
		if len(rec.Payload) == 1 && len(rec.Payload[0]) == 4 {
			impact, confidence = rec.Payload[0][2], rec.Payload[0][3]
		}
		out.Payload = [][]string{{summary, "", impact, confidence}}
	case wire.KindInsights:
		category, priority := "", ""
		if len(rec.Payload) == 1 && len(rec.Payload[0]) == 5 {
			category, priority = rec.Payload[0][1], rec.Payload[0][2]
		}
		out.Payload = [][]string{{summary, category, priority, "", ""}}
	default:
		out.Metadata.Set("summary", summary)
	}
	return out
}

// summarize extracts a short key-decision phrase from rec's own text,
// falling back to its id when no text field exists.
func summarize(rec *wire.Record) string {
	text := ""
	switch rec.Kind {
	case wire.KindDecisions, wire.KindInsights, wire.KindFlow:
		if len(rec.Payload) == 1 && len(rec.Payload[0]) > 0 {
			text = rec.Payload[0][0]
		}
	}
	if text == "" {
		if v, ok := rec.Metadata.Get("status"); ok {
			text = v
		}
	}
	if text == "" {
		text = rec.ID
	}
	const maxLen = 40
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}

// consolidationFor builds the CONSOLIDATION record that preserves a
// critical record's id as a back-reference once it reaches the Archived
// bucket (spec §4.11's invariant). The critical record itself is kept
// verbatim alongside this wrapper, so last(DECISIONS, n)/last(INSIGHTS, n)
// continue to find it by its original id.
func consolidationFor(rec *wire.Record, ts time.Time) *wire.Record {
	out := wire.NewRecord(wire.KindConsolidation, newConsolidationID(rec.ID))
	out.Payload = [][]string{{rec.ID, "lifecycle_archive", summarize(rec), string(rec.Kind)}}
	out.Metadata.Set("archived_at", ts.Format(time.RFC3339))
	return out
}
