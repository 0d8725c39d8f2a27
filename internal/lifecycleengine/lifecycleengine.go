// Package lifecycleengine implements the store's aging/compression pass
// (spec §4.11): walk every prose-bearing record file, classify each
// record's age bucket relative to now, and progressively compress or drop
// its content — except a critical decision, which is never removed, only
// wrapped in a back-referencing CONSOLIDATION record once it reaches the
// Archived bucket.
//
// Grounded on the teacher's management.go sweep shape (DomainRegistry's
// periodic persist-the-whole-registry pass) generalized from "rewrite a
// JSON snapshot" to "rewrite an AICF file under its lock"; the actual
// per-file swap goes through internal/fileops.RewriteLocked, the same
// Locker every writer uses, so a sweep can never race a concurrent append.
package lifecycleengine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"aicf-core/internal/fileops"
	"aicf-core/internal/logger"
	"aicf-core/internal/wire"
)

// agedFiles are the only store files lifecycle ever rewrites: the
// prose-bearing conversation memory and the session/state file (for its
// temp-scope eviction rule). embeddings.aicf and consolidations.aicf are
// never aged — embeddings aren't prose, and a CONSOLIDATION record is
// lifecycle's own terminal, permanent output.
var agedFiles = []string{"conversations.aicf", "sessions.aicf"}

const consolidationsFile = "consolidations.aicf"

// Buckets holds the day thresholds for each age bucket (spec §4.11's
// table), upper-bound inclusive. Zero value is invalid; use
// DefaultBuckets.
type Buckets struct {
	RecentMaxDays   int
	MediumMaxDays   int
	OldMaxDays      int
	ArchivedMaxDays int
}

// DefaultBuckets is the spec's stated default range (Recent 0-7, Medium
// 8-30, Old 31-90, Archived 91-365, Purgeable >365).
var DefaultBuckets = Buckets{RecentMaxDays: 7, MediumMaxDays: 30, OldMaxDays: 90, ArchivedMaxDays: 365}

type ageBucket int

const (
	bucketRecent ageBucket = iota
	bucketMedium
	bucketOld
	bucketArchived
	bucketPurgeable
)

func (b Buckets) classify(ageDays float64) ageBucket {
	switch {
	case ageDays <= float64(b.RecentMaxDays):
		return bucketRecent
	case ageDays <= float64(b.MediumMaxDays):
		return bucketMedium
	case ageDays <= float64(b.OldMaxDays):
		return bucketOld
	case ageDays <= float64(b.ArchivedMaxDays):
		return bucketArchived
	default:
		return bucketPurgeable
	}
}

// Rebuilder is the subset of internal/index.Index's API lifecycle needs:
// a full sidecar recompute after a file swap ("the engine updates the
// index", spec §4.11). Engine works without one.
type Rebuilder interface {
	Rebuild(ctx context.Context, files []string, streamingThreshold int64) error
}

// Options configures a new Engine.
type Options struct {
	BaseDir            string
	Buckets            Buckets
	StreamingThreshold int64
	Logger             *logger.Logger
	Index              Rebuilder
	LockTTL            time.Duration
	LockTimeout        time.Duration
}

// Engine runs lifecycle sweeps over one store directory.
type Engine struct {
	opts Options
}

// New returns an Engine. A zero Buckets in opts is replaced with
// DefaultBuckets.
func New(opts Options) *Engine {
	if opts.Buckets == (Buckets{}) {
		opts.Buckets = DefaultBuckets
	}
	return &Engine{opts: opts}
}

// Report summarizes one Sweep's effect, for Store.Metrics() and tests.
type Report struct {
	FilesRewritten        int
	RecordsRecent         int
	RecordsMedium         int
	RecordsOld            int
	RecordsArchived       int
	RecordsPurged         int
	TempStateDropped      int
	ConsolidationsEmitted int
	BytesBefore           int64
	BytesAfter            int64
}

func (e *Engine) path(file string) string {
	return filepath.Join(e.opts.BaseDir, file)
}

func (e *Engine) fileopsOptions() fileops.Options {
	return fileops.Options{StaleLockTTL: e.opts.LockTTL, LockTimeout: e.opts.LockTimeout, Logger: e.opts.Logger}
}

// Sweep walks every aged file once, rewriting it in place with each
// record's bucket-appropriate compression, then appends any newly emitted
// CONSOLIDATION records to consolidations.aicf and, if an Index is
// configured, rebuilds its sidecar over every touched file.
func (e *Engine) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := time.Now().UTC()

	var pendingConsolidations []*wire.Record
	touched := make([]string, 0, len(agedFiles)+1)

	for _, file := range agedFiles {
		rewrote, consolidations, err := e.sweepFile(ctx, file, now, report)
		if err != nil {
			return nil, fmt.Errorf("lifecycleengine: sweep %s: %w", file, err)
		}
		if rewrote {
			report.FilesRewritten++
			touched = append(touched, file)
		}
		pendingConsolidations = append(pendingConsolidations, consolidations...)
	}

	if len(pendingConsolidations) > 0 {
		if err := e.appendConsolidations(ctx, pendingConsolidations); err != nil {
			return nil, fmt.Errorf("lifecycleengine: emit consolidations: %w", err)
		}
		report.ConsolidationsEmitted += len(pendingConsolidations)
		touched = append(touched, consolidationsFile)
	}

	if e.opts.Index != nil && len(touched) > 0 {
		if err := e.opts.Index.Rebuild(ctx, touched, e.opts.StreamingThreshold); err != nil {
			return nil, fmt.Errorf("lifecycleengine: rebuild index: %w", err)
		}
	}

	return report, nil
}

// appendConsolidations compiles and tail-appends recs to consolidations.aicf.
// Unlike a rewrite, this is a pure append — consolidations from a previous
// sweep are never touched by a later one.
func (e *Engine) appendConsolidations(ctx context.Context, recs []*wire.Record) error {
	compiler := wire.NewCompiler()
	var lines []string
	for _, rec := range recs {
		compiled, err := compiler.Compile(rec)
		if err != nil {
			return err
		}
		lines = append(lines, compiled...)
	}
	path := e.path(consolidationsFile)
	// expectedLastLine=0 skips AppendLocked's optimistic check — it always
	// re-derives the true last line from the file tail under the lock, so
	// lifecycle (which has no running fileState like writerengine's Engine
	// does) never needs to track it itself.
	_, err := fileops.AppendLocked(ctx, path, lines, 0, 0, e.fileopsOptions())
	return err
}

// newConsolidationID derives a stable, readable id for the CONSOLIDATION
// record back-referencing sourceID, distinguishable from a random UUID in
// logs and test fixtures.
func newConsolidationID(sourceID string) string {
	if sourceID == "" {
		return "consolidation-" + uuid.NewString()
	}
	return "consolidation-" + strings.ReplaceAll(sourceID, ":", "_")
}
