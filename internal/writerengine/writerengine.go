// Package writerengine implements the store's only mutation path: validate,
// sanitize, redact, lock, write, index, per spec §4.8's state machine. A
// public Write* method builds a wire.Record for its kind, then every kind
// funnels through the shared Append, which is the only place the state
// machine is driven.
//
// Grounded on the teacher's request-pipeline shape in anonymizer.go
// (validate → transform → dispatch, each stage a named method) generalized
// from one HTTP request to one persisted record.
package writerengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"aicf-core/internal/fileops"
	"aicf-core/internal/logger"
	"aicf-core/internal/pathvalidate"
	"aicf-core/internal/pii"
	"aicf-core/internal/sanitize"
	"aicf-core/internal/wire"
)

// Sentinel errors this package returns, wrapped with operation context.
// The root package maps these to its closed Kind enum (errors.Is against
// each) rather than writerengine importing that enum directly — internal
// packages sit below the root package in the import graph and cannot
// import it back.
var (
	ErrInvalidRecord  = errors.New("writerengine: invalid record")
	ErrInvalidPath    = errors.New("writerengine: invalid path")
	ErrFieldTooLarge  = errors.New("writerengine: field exceeds size limit")
	ErrDuplicateID    = errors.New("writerengine: duplicate id")
	ErrQuotaExceeded  = errors.New("writerengine: file exceeds quota")
	ErrRateLimited    = errors.New("writerengine: rate limited")
	ErrIndexUpdate    = errors.New("writerengine: index update failed")
	ErrIO             = errors.New("writerengine: io error")
)

// wrap attaches op and the draft's identity to a sentinel error, folding
// in an underlying cause when present.
func wrap(sentinel error, op string, d *draft, cause error) error {
	if cause != nil {
		return fmt.Errorf("%s: kind=%s id=%s: %w: %w", op, d.kind, d.id, sentinel, cause)
	}
	return fmt.Errorf("%s: kind=%s id=%s: %w", op, d.kind, d.id, sentinel)
}

// State names one step of the per-append state machine (spec §4.8):
//
//	INIT → VALIDATED → SANITIZED → LOCKED → WRITTEN → INDEXED → DONE
//	                                   └─ on error ─→ ROLLED_BACK → FAILED
type State int

const (
	StateInit State = iota
	StateValidated
	StateSanitized
	StateLocked
	StateWritten
	StateIndexed
	StateDone
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateValidated:
		return "VALIDATED"
	case StateSanitized:
		return "SANITIZED"
	case StateLocked:
		return "LOCKED"
	case StateWritten:
		return "WRITTEN"
	case StateIndexed:
		return "INDEXED"
	case StateDone:
		return "DONE"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FileForKind maps a record kind to its store file, per spec §6.3.
func FileForKind(kind wire.Kind) string {
	switch kind {
	case wire.KindConversation, wire.KindFlow, wire.KindInsights, wire.KindDecisions, wire.KindLinks:
		return "conversations.aicf"
	case wire.KindSession, wire.KindState:
		return "sessions.aicf"
	case wire.KindEmbedding:
		return "embeddings.aicf"
	case wire.KindConsolidation:
		return "consolidations.aicf"
	default:
		return "conversations.aicf"
	}
}

// RecordRef identifies a written record: which file it landed in and at
// which line its header starts.
type RecordRef struct {
	Kind wire.Kind
	ID   string
	File string
	Line int64
}

// Indexer is notified after a successful append so a side index (internal/
// index's bbolt sidecar) can be kept current inside the same operation.
// Engine works without one.
type Indexer interface {
	Update(kind wire.Kind, id, file string, line int64) error
}

// AuditEvent is emitted for every write attempt, successful or not, per
// spec §4.12 ("every write ... emits a structured audit event").
type AuditEvent struct {
	Op      string
	Kind    wire.Kind
	ID      string
	File    string
	Bytes   int
	Outcome string // "ok" or "error"
	Err     error
}

// AuditSink receives every AuditEvent. Engine works without one.
type AuditSink interface {
	Record(AuditEvent)
}

// RateLimiter gates writes before they reach the lock, per spec §4.12's
// token-bucket. Engine works without one (unlimited writes).
type RateLimiter interface {
	Allow() bool
}

// Options configures a new Engine.
type Options struct {
	BaseDir         string
	Limits          pathvalidate.Limits
	EnableRedaction bool
	RedactionMode   pii.Mode
	HashKey         []byte
	LockTTL         time.Duration
	LockTimeout     time.Duration
	MaxRetries      int
	Logger          *logger.Logger
	Indexer         Indexer
	Audit           AuditSink
	RateLimiter     RateLimiter
}

// fileState tracks the engine's optimistic view of one store file, so each
// Append avoids an extra read before taking the lock.
type fileState struct {
	mu       sync.Mutex
	lastLine int64
	checksum uint32
}

// Engine drives the append state machine for every kind this store writes.
// One Engine serves a whole store (all its files), synchronizing per-file
// state internally; callers do not need one Engine per file.
type Engine struct {
	opts Options

	redactor *pii.Redactor

	filesMu sync.Mutex
	files   map[string]*fileState

	seenMu sync.Mutex
	seen   map[wire.Kind]map[string]bool // in-process duplicate-id tracking

	embeddingDimMu sync.Mutex
	embeddingDim   int
}

// New returns an Engine writing under opts.BaseDir.
func New(opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RedactionMode == "" {
		opts.RedactionMode = pii.ModeMask
	}
	return &Engine{
		opts:     opts,
		redactor: pii.NewRedactor(opts.HashKey),
		files:    make(map[string]*fileState),
		seen:     make(map[wire.Kind]map[string]bool),
	}
}

func (e *Engine) fileStateFor(path string) *fileState {
	e.filesMu.Lock()
	defer e.filesMu.Unlock()
	fs, ok := e.files[path]
	if !ok {
		fs = &fileState{}
		e.files[path] = fs
	}
	return fs
}

// draft is the mutable record-in-progress carried between pipeline stages.
type draft struct {
	kind     wire.Kind
	id       string
	metadata [][2]string // key, value, in caller-specified order
	payload  [][]string  // each inner slice is one payload line's raw fields
	path     string
	state    State
}

// Append runs the full pipeline for one record and returns its RecordRef.
// This is the single entry point every Write* method funnels through.
func (e *Engine) Append(ctx context.Context, d *draft) (RecordRef, error) {
	op := "writerengine.append"
	d.state = StateInit

	if e.opts.RateLimiter != nil && !e.opts.RateLimiter.Allow() {
		return e.fail(op, d, wrap(ErrRateLimited, op, d, nil))
	}

	if err := e.validate(d); err != nil {
		return e.fail(op, d, err)
	}
	d.state = StateValidated

	if err := e.sanitizeFields(d); err != nil {
		return e.fail(op, d, err)
	}
	d.state = StateSanitized

	if e.opts.EnableRedaction {
		e.redact(d)
	}

	if d.id == "" {
		d.id = uuid.NewString()
	}
	if e.isDuplicate(d.kind, d.id) {
		return e.fail(op, d, wrap(ErrDuplicateID, op, d, nil))
	}

	rec := wire.NewRecord(d.kind, d.id)
	for _, kv := range d.metadata {
		rec.Metadata.Set(kv[0], kv[1])
	}
	rec.Payload = d.payload

	compiler := wire.NewCompiler()
	bodyLines, err := compiler.Compile(rec)
	if err != nil {
		return e.fail(op, d, wrap(ErrInvalidRecord, op, d, err))
	}

	path, err := pathvalidate.Validate(e.opts.BaseDir, d.path, e.opts.Limits)
	if err != nil {
		return e.fail(op, d, wrap(ErrInvalidPath, op, d, err))
	}

	if info, statErr := os.Stat(path); statErr == nil {
		if sizeErr := pathvalidate.CheckFileSize(info.Size(), e.opts.Limits); sizeErr != nil {
			return e.fail(op, d, wrap(ErrQuotaExceeded, op, d, sizeErr))
		}
	}

	ref, err := e.appendLockedWithRetry(ctx, path, bodyLines, d)
	if err != nil {
		return e.fail(op, d, err)
	}

	e.markSeen(d.kind, d.id)
	d.state = StateDone
	e.audit(AuditEvent{Op: op, Kind: d.kind, ID: d.id, File: path, Bytes: sumLen(bodyLines), Outcome: "ok"})
	return ref, nil
}

// appendLockedWithRetry drives LOCKED → WRITTEN → INDEXED, retrying a
// ConcurrentModification with cenkalti/backoff's exponential policy,
// its interval capped per spec §4.8 at 500ms, with at most
// opts.MaxRetries retries after the first attempt.
func (e *Engine) appendLockedWithRetry(ctx context.Context, path string, bodyLines []string, d *draft) (RecordRef, error) {
	fs := e.fileStateFor(path)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.opts.MaxRetries)), ctx)

	expected := fs.lastLine
	var ref RecordRef
	attempt := func() error {
		d.state = StateLocked
		res, err := fileops.AppendLocked(ctx, path, bodyLines, expected, fs.checksum, fileops.Options{
			StaleLockTTL: e.opts.LockTTL,
			LockTimeout:  e.opts.LockTimeout,
			Logger:       e.opts.Logger,
		})
		if err != nil {
			if err == fileops.ErrConcurrentModification {
				expected = 0 // force a fresh, unchecked read on the next attempt
				return err   // retryable
			}
			return backoff.Permanent(err)
		}
		d.state = StateWritten
		fs.lastLine = res.NewLastLine
		fs.checksum = res.Checksum

		if e.opts.Indexer != nil {
			if idxErr := e.opts.Indexer.Update(d.kind, d.id, filepath.Base(path), res.NewLastLine-int64(len(bodyLines))+1); idxErr != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrIndexUpdate, idxErr))
			}
		}
		d.state = StateIndexed
		ref = RecordRef{Kind: d.kind, ID: d.id, File: path, Line: res.NewLastLine - int64(len(bodyLines)) + 1}
		return nil
	}

	if err := backoff.Retry(attempt, policy); err != nil {
		d.state = StateRolledBack
		switch {
		case errors.Is(err, fileops.ErrConcurrentModification):
			return RecordRef{}, wrap(fileops.ErrConcurrentModification, "writerengine.append", d, err)
		case errors.Is(err, fileops.ErrLockTimeout):
			return RecordRef{}, wrap(fileops.ErrLockTimeout, "writerengine.append", d, err)
		case errors.Is(err, ErrIndexUpdate):
			return RecordRef{}, err
		default:
			return RecordRef{}, wrap(ErrIO, "writerengine.append", d, err)
		}
	}
	return ref, nil
}

func (e *Engine) fail(op string, d *draft, err error) (RecordRef, error) {
	d.state = StateFailed
	e.audit(AuditEvent{Op: op, Kind: d.kind, ID: d.id, Outcome: "error", Err: err})
	if e.opts.Logger != nil {
		e.opts.Logger.Warnf("write_failed", "kind=%s id=%s state=%s err=%v", d.kind, d.id, d.state, err)
	}
	return RecordRef{}, err
}

func (e *Engine) audit(evt AuditEvent) {
	if e.opts.Audit != nil {
		e.opts.Audit.Record(evt)
	}
}

func sumLen(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1 // +1 for the newline each gets on write
	}
	return n
}

// Seed hydrates the engine's in-process duplicate-id tracking and
// embedding-dimension lock from a store's persisted state. Engine starts
// with no memory of what's already on disk, so a caller reopening an
// existing store must call this once, right after New, with every
// (kind, id) pair already recorded (grouped by kind) and the store's
// already-locked embedding dimension (0 if no embedding has been written
// yet) — otherwise a reopened store would accept a duplicate id or a
// mismatched embedding dimension as if it were empty.
func (e *Engine) Seed(ids map[wire.Kind][]string, embeddingDim int) {
	e.seenMu.Lock()
	for kind, kindIDs := range ids {
		if e.seen[kind] == nil {
			e.seen[kind] = make(map[string]bool, len(kindIDs))
		}
		for _, id := range kindIDs {
			e.seen[kind][id] = true
		}
	}
	e.seenMu.Unlock()

	if embeddingDim > 0 {
		e.embeddingDimMu.Lock()
		e.embeddingDim = embeddingDim
		e.embeddingDimMu.Unlock()
	}
}

func (e *Engine) isDuplicate(kind wire.Kind, id string) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	return e.seen[kind] != nil && e.seen[kind][id]
}

func (e *Engine) markSeen(kind wire.Kind, id string) {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if e.seen[kind] == nil {
		e.seen[kind] = make(map[string]bool)
	}
	e.seen[kind][id] = true
}

// validate checks required shape before any text transformation runs.
func (e *Engine) validate(d *draft) error {
	if d.kind == "" {
		return wrap(ErrInvalidRecord, "writerengine.validate", d, fmt.Errorf("missing kind"))
	}
	if arity, ok := wire.PayloadArity[d.kind]; ok {
		for _, fields := range d.payload {
			if len(fields) != arity {
				return wrap(ErrInvalidRecord, "writerengine.validate",
					d, fmt.Errorf("kind %s expects %d payload fields, got %d", d.kind, arity, len(fields)))
			}
		}
	}
	if d.kind == wire.KindEmbedding && len(d.payload) == 1 {
		dim, err := strconv.Atoi(d.payload[0][1])
		if err != nil {
			return wrap(ErrInvalidRecord, "writerengine.validate", d, fmt.Errorf("non-numeric embedding dimension: %w", err))
		}
		if err := e.lockEmbeddingDim(dim); err != nil {
			return wrap(ErrInvalidRecord, "writerengine.validate", d, err)
		}
	}
	return nil
}

// sanitizeFields escapes every metadata value and payload field, rejecting
// the operation wholesale if any field exceeds the configured size cap —
// no partial record is ever assembled from a mix of accepted/rejected
// fields.
func (e *Engine) sanitizeFields(d *draft) error {
	maxField := 0
	if e.opts.Limits.MaxFileSize > 0 {
		maxField = int(e.opts.Limits.MaxFileSize) // generous upper bound; see DESIGN.md
	}
	for i, kv := range d.metadata {
		escaped, err := sanitize.Sanitize(kv[1], maxField)
		if err != nil {
			return wrap(ErrFieldTooLarge, "writerengine.sanitize", d, err)
		}
		d.metadata[i][1] = escaped
	}
	for _, fields := range d.payload {
		for i, f := range fields {
			escaped, err := sanitize.Sanitize(f, maxField)
			if err != nil {
				return wrap(ErrFieldTooLarge, "writerengine.sanitize", d, err)
			}
			fields[i] = escaped
		}
	}
	return nil
}

// redact applies the configured PII redaction mode to every text field,
// in place. Called after sanitize (escaping) so redaction markers never
// collide with delimiter escaping.
func (e *Engine) redact(d *draft) {
	for i, kv := range d.metadata {
		redacted, _ := e.redactor.Redact(kv[1], e.opts.RedactionMode)
		d.metadata[i][1] = redacted
	}
	for _, fields := range d.payload {
		for i, f := range fields {
			redacted, _ := e.redactor.Redact(f, e.opts.RedactionMode)
			fields[i] = redacted
		}
	}
}
