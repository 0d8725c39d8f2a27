// Package audit implements the store's write-audit trail (spec §4.12):
// every writerengine.AuditEvent is kept in a fixed-capacity in-memory ring
// for Store.Metrics() to summarize, and durably appended to a rotating
// JSON-line log file.
//
// Grounded on the teacher's scattered log.Printf("[ANONYMIZER] ...",
// "[PROXY] ...") call sites (cmd/proxy/main.go, internal/mitm/mitm.go,
// internal/management/management.go): this generalizes that "one line per
// notable event" habit into a single structured sink every writer goes
// through, recorded as JSON instead of a free-text line so a downstream
// tool can actually parse it.
package audit

import (
	"container/ring"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"

	"aicf-core/internal/logger"
	"aicf-core/internal/writerengine"
)

// DefaultRingSize is the number of recent events Ring keeps in memory for
// Store.Metrics(), independent of how much has been flushed to disk.
const DefaultRingSize = 1000

// Event is the durable, JSON-encodable form of a writerengine.AuditEvent:
// the same fields, plus the wall-clock time the event was recorded and the
// error reduced to a string so it survives encoding.
type Event struct {
	Time    time.Time `json:"time"`
	Op      string    `json:"op"`
	Kind    string    `json:"kind"`
	ID      string    `json:"id"`
	File    string    `json:"file,omitempty"`
	Bytes   int       `json:"bytes,omitempty"`
	Outcome string    `json:"outcome"`
	Err     string    `json:"err,omitempty"`
}

func toEvent(evt writerengine.AuditEvent, now time.Time) Event {
	e := Event{
		Time:    now,
		Op:      evt.Op,
		Kind:    string(evt.Kind),
		ID:      evt.ID,
		File:    evt.File,
		Bytes:   evt.Bytes,
		Outcome: evt.Outcome,
	}
	if evt.Err != nil {
		e.Err = evt.Err.Error()
	}
	return e
}

// Options configures a new Ring.
type Options struct {
	// Size is the ring's capacity. Zero uses DefaultRingSize.
	Size int
	// LogPath is the rotating JSON-line file events are appended to. Empty
	// disables the on-disk trail — Ring then only holds the in-memory tail.
	LogPath    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Logger     *logger.Logger
}

// Ring is a fixed-capacity, in-memory tail of recent audit events backed by
// container/ring, paired with an optional rotating on-disk log. It
// implements writerengine.AuditSink.
type Ring struct {
	mu   sync.Mutex
	r    *ring.Ring
	size int
	file *lumberjack.Logger
	log  *logger.Logger
}

// NewRing builds a Ring per opts. If opts.LogPath is set, events are also
// appended as JSON lines to a lumberjack-rotated file at that path.
func NewRing(opts Options) *Ring {
	size := opts.Size
	if size <= 0 {
		size = DefaultRingSize
	}

	rg := &Ring{r: ring.New(size), size: size, log: opts.Logger}
	if opts.LogPath != "" {
		rg.file = &lumberjack.Logger{
			Filename:   opts.LogPath,
			MaxSize:    nonZero(opts.MaxSizeMB, 50),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
	}
	return rg
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Record implements writerengine.AuditSink. It is safe for concurrent use.
func (rg *Ring) Record(evt writerengine.AuditEvent) {
	e := toEvent(evt, time.Now().UTC())

	rg.mu.Lock()
	rg.r.Value = e
	rg.r = rg.r.Next()
	rg.mu.Unlock()

	if rg.file == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		rg.log.Warnf("audit_marshal", "event kind=%s id=%s: %v", e.Kind, e.ID, err)
		return
	}
	line = append(line, '\n')
	if _, err := rg.file.Write(line); err != nil {
		rg.log.Warnf("audit_write", "path=%s: %v", rg.file.Filename, err)
	}
}

// Recent returns up to n of the most recently recorded events, newest
// first. n<=0 returns every event currently held.
func (rg *Ring) Recent(n int) []Event {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	out := make([]Event, 0, rg.size)
	rg.r.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(Event))
	})
	// ring.Do walks oldest-to-newest starting from the current cursor;
	// reverse so callers get newest-first like GetLast elsewhere in the
	// store.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Close flushes and closes the on-disk log, if one is configured.
func (rg *Ring) Close() error {
	if rg.file == nil {
		return nil
	}
	return rg.file.Close()
}
