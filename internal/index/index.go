// Package index implements the store's side index (spec §4.9): a
// human-readable `@INDEX` record embedded in index.aicf, tracking one
// Summary per record file, plus a bbolt-backed sidecar mapping
// (kind, id) -> (file, line) for O(1) lookups that internal/streamreader's
// FindByID and internal/writerengine's post-write notification both use.
//
// Grounded on two teacher patterns generalized onto one component: the
// management package's DomainRegistry.persist (atomic temp-file-then-
// rename for the human-readable side) and anonymizer/cache.go's bbolt
// open-or-create-bucket posture (for the sidecar).
package index

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"aicf-core/internal/fileops"
	"aicf-core/internal/streamreader"
	"aicf-core/internal/wire"
)

const (
	sidecarFile  = "index.sidecar.db"
	indexFile    = "index.aicf"
	byIDBucket   = "by_id"
	aicfVersion  = "3.1"
	keySeparator = "\x00"
)

// Summary is one record file's entry in the @INDEX record (spec §4.1's
// "Index entry").
type Summary struct {
	LastLine    int64
	LastID      string
	RecordCount int64
	ByteSize    int64
	Checksum    uint32
}

// Index owns the sidecar bbolt database and the in-memory Summary set
// backing index.aicf. Safe for concurrent use.
type Index struct {
	dir string
	db  *bolt.DB

	mu        sync.Mutex
	summaries map[string]Summary
	version   string
	updatedAt string
}

// Open opens (or creates) the sidecar database under dir and loads any
// existing index.aicf summaries. A store with no prior index.aicf starts
// with an empty summary set — the first Rebuild or Update populates it.
func Open(dir string) (*Index, error) {
	db, err := bolt.Open(filepath.Join(dir, sidecarFile), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("index: open sidecar: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(byIDBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create bucket: %w", err)
	}

	idx := &Index{dir: dir, db: db, summaries: make(map[string]Summary), version: aicfVersion}
	if err := idx.load(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the sidecar database's file handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// sidecarKey packs kind and id into one bbolt key. AICF ids are opaque
// but printable and never contain NUL (spec §4.1), so NUL safely
// separates the two components.
func sidecarKey(kind wire.Kind, id string) []byte {
	return []byte(string(kind) + keySeparator + id)
}

// Update records that file now has a header for (kind, id) starting at
// line, and bumps that file's running summary counters. It implements
// both writerengine.Indexer and is the write side of Lookup.
//
// The checksum/byte-size summary fields are not touched here — keeping
// them current on every single append would mean re-hashing the whole
// file on every write, defeating the point of a side index. They are
// refreshed by Rebuild, which the lifecycle sweep runs over the files it
// rewrote. Store Open calls neither Rebuild nor NeedsRebuild.
func (idx *Index) Update(kind wire.Kind, id, file string, line int64) error {
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(byIDBucket))
		return b.Put(sidecarKey(kind, id), []byte(file+keySeparator+strconv.FormatInt(line, 10)))
	}); err != nil {
		return fmt.Errorf("index: update sidecar: %w", err)
	}

	idx.mu.Lock()
	s := idx.summaries[file]
	s.LastLine = line
	s.LastID = id
	s.RecordCount++
	idx.summaries[file] = s
	idx.mu.Unlock()
	return nil
}

// Lookup resolves (kind, id) to the line number of its header, for
// streamreader.FindByID to resume a scan near instead of from the start.
func (idx *Index) Lookup(kind wire.Kind, id string) (int64, bool) {
	var line int64
	var ok bool
	idx.db.View(func(tx *bolt.Tx) error { //nolint:errcheck // View never errors on a read-only closure with no I/O
		b := tx.Bucket([]byte(byIDBucket))
		v := b.Get(sidecarKey(kind, id))
		if v == nil {
			return nil
		}
		parts := strings.SplitN(string(v), keySeparator, 2)
		if len(parts) != 2 {
			return nil
		}
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil
		}
		line, ok = n, true
		return nil
	})
	return line, ok
}

var _ streamreader.Indexer = (*Index)(nil)

// AllIDs returns every (kind, id) pair this index has recorded, grouped by
// kind, so a freshly-opened writerengine.Engine can hydrate its in-process
// duplicate-id tracking from what's already on disk instead of starting as
// if the store were empty.
func (idx *Index) AllIDs() (map[wire.Kind][]string, error) {
	out := make(map[wire.Kind][]string)
	err := idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(byIDBucket))
		return b.ForEach(func(k, _ []byte) error {
			parts := strings.SplitN(string(k), keySeparator, 2)
			if len(parts) != 2 {
				return nil
			}
			kind := wire.Kind(parts[0])
			out[kind] = append(out[kind], parts[1])
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("index: enumerate sidecar: %w", err)
	}
	return out, nil
}

// Summary returns the current summary for file, or the zero value if
// file has never been indexed.
func (idx *Index) Summary(file string) Summary {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.summaries[file]
}

// UpdatedAt returns the timestamp of the last successful Flush or
// Rebuild, or "" if index.aicf has never been written.
func (idx *Index) UpdatedAt() string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.updatedAt
}

// NeedsRebuild reports whether any of files' on-disk CRC32 disagrees with
// the checksum this Index last recorded for it (spec §4.9: "rebuilt on
// demand ... when its checksum does not match the sum of per-file
// checksums"), or whether a file has no recorded summary at all yet.
func (idx *Index) NeedsRebuild(files []string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, file := range files {
		sum, ok := idx.summaries[file]
		if !ok {
			return true, nil
		}
		checksum, err := fileops.ChecksumFile(filepath.Join(idx.dir, file))
		if err != nil {
			return false, fmt.Errorf("index: checksum %s: %w", file, err)
		}
		if checksum != sum.Checksum {
			return true, nil
		}
	}
	return false, nil
}

func (idx *Index) basePath() string {
	return filepath.Join(idx.dir, indexFile)
}
