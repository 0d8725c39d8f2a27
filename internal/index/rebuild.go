package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"aicf-core/internal/fileops"
	"aicf-core/internal/streamreader"
	"aicf-core/internal/wire"
)

// Rebuild performs the full scan spec §4.9 describes: re-derive every
// file's Summary and every (kind, id) -> line sidecar entry from scratch,
// then persist the result to index.aicf. It is idempotent — running it
// twice in a row with no intervening writes yields the same output. It
// takes no file lock of its own and replaces the whole sidecar bucket in
// one transaction.
func (idx *Index) Rebuild(ctx context.Context, files []string, streamingThreshold int64) error {
	fresh := make(map[string]Summary, len(files))
	entries := make(map[string][2]string) // sidecarKey string -> (file, line)

	for _, file := range files {
		path := filepath.Join(idx.dir, file)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("index: rebuild stat %s: %w", file, err)
		}

		checksum, err := fileops.ChecksumFile(path)
		if err != nil {
			return fmt.Errorf("index: rebuild checksum %s: %w", file, err)
		}

		reader := streamreader.New(path, streamingThreshold)
		it, err := reader.IterRecords(ctx, nil, 0)
		if err != nil {
			return fmt.Errorf("index: rebuild scan %s: %w", file, err)
		}

		var s Summary
		s.ByteSize = info.Size()
		s.Checksum = checksum
		for it.Next() {
			rec := it.Record()
			if rec == nil || rec.Kind == wire.KindIndex || rec.Kind == wire.KindVersion {
				continue
			}
			s.RecordCount++
			s.LastLine = rec.StartLine
			s.LastID = rec.ID
			if rec.ID != "" {
				entries[string(sidecarKey(rec.Kind, rec.ID))] = [2]string{file, fmt.Sprintf("%d", rec.StartLine)}
			}
		}
		iterErr := it.Err()
		it.Close()
		if iterErr != nil {
			return fmt.Errorf("index: rebuild iterate %s: %w", file, iterErr)
		}
		fresh[file] = s
	}

	if err := idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(byIDBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(byIDBucket))
		if err != nil {
			return err
		}
		for key, fl := range entries {
			if err := b.Put([]byte(key), []byte(fl[0]+keySeparator+fl[1])); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("index: rebuild sidecar: %w", err)
	}

	idx.mu.Lock()
	idx.summaries = fresh
	idx.mu.Unlock()

	return idx.persist(time.Now().UTC().Format(time.RFC3339))
}

// Flush persists the current in-memory summaries to index.aicf without
// re-scanning any record file — cheap, used after a batch of Updates when
// the caller wants index.aicf to reflect the sidecar's current counters
// (the sidecar itself is always current; index.aicf is the human-readable
// mirror spec §4.9 describes).
func (idx *Index) Flush() error {
	return idx.persist(time.Now().UTC().Format(time.RFC3339))
}
