package index

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"aicf-core/internal/wire"
)

// summaryArity is the field count of one @INDEX payload line: file,
// last_line, last_id, record_count, byte_size, checksum. @INDEX carries
// no entry in wire.PayloadArity (its line count is "however many files
// the store has", not fixed), so this is enforced locally instead.
const summaryArity = 6

// load reads dir/index.aicf, if present, populating idx.summaries and
// idx.version from its @AICF_VERSION and @INDEX records. A missing file
// is not an error — a fresh store has no index yet.
func (idx *Index) load() error {
	data, err := os.ReadFile(idx.basePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: read %s: %w", indexFile, err)
	}

	sc := wire.NewScanner(strings.NewReader(string(data)), 0)
	for sc.Next() {
		rec := sc.Record()
		if rec == nil {
			continue
		}
		switch rec.Kind {
		case wire.KindVersion:
			if v, ok := rec.Metadata.Get("version"); ok {
				idx.version = v
			}
		case wire.KindIndex:
			idx.loadSummariesFromRecord(rec)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("index: parse %s: %w", indexFile, err)
	}
	return nil
}

// loadSummariesFromRecord decodes the @INDEX record's payload, one line
// per record file: file|last_line|last_id|record_count|byte_size|checksum.
func (idx *Index) loadSummariesFromRecord(rec *wire.Record) {
	if v, ok := rec.Metadata.Get("updated_at"); ok {
		idx.updatedAt = v
	}
	byFile := make(map[string]Summary, len(rec.Payload))
	for _, fields := range rec.Payload {
		if len(fields) != summaryArity {
			continue
		}
		var s Summary
		s.LastLine, _ = strconv.ParseInt(fields[1], 10, 64)
		s.LastID = fields[2]
		s.RecordCount, _ = strconv.ParseInt(fields[3], 10, 64)
		s.ByteSize, _ = strconv.ParseInt(fields[4], 10, 64)
		n, _ := strconv.ParseUint(fields[5], 10, 32)
		s.Checksum = uint32(n)
		byFile[fields[0]] = s
	}
	idx.mu.Lock()
	for file, s := range byFile {
		idx.summaries[file] = s
	}
	idx.mu.Unlock()
}

// persist writes index.aicf atomically (temp file, fsync, rename — the
// same shape as the teacher's DomainRegistry.persist), containing the
// store's @AICF_VERSION declaration followed by one @INDEX record whose
// payload carries every file's current Summary, one line per file.
func (idx *Index) persist(updatedAt string) error {
	idx.mu.Lock()
	idx.updatedAt = updatedAt
	version := wire.NewRecord(wire.KindVersion, "")
	version.Metadata.Set("version", idx.version)

	rec := wire.NewRecord(wire.KindIndex, "")
	rec.Metadata.Set("updated_at", updatedAt)
	for file, s := range idx.summaries {
		rec.Payload = append(rec.Payload, []string{
			file,
			strconv.FormatInt(s.LastLine, 10),
			s.LastID,
			strconv.FormatInt(s.RecordCount, 10),
			strconv.FormatInt(s.ByteSize, 10),
			strconv.FormatUint(uint64(s.Checksum), 10),
		})
	}
	idx.mu.Unlock()

	compiler := wire.NewCompiler()
	versionLines, err := compiler.Compile(version)
	if err != nil {
		return fmt.Errorf("index: compile version record: %w", err)
	}
	indexLines, err := compiler.Compile(rec)
	if err != nil {
		return fmt.Errorf("index: compile index record: %w", err)
	}

	all := append(versionLines, indexLines...)
	var b strings.Builder
	for i, line := range all {
		fmt.Fprintf(&b, "%d|%s\n", i+1, line)
	}

	dir := idx.dir
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("index: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("index: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("index: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("index: close temp: %w", err)
	}
	if err := os.Rename(tmpName, idx.basePath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("index: rename temp: %w", err)
	}
	return nil
}
