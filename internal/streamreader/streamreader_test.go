package streamreader

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aicf-core/internal/wire"
)

func writeRecords(t *testing.T, path string, recs []*wire.Record) {
	t.Helper()
	compiler := wire.NewCompiler()
	var all []string
	for _, rec := range recs {
		lines, err := compiler.Compile(rec)
		require.NoError(t, err)
		all = append(all, lines...)
	}
	var b strings.Builder
	for i, l := range all {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte('|')
		b.WriteString(l)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func sessionRecord(id, seq string) *wire.Record {
	rec := wire.NewRecord(wire.KindSession, id)
	rec.Metadata.Set("seq", seq)
	return rec
}

func conversationRecord(id, text string) *wire.Record {
	rec := wire.NewRecord(wire.KindConversation, id)
	rec.Metadata.Set("note", text)
	return rec
}

func TestIterRecords_StreamsAllKinds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "0"),
		conversationRecord("c1", "hello"),
	})

	r := New(path, 0)
	it, err := r.IterRecords(context.Background(), nil, 0)
	require.NoError(t, err)
	defer it.Close()

	var ids []string
	for it.Next() {
		ids = append(ids, it.Record().ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"s1", "c1"}, ids)
}

func TestIterRecords_FiltersByKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "0"),
		conversationRecord("c1", "hello"),
		sessionRecord("s2", "1"),
	})

	r := New(path, 0)
	it, err := r.IterRecords(context.Background(), []wire.Kind{wire.KindSession}, 0)
	require.NoError(t, err)
	defer it.Close()

	var ids []string
	for it.Next() {
		ids = append(ids, it.Record().ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"s1", "s2"}, ids)
}

func TestIterRecords_SinceLineSkipsEarlier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "0"),
		sessionRecord("s2", "1"),
		sessionRecord("s3", "2"),
	})

	r := New(path, 0)
	it, err := r.IterRecords(context.Background(), nil, 1)
	require.NoError(t, err)
	defer it.Close()

	var ids []string
	for it.Next() {
		ids = append(ids, it.Record().ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"s2", "s3"}, ids)
}

func TestIterRecords_MissingFileYieldsNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "nope.aicf"), 0)
	it, err := r.IterRecords(context.Background(), nil, 0)
	require.NoError(t, err)
	defer it.Close()

	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestIterRecords_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{sessionRecord("s1", "0")})

	r := New(path, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it, err := r.IterRecords(ctx, nil, 0)
	require.NoError(t, err)
	defer it.Close()

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrCancelled)
}

func TestIterRecords_AboveThresholdUsesStreamingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	recs := make([]*wire.Record, 0, 50)
	for i := 0; i < 50; i++ {
		recs = append(recs, sessionRecord("s"+strconv.Itoa(i), strconv.Itoa(i)))
	}
	writeRecords(t, path, recs)

	r := New(path, 1) // force streaming path even for a tiny file
	it, err := r.IterRecords(context.Background(), nil, 0)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 50, count)
}

func TestFindByID_LinearScanFindsRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "0"),
		conversationRecord("c1", "hello"),
	})

	r := New(path, 0)
	rec, err := r.FindByID(context.Background(), "", "c1")
	require.NoError(t, err)
	assert.Equal(t, wire.KindConversation, rec.Kind)
}

func TestFindByID_NotFoundReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{sessionRecord("s1", "0")})

	r := New(path, 0)
	_, err := r.FindByID(context.Background(), "", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeIndexer struct {
	line int64
	ok   bool
}

func (f fakeIndexer) Lookup(kind wire.Kind, id string) (int64, bool) { return f.line, f.ok }

func TestFindByID_UsesIndexWhenProvided(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "0"),
		sessionRecord("s2", "1"),
	})

	// sessionRecord compiles to 3 lines (header, one metadata line, blank
	// terminator), so s2's header is on line 4.
	r := New(path, 0).WithIndex(fakeIndexer{line: 4, ok: true})
	rec, err := r.FindByID(context.Background(), wire.KindSession, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", rec.ID)
}

func TestFindByID_StaleIndexFallsBackToScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "0"),
		sessionRecord("s2", "1"),
	})

	r := New(path, 0).WithIndex(fakeIndexer{line: 999, ok: true})
	rec, err := r.FindByID(context.Background(), wire.KindSession, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", rec.ID)
}

func TestGetLast_ZeroNReturnsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{sessionRecord("s1", "0")})

	r := New(path, 0)
	recs, err := r.GetLast(context.Background(), wire.KindSession, 0)
	require.NoError(t, err)
	assert.Nil(t, recs)
}

func TestGetLast_MissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "nope.aicf"), 0)
	recs, err := r.GetLast(context.Background(), wire.KindSession, 3)
	require.NoError(t, err)
	assert.Nil(t, recs)
}

func TestGetLast_ForwardScanSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "0"),
		sessionRecord("s2", "1"),
		sessionRecord("s3", "2"),
	})

	r := New(path, 1<<20) // well above file size: forward-scan path
	recs, err := r.GetLast(context.Background(), wire.KindSession, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "s3", recs[0].ID, "newest first")
	assert.Equal(t, "s2", recs[1].ID)
}

func TestGetLast_ForwardScanFewerThanNAvailable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{sessionRecord("s1", "0")})

	r := New(path, 1<<20)
	recs, err := r.GetLast(context.Background(), wire.KindSession, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s1", recs[0].ID)
}

func TestGetLast_BackwardScanLargeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")

	recs := make([]*wire.Record, 0, 400)
	for i := 0; i < 400; i++ {
		rec := sessionRecord("s"+strconv.Itoa(i), strconv.Itoa(i))
		rec.Metadata.Set("padding", strings.Repeat("x", 40))
		recs = append(recs, rec)
	}
	writeRecords(t, path, recs)

	r := New(path, 1) // force the doubling-backward-buffer path
	got, err := r.GetLast(context.Background(), wire.KindSession, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "s399", got[0].ID)
	assert.Equal(t, "s398", got[1].ID)
	assert.Equal(t, "s397", got[2].ID)
}

func TestGetLast_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	recs := make([]*wire.Record, 0, 400)
	for i := 0; i < 400; i++ {
		rec := sessionRecord("s"+strconv.Itoa(i), strconv.Itoa(i))
		rec.Metadata.Set("padding", strings.Repeat("x", 40))
		recs = append(recs, rec)
	}
	writeRecords(t, path, recs)

	r := New(path, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.GetLast(ctx, wire.KindSession, 3)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSearch_CaseInsensitiveSubstring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		conversationRecord("c1", "discussed the Postgres migration"),
		conversationRecord("c2", "unrelated note"),
		conversationRecord("c3", "another POSTGRES mention"),
	})

	r := New(path, 0)
	matches, exhausted, err := r.Search(context.Background(), "postgres", nil, 0)
	require.NoError(t, err)
	assert.True(t, exhausted)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].ID)
	assert.Equal(t, "c3", matches[1].ID)
}

func TestSearch_MaxStopsEarlyNotExhausted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		conversationRecord("c1", "postgres one"),
		conversationRecord("c2", "postgres two"),
		conversationRecord("c3", "postgres three"),
	})

	r := New(path, 0)
	matches, exhausted, err := r.Search(context.Background(), "postgres", nil, 1)
	require.NoError(t, err)
	assert.False(t, exhausted)
	require.Len(t, matches, 1)
	assert.Equal(t, "c1", matches[0].ID)
}

func TestSearch_NoMatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{conversationRecord("c1", "nothing relevant")})

	r := New(path, 0)
	matches, exhausted, err := r.Search(context.Background(), "postgres", nil, 0)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Empty(t, matches)
}

func TestSearch_FiltersByKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.aicf")
	writeRecords(t, path, []*wire.Record{
		sessionRecord("s1", "postgres-tagged-session"),
		conversationRecord("c1", "postgres talk"),
	})

	r := New(path, 0)
	matches, _, err := r.Search(context.Background(), "postgres", []wire.Kind{wire.KindConversation}, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c1", matches[0].ID)
}
