package audit

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aicf-core/internal/logger"
	"aicf-core/internal/wire"
	"aicf-core/internal/writerengine"
)

func testLogger() *logger.Logger { return logger.New("TEST", "error") }

func TestRing_RecordAndRecent(t *testing.T) {
	rg := NewRing(Options{Size: 4, Logger: testLogger()})
	for i := 0; i < 3; i++ {
		rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindConversation, ID: "c1", Outcome: "ok"})
	}
	rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindDecisions, ID: "d1", Outcome: "error", Err: errors.New("boom")})

	recent := rg.Recent(0)
	require.Len(t, recent, 4)
	assert.Equal(t, "d1", recent[0].ID)
	assert.Equal(t, "error", recent[0].Outcome)
	assert.Equal(t, "boom", recent[0].Err)
}

func TestRing_RecentRespectsN(t *testing.T) {
	rg := NewRing(Options{Size: 10, Logger: testLogger()})
	for i := 0; i < 5; i++ {
		rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindConversation, ID: "c", Outcome: "ok"})
	}
	assert.Len(t, rg.Recent(2), 2)
}

func TestRing_CapacityWraps(t *testing.T) {
	rg := NewRing(Options{Size: 2, Logger: testLogger()})
	rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindConversation, ID: "c1", Outcome: "ok"})
	rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindConversation, ID: "c2", Outcome: "ok"})
	rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindConversation, ID: "c3", Outcome: "ok"})

	recent := rg.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "c3", recent[0].ID)
	assert.Equal(t, "c2", recent[1].ID)
}

func TestRing_PersistsToLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	rg := NewRing(Options{Size: 4, LogPath: path, Logger: testLogger()})
	rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindSession, ID: "s1", Bytes: 42, Outcome: "ok"})
	require.NoError(t, rg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"s1"`)
	assert.Contains(t, string(data), `"bytes":42`)
}

func TestRing_ConcurrentRecordIsSafe(t *testing.T) {
	rg := NewRing(Options{Size: 100, Logger: testLogger()})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rg.Record(writerengine.AuditEvent{Op: "append", Kind: wire.KindConversation, ID: "c", Outcome: "ok"})
		}(i)
	}
	wg.Wait()
	assert.Len(t, rg.Recent(0), 50)
}

func TestLimiter_AllowsUpToBurstThenBlocks(t *testing.T) {
	lim := NewLimiter(1, 2)
	assert.True(t, lim.Allow())
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
}

func TestLimiter_DefaultsWhenUnset(t *testing.T) {
	lim := NewLimiter(0, 0)
	assert.True(t, lim.Allow())
}

