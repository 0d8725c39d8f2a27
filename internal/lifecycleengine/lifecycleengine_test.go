package lifecycleengine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aicf-core/internal/logger"
	"aicf-core/internal/pathvalidate"
	"aicf-core/internal/streamreader"
	"aicf-core/internal/wire"
	"aicf-core/internal/writerengine"
)

func testEngine(t *testing.T) (*writerengine.Engine, *Engine, string) {
	t.Helper()
	dir := t.TempDir()
	w := writerengine.New(writerengine.Options{
		BaseDir: dir,
		Limits:  pathvalidate.Limits{MaxFileSize: 1 << 30},
		Logger:  logger.New("TEST", "error"),
	})
	e := New(Options{
		BaseDir: dir,
		Logger:  logger.New("TEST", "error"),
	})
	return w, e, dir
}

func daysAgo(n int) string {
	return time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour).Format(time.RFC3339)
}

func readKind(t *testing.T, dir, file string, kind wire.Kind) []*wire.Record {
	t.Helper()
	r := streamreader.New(dir+"/"+file, 0)
	it, err := r.IterRecords(context.Background(), []wire.Kind{kind}, 0)
	require.NoError(t, err)
	defer it.Close()
	var out []*wire.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

func TestSweep_RecentRecordsUntouched(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteConversation(ctx, "c1", [][2]string{{"timestamp", daysAgo(1)}, {"status", "active"}})
	require.NoError(t, err)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.FilesRewritten)

	recs := readKind(t, dir, "conversations.aicf", wire.KindConversation)
	require.Len(t, recs, 1)
	v, ok := recs[0].Metadata.Get("status")
	require.True(t, ok)
	assert.Equal(t, "active", v)
}

func TestSweep_MediumCompressesNonCriticalKeepsStructuredFieldsDropsProse(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteConversation(ctx, "c1", [][2]string{{"timestamp", daysAgo(15)}, {"status", "active"}})
	require.NoError(t, err)
	_, err = w.WriteDecision(ctx, "d1", "use postgres", "reliability", "LOW", "HIGH", [][2]string{{"timestamp", daysAgo(15)}})
	require.NoError(t, err)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.RecordsMedium)

	// CONVERSATION carries no prose payload to drop, so it survives Medium
	// untouched.
	convs := readKind(t, dir, "conversations.aicf", wire.KindConversation)
	require.Len(t, convs, 1)
	status, ok := convs[0].Metadata.Get("status")
	assert.True(t, ok)
	assert.Equal(t, "active", status)

	// DECISIONS keeps its structured impact/confidence fields verbatim but
	// loses its prose text and rationale.
	decisions := readKind(t, dir, "conversations.aicf", wire.KindDecisions)
	require.Len(t, decisions, 1)
	assert.Equal(t, "d1", decisions[0].ID)
	require.Len(t, decisions[0].Payload, 1)
	assert.Empty(t, decisions[0].Payload[0][0], "prose text should be dropped")
	assert.Empty(t, decisions[0].Payload[0][1], "rationale should be dropped")
	assert.Equal(t, "LOW", decisions[0].Payload[0][2], "impact kept verbatim")
	assert.Equal(t, "HIGH", decisions[0].Payload[0][3], "confidence kept verbatim")
}

func TestSweep_MediumKeepsCriticalDecisionVerbatim(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteDecision(ctx, "d1", "use postgres", "reliability", "CRITICAL", "HIGH", [][2]string{{"timestamp", daysAgo(15)}})
	require.NoError(t, err)

	_, err = e.Sweep(ctx)
	require.NoError(t, err)

	decisions := readKind(t, dir, "conversations.aicf", wire.KindDecisions)
	require.Len(t, decisions, 1)
	assert.Equal(t, "d1", decisions[0].ID)
	require.Len(t, decisions[0].Payload, 1)
	assert.Equal(t, "use postgres", decisions[0].Payload[0][0])
}

func TestSweep_OldCompressesToSingleLineSummary(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteConversation(ctx, "c1", [][2]string{{"timestamp", daysAgo(45)}, {"status", "rolled out microservices"}})
	require.NoError(t, err)

	_, err = e.Sweep(ctx)
	require.NoError(t, err)

	convs := readKind(t, dir, "conversations.aicf", wire.KindConversation)
	require.Len(t, convs, 1)
	_, hasStatus := convs[0].Metadata.Get("status")
	assert.False(t, hasStatus)
	summary, ok := convs[0].Metadata.Get("summary")
	require.True(t, ok)
	assert.Contains(t, summary, "rolled out microservices")
}

func TestSweep_ArchivedEmitsConsolidationForCriticalDecision(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteDecision(ctx, "d1", "adopt kubernetes", "scalability", "CRITICAL", "HIGH", [][2]string{{"timestamp", daysAgo(100)}})
	require.NoError(t, err)
	_, err = w.WriteConversation(ctx, "c1", [][2]string{{"timestamp", daysAgo(100)}, {"status", "routine check-in"}})
	require.NoError(t, err)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ConsolidationsEmitted)

	decisions := readKind(t, dir, "conversations.aicf", wire.KindDecisions)
	require.Len(t, decisions, 1)
	assert.Equal(t, "d1", decisions[0].ID)

	consolidations := readKind(t, dir, "consolidations.aicf", wire.KindConsolidation)
	require.Len(t, consolidations, 1)
	assert.Equal(t, "d1", consolidations[0].Payload[0][0])
}

func TestSweep_PurgeableDeletesNonCriticalKeepsCritical(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteConversation(ctx, "c1", [][2]string{{"timestamp", daysAgo(400)}})
	require.NoError(t, err)
	_, err = w.WriteDecision(ctx, "d1", "keep this", "x", "CRITICAL", "HIGH", [][2]string{{"timestamp", daysAgo(400)}})
	require.NoError(t, err)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsPurged)

	convs := readKind(t, dir, "conversations.aicf", wire.KindConversation)
	assert.Empty(t, convs)
	decisions := readKind(t, dir, "conversations.aicf", wire.KindDecisions)
	require.Len(t, decisions, 1)
	assert.Equal(t, "d1", decisions[0].ID)
}

func TestSweep_DropsTempScopedStateRegardlessOfAge(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteState(ctx, "s1", wire.ScopeTemp, "scratch", "value", [][2]string{{"timestamp", daysAgo(1)}})
	require.NoError(t, err)
	_, err = w.WriteState(ctx, "s2", wire.ScopeUser, "preferred_language", "go", nil)
	require.NoError(t, err)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TempStateDropped)

	states := readKind(t, dir, "sessions.aicf", wire.KindState)
	require.Len(t, states, 1)
	_, hasUser := states[0].Metadata.Get("user:preferred_language")
	assert.True(t, hasUser)
}

func TestSweep_PropertyCriticalDecisionsAlwaysRetrievable(t *testing.T) {
	w, e, dir := testEngine(t)
	ctx := context.Background()

	const nCritical = 5
	const nOrdinary = 95
	for i := 0; i < nCritical; i++ {
		id := fmt.Sprintf("crit-%d", i)
		_, err := w.WriteDecision(ctx, id, "critical decision text", "rationale", "CRITICAL", "HIGH",
			[][2]string{{"timestamp", daysAgo(100)}})
		require.NoError(t, err)
	}
	for i := 0; i < nOrdinary; i++ {
		id := fmt.Sprintf("conv-%d", i)
		_, err := w.WriteConversation(ctx, id, [][2]string{
			{"timestamp", daysAgo(100)},
			{"status", "a routine conversation about something unremarkable that rambles on at length across many unrelated topics before finally concluding"},
			{"messages", "42"},
			{"tokens", "3150"},
			{"session_id", fmt.Sprintf("sess-%d", i)},
		})
		require.NoError(t, err)
	}

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, nCritical, report.ConsolidationsEmitted)

	decisions := readKind(t, dir, "conversations.aicf", wire.KindDecisions)
	require.Len(t, decisions, nCritical)

	convs := readKind(t, dir, "conversations.aicf", wire.KindConversation)
	require.Len(t, convs, nOrdinary)
	for _, c := range convs {
		_, hasStatus := c.Metadata.Get("status")
		assert.False(t, hasStatus)
		_, hasSummary := c.Metadata.Get("summary")
		assert.True(t, hasSummary)
	}

	assert.Greater(t, report.BytesBefore, report.BytesAfter)
	shrink := 1 - float64(report.BytesAfter)/float64(report.BytesBefore)
	assert.GreaterOrEqual(t, shrink, 0.4)
}

func TestSweep_NoOpWhenNothingAges(t *testing.T) {
	w, e, _ := testEngine(t)
	ctx := context.Background()
	_, err := w.WriteConversation(ctx, "c1", [][2]string{{"timestamp", daysAgo(1)}})
	require.NoError(t, err)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.FilesRewritten)
	assert.Equal(t, 0, report.ConsolidationsEmitted)
}
