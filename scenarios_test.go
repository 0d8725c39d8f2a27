package aicf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// These mirror the store-level scenarios used to validate the engine end
// to end: a basic round trip, pipe-injection safety, PII redaction on
// write, concurrent writers, a streaming read over a large file, and
// lifecycle compression. The per-bucket lifecycle behavior already has
// thorough coverage in internal/lifecycleengine; the scenario here checks
// the same property through the public Store surface.

func daysAgoRFC3339(n int) string {
	return time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour).Format(time.RFC3339)
}

// S1. Basic round-trip.
func TestScenario_BasicRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ref, err := s.WriteConversation(ctx, "c001", [][2]string{
		{"timestamp", "2025-01-01T00:00:00Z"},
		{"messages", "3"},
		{"tokens", "150"},
	})
	if err != nil {
		t.Fatalf("WriteConversation: %v", err)
	}
	if ref.File != "conversations.aicf" {
		t.Errorf("RecordRef.File: got %s, want conversations.aicf", ref.File)
	}

	recs, exhausted, err := s.Query().Last(ctx, KindConversation, 1)
	if err != nil {
		t.Fatalf("Query.Last: %v", err)
	}
	if !exhausted {
		t.Error("expected exhausted=true for a single-record scan")
	}
	if len(recs) != 1 || recs[0].ID != "c001" {
		t.Fatalf("expected one record c001, got %+v", recs)
	}
	want := map[string]string{"timestamp": "2025-01-01T00:00:00Z", "messages": "3", "tokens": "150"}
	for k, v := range want {
		got, ok := recs[0].Metadata.Get(k)
		if !ok || got != v {
			t.Errorf("metadata[%s]: got %q, want %q", k, got, v)
		}
	}

	data, err := os.ReadFile(filepath.Join(s.cfg.BaseDir, "conversations.aicf"))
	if err != nil {
		t.Fatalf("read conversations.aicf: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected exactly 3 lines, got %d: %q", len(lines), lines)
	}
}

// S2. Pipe injection.
func TestScenario_PipeInjectionEscapesAndRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.WriteDecision(ctx, "d001", "pick a|b", "because", "HIGH", "HIGH", nil)
	if err != nil {
		t.Fatalf("WriteDecision: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.cfg.BaseDir, "conversations.aicf"))
	if err != nil {
		t.Fatalf("read conversations.aicf: %v", err)
	}
	if !strings.Contains(string(data), `pick a\x7cb|because|HIGH|HIGH`) {
		t.Fatalf("raw file does not contain the expected escaped payload line:\n%s", data)
	}

	recs, _, err := s.Query().Last(ctx, KindDecisions, 1)
	if err != nil {
		t.Fatalf("Query.Last: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one decision, got %d", len(recs))
	}
	if recs[0].Payload[0][0] != "pick a|b" {
		t.Errorf("decision text: got %q, want %q", recs[0].Payload[0][0], "pick a|b")
	}
}

// S3. PII on write.
func TestScenario_PIIRedactedOnWrite(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.EnablePIIRedaction = true
	cfg.PIIRedactionMode = "mask"
	s, err := Open(*cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_, err = s.WriteConversation(ctx, "c1", [][2]string{
		{"timestamp", "2025-01-01T00:00:00Z"},
		{"summary", "email me at a@b.com"},
	})
	if err != nil {
		t.Fatalf("WriteConversation: %v", err)
	}

	recs, _, err := s.Query().Last(ctx, KindConversation, 1)
	if err != nil {
		t.Fatalf("Query.Last: %v", err)
	}
	summary, ok := recs[0].Metadata.Get("summary")
	if !ok {
		t.Fatal("summary field missing")
	}
	if summary != "email me at [REDACTED_EMAIL]" {
		t.Errorf("summary: got %q, want %q", summary, "email me at [REDACTED_EMAIL]")
	}
}

// S4. Concurrent writers.
func TestScenario_ConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-i%d", writer, i)
				if _, err := s.WriteInsight(ctx, id, "observation", "pattern", "MEDIUM", "HIGH", "episodic", nil); err != nil {
					t.Errorf("WriteInsight(%s): %v", id, err)
				}
			}
		}(w)
	}
	wg.Wait()

	recs, exhausted, err := s.Query().Search(ctx, "observation", []RecordKind{KindInsights}, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !exhausted {
		t.Error("expected an unbounded search to exhaust the file")
	}
	if len(recs) != 2*perWriter {
		t.Fatalf("expected %d insight records, got %d", 2*perWriter, len(recs))
	}
}

// S5. Streaming read stays bounded regardless of file size. A full 200
// MiB fixture is impractical for a unit test; this exercises the same
// streaming code path (the query engine switches to streamreader once a
// file crosses StreamingThreshold) against a much smaller file and a
// correspondingly small threshold, and checks the match cap still holds.
func TestScenario_StreamingSearchRespectsMatchCap(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.StreamingThreshold = 256
	s, err := Open(*cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("c%d", i)
		if _, err := s.WriteConversation(ctx, id, [][2]string{
			{"timestamp", "2025-01-01T00:00:00Z"},
			{"summary", "rolled out microservices across the fleet"},
		}); err != nil {
			t.Fatalf("WriteConversation(%s): %v", id, err)
		}
	}

	recs, exhausted, err := s.Query().Search(ctx, "microservices", []RecordKind{KindConversation}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(recs) > 10 {
		t.Fatalf("expected at most 10 matches, got %d", len(recs))
	}
	if len(recs) == 10 && exhausted {
		t.Error("expected exhausted=false once the match cap, not the file, stopped the scan")
	}
}

// S6. Lifecycle compression, exercised through Store.Lifecycle().Sweep.
func TestScenario_LifecycleCompression(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const nCritical = 5
	const nOrdinary = 95
	for i := 0; i < nCritical; i++ {
		id := fmt.Sprintf("crit-%d", i)
		if _, err := s.WriteDecision(ctx, id, "critical decision text", "rationale", "CRITICAL", "HIGH",
			[][2]string{{"timestamp", daysAgoRFC3339(100)}}); err != nil {
			t.Fatalf("WriteDecision(%s): %v", id, err)
		}
	}
	for i := 0; i < nOrdinary; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if _, err := s.WriteConversation(ctx, id, [][2]string{
			{"timestamp", daysAgoRFC3339(100)},
			{"status", "a routine conversation about something unremarkable that rambles on at length before concluding"},
			{"messages", "42"},
			{"tokens", "3150"},
		}); err != nil {
			t.Fatalf("WriteConversation(%s): %v", id, err)
		}
	}

	report, err := s.Lifecycle().Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.ConsolidationsEmitted != nCritical {
		t.Errorf("ConsolidationsEmitted: got %d, want %d", report.ConsolidationsEmitted, nCritical)
	}
	if report.BytesAfter >= report.BytesBefore {
		t.Fatalf("expected a byte-size shrink, before=%d after=%d", report.BytesBefore, report.BytesAfter)
	}
	shrink := 1 - float64(report.BytesAfter)/float64(report.BytesBefore)
	if shrink < 0.4 {
		t.Errorf("shrink ratio: got %.2f, want >= 0.40", shrink)
	}

	decisions, _, err := s.Query().Last(ctx, KindDecisions, nCritical)
	if err != nil {
		t.Fatalf("Query.Last decisions: %v", err)
	}
	if len(decisions) != nCritical {
		t.Fatalf("expected %d critical decisions still retrievable, got %d", nCritical, len(decisions))
	}
}
