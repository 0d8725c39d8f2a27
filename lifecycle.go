package aicf

import (
	"context"
	"time"

	"aicf-core/internal/lifecycleengine"
	"aicf-core/internal/metrics"
)

// LifecycleReport summarizes one Sweep's effect: how many records were
// kept untouched, dropped, compressed, or wrapped in a CONSOLIDATION
// back-reference, and the resulting byte-size shrink.
type LifecycleReport = lifecycleengine.Report

// Lifecycle is the store's aging/compression surface (spec §4.11).
type Lifecycle struct {
	e *lifecycleengine.Engine
	m *metrics.Metrics
}

// Lifecycle returns the store's lifecycle surface.
func (s *Store) Lifecycle() Lifecycle {
	return Lifecycle{e: s.life, m: s.m}
}

// Sweep walks every aged file once, classifying and compressing records
// by age bucket, and returns a report of what changed.
func (l Lifecycle) Sweep(ctx context.Context) (*LifecycleReport, error) {
	start := time.Now()
	report, err := l.e.Sweep(ctx)
	l.m.RecordSweepLatency(time.Since(start))
	l.m.LifecycleSweeps.Add(1)
	if err != nil {
		return nil, E(KindIOError, "aicf.Lifecycle.Sweep", "", err)
	}
	l.m.RecordsCompressed.Add(int64(report.RecordsMedium + report.RecordsOld + report.RecordsArchived))
	l.m.RecordsPurged.Add(int64(report.RecordsPurged))
	l.m.ConsolidationsEmitted.Add(int64(report.ConsolidationsEmitted))
	return report, nil
}
