package aicf

import (
	"context"
	"errors"
	"time"

	"aicf-core/internal/fileops"
	"aicf-core/internal/writerengine"
)

// mapWriteErr translates a writerengine sentinel into this package's
// closed Kind enum. writerengine sits below the root package in the
// import graph and cannot name these kinds itself, so every Write*
// wrapper funnels its error here instead of returning the raw sentinel.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindIOError
	switch {
	case errors.Is(err, writerengine.ErrInvalidRecord):
		kind = KindInvalidRecord
	case errors.Is(err, writerengine.ErrInvalidPath):
		kind = KindInvalidPath
	case errors.Is(err, writerengine.ErrFieldTooLarge):
		kind = KindFieldTooLarge
	case errors.Is(err, writerengine.ErrDuplicateID):
		kind = KindDuplicateID
	case errors.Is(err, writerengine.ErrQuotaExceeded):
		kind = KindQuotaExceeded
	case errors.Is(err, writerengine.ErrRateLimited):
		kind = KindRateLimited
	case errors.Is(err, fileops.ErrConcurrentModification):
		kind = KindConcurrentModification
	case errors.Is(err, fileops.ErrLockTimeout):
		kind = KindLockTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCancelled
	}
	return E(kind, op, "", err)
}

// trackWrite times one append attempt and folds the outcome into the
// store's metrics before translating the error, so every Write* wrapper
// below gets the same bookkeeping for free.
func (s *Store) trackWrite(op string, fn func() (RecordRef, error)) (RecordRef, error) {
	start := time.Now()
	ref, err := fn()
	s.m.RecordAppendLatency(time.Since(start))
	s.m.RecordWrite(err == nil)
	if err == nil {
		s.m.RecordsAppended.Add(1)
	}
	if errors.Is(err, writerengine.ErrRateLimited) {
		s.m.RecordRateLimited()
	}
	if errors.Is(err, fileops.ErrConcurrentModification) {
		s.m.ConcurrentModRetries.Add(1)
	}
	if errors.Is(err, fileops.ErrLockTimeout) {
		s.m.LockTimeouts.Add(1)
	}
	return ref, mapWriteErr(op, err)
}

// WriteConversation appends a CONVERSATION record (spec §6.1).
func (s *Store) WriteConversation(ctx context.Context, id string, metadata [][2]string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteConversation", func() (RecordRef, error) {
		return s.writer.WriteConversation(ctx, id, metadata)
	})
}

// WriteSession appends a SESSION record.
func (s *Store) WriteSession(ctx context.Context, id string, metadata [][2]string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteSession", func() (RecordRef, error) {
		return s.writer.WriteSession(ctx, id, metadata)
	})
}

// WriteState appends a STATE record scoped under session/user/app/temp.
func (s *Store) WriteState(ctx context.Context, id string, scope Scope, key, value string, extra [][2]string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteState", func() (RecordRef, error) {
		return s.writer.WriteState(ctx, id, scope, key, value, extra)
	})
}

// WriteInsight appends an INSIGHTS record.
func (s *Store) WriteInsight(ctx context.Context, id, text, category, priority, confidence, memoryType string, metadata [][2]string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteInsight", func() (RecordRef, error) {
		return s.writer.WriteInsight(ctx, id, text, category, priority, confidence, memoryType, metadata)
	})
}

// WriteDecision appends a DECISIONS record.
func (s *Store) WriteDecision(ctx context.Context, id, text, rationale, impact, confidence string, metadata [][2]string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteDecision", func() (RecordRef, error) {
		return s.writer.WriteDecision(ctx, id, text, rationale, impact, confidence, metadata)
	})
}

// WriteFlow appends a FLOW record.
func (s *Store) WriteFlow(ctx context.Context, id, text string, metadata [][2]string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteFlow", func() (RecordRef, error) {
		return s.writer.WriteFlow(ctx, id, text, metadata)
	})
}

// WriteLink appends a LINKS record.
func (s *Store) WriteLink(ctx context.Context, id, fromID, toID, relation string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteLink", func() (RecordRef, error) {
		return s.writer.WriteLink(ctx, id, fromID, toID, relation)
	})
}

// WriteEmbedding appends an EMBEDDING record. The store's embedding
// dimension locks on the first write (spec property #10).
func (s *Store) WriteEmbedding(ctx context.Context, id, model string, vector []float64, indexedAt string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteEmbedding", func() (RecordRef, error) {
		return s.writer.WriteEmbedding(ctx, id, model, vector, indexedAt)
	})
}

// WriteConsolidation appends a CONSOLIDATION record.
func (s *Store) WriteConsolidation(ctx context.Context, id string, sourceIDs []string, method, theme, preserved string) (RecordRef, error) {
	return s.trackWrite("aicf.WriteConsolidation", func() (RecordRef, error) {
		return s.writer.WriteConsolidation(ctx, id, sourceIDs, method, theme, preserved)
	})
}

// AppendRaw is the escape hatch for kinds this package doesn't special-case
// (e.g. WORK, MEMORY).
func (s *Store) AppendRaw(ctx context.Context, kind RecordKind, id string, metadata [][2]string, payload [][]string) (RecordRef, error) {
	return s.trackWrite("aicf.AppendRaw", func() (RecordRef, error) {
		return s.writer.AppendRaw(ctx, kind, id, metadata, payload)
	})
}
