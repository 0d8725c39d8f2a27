package writerengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"aicf-core/internal/wire"
)

// newDraft starts a draft for kind, defaulting its target file via
// FileForKind unless overridden (AppendRaw needs that override).
func newDraft(kind wire.Kind, id string) *draft {
	return &draft{kind: kind, id: id, path: FileForKind(kind)}
}

// WriteConversation appends a CONVERSATION record. metadata carries the
// caller's key=value pairs (e.g. timestamp, messages, tokens, status) in
// the order given; no payload lines (spec §6.3, CONVERSATION is metadata-only).
func (e *Engine) WriteConversation(ctx context.Context, id string, metadata [][2]string) (RecordRef, error) {
	d := newDraft(wire.KindConversation, id)
	d.metadata = metadata
	return e.Append(ctx, d)
}

// WriteSession appends a SESSION record, metadata-only like CONVERSATION.
func (e *Engine) WriteSession(ctx context.Context, id string, metadata [][2]string) (RecordRef, error) {
	d := newDraft(wire.KindSession, id)
	d.metadata = metadata
	return e.Append(ctx, d)
}

// WriteState appends a STATE record scoped under one of session/user/app/
// temp (spec §4.3). key and value become a single key=value metadata
// entry prefixed by scope; extra carries any additional metadata (e.g.
// timestamp) the caller wants attached.
func (e *Engine) WriteState(ctx context.Context, id string, scope wire.Scope, key, value string, extra [][2]string) (RecordRef, error) {
	d := newDraft(wire.KindState, id)
	scopedKey := fmt.Sprintf("%s:%s", scope, key)
	d.metadata = append([][2]string{{scopedKey, value}}, extra...)
	return e.Append(ctx, d)
}

// WriteInsight appends an INSIGHTS record. The fixed-arity payload is
// text|category|priority|confidence|memory_type (spec §6.1).
func (e *Engine) WriteInsight(ctx context.Context, id string, text, category, priority, confidence, memoryType string, metadata [][2]string) (RecordRef, error) {
	d := newDraft(wire.KindInsights, id)
	d.metadata = metadata
	d.payload = [][]string{{text, category, priority, confidence, memoryType}}
	return e.Append(ctx, d)
}

// WriteDecision appends a DECISIONS record. Payload is
// text|rationale|impact|confidence (spec §6.1).
func (e *Engine) WriteDecision(ctx context.Context, id string, text, rationale, impact, confidence string, metadata [][2]string) (RecordRef, error) {
	d := newDraft(wire.KindDecisions, id)
	d.metadata = metadata
	d.payload = [][]string{{text, rationale, impact, confidence}}
	return e.Append(ctx, d)
}

// WriteFlow appends a FLOW record: a single prose payload line.
func (e *Engine) WriteFlow(ctx context.Context, id, text string, metadata [][2]string) (RecordRef, error) {
	d := newDraft(wire.KindFlow, id)
	d.metadata = metadata
	d.payload = [][]string{{text}}
	return e.Append(ctx, d)
}

// WriteLink appends a LINKS record. Payload is from_id|to_id|relation.
func (e *Engine) WriteLink(ctx context.Context, id, fromID, toID, relation string) (RecordRef, error) {
	d := newDraft(wire.KindLinks, id)
	d.payload = [][]string{{fromID, toID, relation}}
	return e.Append(ctx, d)
}

// WriteEmbedding appends an EMBEDDING record, payload
// model|dimension|vector_base64|indexedAt. The store's embedding dimension
// locks on the first write (spec property #10): every later call must
// supply a vector of the same length or the write is rejected with
// ErrInvalidRecord, never silently truncated or padded.
func (e *Engine) WriteEmbedding(ctx context.Context, id, recordModel string, vector []float64, indexedAt string) (RecordRef, error) {
	d := newDraft(wire.KindEmbedding, id)
	d.payload = [][]string{{
		recordModel,
		strconv.Itoa(len(vector)),
		wire.EncodeVector(vector),
		indexedAt,
	}}
	return e.Append(ctx, d)
}

// lockEmbeddingDim enforces spec property #10: the first non-empty
// embedding vector this Engine ever writes fixes the store's dimension for
// every subsequent one. Called from validate, so a dimension mismatch is
// rejected before any sanitization or locking happens.
func (e *Engine) lockEmbeddingDim(dim int) error {
	if dim <= 0 {
		return fmt.Errorf("embedding vector must not be empty")
	}
	e.embeddingDimMu.Lock()
	defer e.embeddingDimMu.Unlock()
	if e.embeddingDim == 0 {
		e.embeddingDim = dim
		return nil
	}
	if e.embeddingDim != dim {
		return fmt.Errorf("embedding dimension %d does not match store dimension %d", dim, e.embeddingDim)
	}
	return nil
}

// WriteConsolidation appends a CONSOLIDATION record. Payload is
// source_ids_pipe|method|semantic_theme|information_preserved, where
// source_ids_pipe is itself a single field holding the caller's source
// record ids joined by a comma (the outer pipe already separates payload
// fields, so ids cannot themselves be pipe-joined without escaping).
func (e *Engine) WriteConsolidation(ctx context.Context, id string, sourceIDs []string, method, theme, preserved string) (RecordRef, error) {
	d := newDraft(wire.KindConsolidation, id)
	d.payload = [][]string{{strings.Join(sourceIDs, ","), method, theme, preserved}}
	return e.Append(ctx, d)
}

// AppendRaw is the escape hatch for callers that have already built their
// own metadata/payload shape for a kind this engine doesn't special-case
// (e.g. WORK, MEMORY). It still runs the full pipeline — validation,
// sanitization, redaction, locking — nothing bypasses Append.
func (e *Engine) AppendRaw(ctx context.Context, kind wire.Kind, id string, metadata [][2]string, payload [][]string) (RecordRef, error) {
	d := newDraft(kind, id)
	d.metadata = metadata
	d.payload = payload
	return e.Append(ctx, d)
}
