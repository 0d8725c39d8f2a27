package aicf

import (
	"aicf-core/internal/metrics"
	"aicf-core/internal/wire"
	"aicf-core/internal/writerengine"
)

// RecordKind identifies the kind of one stored record (spec §4.1's KIND
// tag). Aliased from internal/wire so callers never need to import an
// internal package just to name a kind.
type RecordKind = wire.Kind

// The record kinds a store can hold.
const (
	KindConversation  = wire.KindConversation
	KindSession       = wire.KindSession
	KindState         = wire.KindState
	KindInsights      = wire.KindInsights
	KindDecisions     = wire.KindDecisions
	KindFlow          = wire.KindFlow
	KindEmbedding     = wire.KindEmbedding
	KindConsolidation = wire.KindConsolidation
	KindWork          = wire.KindWork
	KindMemory        = wire.KindMemory
	KindLinks         = wire.KindLinks
)

// Scope names one of the four STATE scopes (spec §4.3).
type Scope = wire.Scope

// The four STATE scopes.
const (
	ScopeSession = wire.ScopeSession
	ScopeUser    = wire.ScopeUser
	ScopeApp     = wire.ScopeApp
	ScopeTemp    = wire.ScopeTemp
)

// Record is one parsed or about-to-be-compiled AICF record: a kind, id,
// ordered metadata, and payload lines. Aliased from internal/wire, which
// owns the wire format's parser and compiler.
type Record = wire.Record

// Neighbor is one Store.Query().Nearest match.
type Neighbor struct {
	Record     *Record
	Similarity float64
}

// RecordRef identifies a written record: which file it landed in and at
// which line its header starts.
type RecordRef = writerengine.RecordRef

// Metrics holds one store's runtime counters and latency statistics.
type Metrics = metrics.Metrics

// MetricsSnapshot is a point-in-time, JSON-encodable copy of Metrics.
type MetricsSnapshot = metrics.Snapshot
