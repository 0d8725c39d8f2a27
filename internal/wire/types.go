// Package wire implements the AICF v3.1 line grammar: the record/line
// types (types.go), the lazy line-oriented parser (parser.go), and its
// inverse, the compiler (compiler.go).
//
// Grammar (spec §6.1):
//
//	record_file := line+
//	line        := decimal_lineno '|' body LF
//	body        := header | kv | payload | blank
//	header      := '@' KIND [':' id]
//	kv          := key '=' value
//	payload     := field ('|' field)*
package wire

import "fmt"

// Kind identifies the record type declared by a '@KIND:ID' header.
type Kind string

// The record kinds this store recognizes.
const (
	KindConversation  Kind = "CONVERSATION"
	KindSession       Kind = "SESSION"
	KindState         Kind = "STATE"
	KindInsights      Kind = "INSIGHTS"
	KindDecisions     Kind = "DECISIONS"
	KindFlow          Kind = "FLOW"
	KindEmbedding     Kind = "EMBEDDING"
	KindConsolidation Kind = "CONSOLIDATION"
	KindWork          Kind = "WORK"
	KindMemory        Kind = "MEMORY"
	KindLinks         Kind = "LINKS"
	KindIndex         Kind = "INDEX"
	KindVersion       Kind = "AICF_VERSION"
)

// PayloadArity maps a Kind to its fixed payload field count, per spec §6.1.
// A Kind absent from this map (CONVERSATION, SESSION, STATE, WORK, MEMORY,
// INDEX, AICF_VERSION) carries metadata only, no fixed-arity payload, and
// is not arity-checked.
var PayloadArity = map[Kind]int{
	KindInsights:      5, // text|category|priority|confidence|memory_type
	KindDecisions:     4, // text|rationale|impact|confidence
	KindFlow:          1, // single prose line
	KindEmbedding:     4, // model|dimension|vector_base64|indexed_at
	KindConsolidation: 4, // source_ids_pipe|method|semantic_theme|information_preserved
	KindLinks:         3, // from_id|to_id|relation
}

// ReservedMetadataKeys are metadata keys with a store-defined meaning.
// Unknown keys are preserved verbatim on read and write (spec §6.1).
var ReservedMetadataKeys = map[string]bool{
	"format_version":  true,
	"timestamp":       true,
	"timestamp_start": true,
	"timestamp_end":   true,
	"session_id":      true,
	"status":          true,
	"event_count":     true,
	"model":           true,
	"dimension":       true,
}

// Scope is an optional key prefix on STATE records.
type Scope string

// The four recognized scopes.
const (
	ScopeSession Scope = "session"
	ScopeUser    Scope = "user"
	ScopeApp     Scope = "app"
	ScopeTemp    Scope = "temp"
)

// metaEntry is one slot in an insertion-ordered metadata map.
type metaEntry struct {
	key   string
	value string
}

// OrderedMetadata preserves key=value insertion order, required by the
// compiler's deterministic output (spec §4.5). Not a third-party
// ordered-map dependency: no such library appears anywhere in the
// retrieval pack, so this is a small local slice-backed type — see
// DESIGN.md for the stdlib justification.
type OrderedMetadata struct {
	entries []metaEntry
	index   map[string]int
}

// NewOrderedMetadata returns an empty OrderedMetadata.
func NewOrderedMetadata() *OrderedMetadata {
	return &OrderedMetadata{index: make(map[string]int)}
}

// Set adds or updates key, preserving the original insertion position on
// update.
func (m *OrderedMetadata) Set(key, value string) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].value = value
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, metaEntry{key: key, value: value})
}

// Get returns the value for key and whether it was present.
func (m *OrderedMetadata) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	i, ok := m.index[key]
	if !ok {
		return "", false
	}
	return m.entries[i].value, true
}

// Len reports the number of metadata entries.
func (m *OrderedMetadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Each calls fn for every entry in insertion order.
func (m *OrderedMetadata) Each(fn func(key, value string)) {
	if m == nil {
		return
	}
	for _, e := range m.entries {
		fn(e.key, e.value)
	}
}

// Record is one logical AICF record: a header, its metadata, and its
// payload lines, fully decoded (escape sequences resolved).
type Record struct {
	Kind      Kind
	ID        string
	Metadata  *OrderedMetadata
	Payload   [][]string // each element is one payload line's fields
	StartLine int64      // line number of this record's '@KIND:ID' header
}

// NewRecord returns an empty Record ready for metadata/payload to be added.
func NewRecord(kind Kind, id string) *Record {
	return &Record{Kind: kind, ID: id, Metadata: NewOrderedMetadata()}
}

func (r *Record) String() string {
	return fmt.Sprintf("@%s:%s (metadata=%d payload=%d)", r.Kind, r.ID, r.Metadata.Len(), len(r.Payload))
}

// IssueKind identifies a non-fatal parse finding. Parse issues are yielded
// alongside records, never returned as a fatal error — malformed input
// does not abort a scan (spec §4.4).
type IssueKind int

// The closed set of non-fatal parse findings.
const (
	_ IssueKind = iota
	IssueCorruptLine
	IssueCorruptHeader
	IssuePayloadArityError
	IssueTruncated
)

func (k IssueKind) String() string {
	switch k {
	case IssueCorruptLine:
		return "CorruptLine"
	case IssueCorruptHeader:
		return "CorruptHeader"
	case IssuePayloadArityError:
		return "PayloadArityError"
	case IssueTruncated:
		return "Truncated"
	default:
		return "Unknown"
	}
}

// Issue is one non-fatal finding surfaced while scanning a record file.
type Issue struct {
	Kind    IssueKind
	Line    int64
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s at line %d: %s", i.Kind, i.Line, i.Message)
}
