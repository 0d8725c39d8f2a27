package wire

import (
	"errors"
	"fmt"
	"strings"

	"aicf-core/internal/sanitize"
)

// ErrInvalidRecord is returned when a record fails compilation, e.g. a
// payload line whose field count does not match its KIND's fixed arity.
var ErrInvalidRecord = errors.New("wire: invalid record")

// Compiler is the inverse of Scanner: it encodes a Record back into body
// text. Compile escapes every metadata value and payload field with
// sanitize.Sanitize; because that is idempotent, fields the writer engine
// already sanitized pass through unchanged.
type Compiler struct{}

// NewCompiler returns a Compiler.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile renders rec's header, metadata (insertion order), and payload
// lines (insertion order), each still missing its leading 'N|' line-number
// prefix — the writer engine assigns those under the file lock, per
// spec §4.5. The returned slice has one string per body line, including a
// final blank terminator.
func (c *Compiler) Compile(rec *Record) ([]string, error) {
	if rec.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidRecord)
	}
	if arity, ok := PayloadArity[rec.Kind]; ok {
		for _, fields := range rec.Payload {
			if len(fields) != arity {
				return nil, fmt.Errorf("%w: kind %s expects %d payload fields, got %d",
					ErrInvalidRecord, rec.Kind, arity, len(fields))
			}
		}
	}

	lines := make([]string, 0, 1+rec.Metadata.Len()+len(rec.Payload)+1)

	header := "@" + string(rec.Kind)
	if rec.ID != "" {
		header += ":" + rec.ID
	}
	lines = append(lines, header)

	rec.Metadata.Each(func(key, value string) {
		escaped, _ := sanitize.Sanitize(value, 0) // field sizing is enforced earlier, at write time
		lines = append(lines, key+"="+escaped)
	})

	for _, fields := range rec.Payload {
		escapedFields := make([]string, len(fields))
		for i, f := range fields {
			escapedFields[i], _ = sanitize.Sanitize(f, 0)
		}
		lines = append(lines, strings.Join(escapedFields, "|"))
	}

	lines = append(lines, "")
	return lines, nil
}
