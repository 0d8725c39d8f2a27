package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_Email(t *testing.T) {
	d := NewDetector()
	matches := d.Detect("email me at a@b.com please")
	require.Len(t, matches, 1)
	assert.Equal(t, CategoryEmail, matches[0].Category)
	assert.Equal(t, "a@b.com", matches[0].Text)
}

func TestDetect_NoMatchOnPlainText(t *testing.T) {
	d := NewDetector()
	matches := d.Detect("nothing sensitive here")
	assert.Empty(t, matches)
}

func TestDetect_EmptyText(t *testing.T) {
	d := NewDetector()
	assert.Nil(t, d.Detect(""))
}

func TestResolveOverlaps_HigherPriorityWins(t *testing.T) {
	// Synthetic overlap: ssn (priority 2) partially overlaps a
	// lower-priority phone (priority 8) match. credit-card/ssn must win per spec §4.2's
	// fixed priority order, regardless of span length.
	candidates := []Match{
		{Category: CategoryPhone, Start: 0, End: 10, Text: "xxxxxxxxxx"},
		{Category: CategorySSN, Start: 2, End: 11, Text: "xxxxxxxxx"},
	}
	resolved := resolveOverlaps(candidates)
	require.Len(t, resolved, 1)
	assert.Equal(t, CategorySSN, resolved[0].Category)
}

func TestDetect_MatchesDoNotOverlap(t *testing.T) {
	d := NewDetector()
	matches := d.Detect("contact a@b.com or 4111-1111-1111-1111")
	for i := 1; i < len(matches); i++ {
		assert.LessOrEqual(t, matches[i-1].End, matches[i].Start, "matches must not overlap")
	}
}

func TestDetect_SkipsAlreadyRedactedMarkers(t *testing.T) {
	d := NewDetector()
	matches := d.Detect("contact [REDACTED_EMAIL] for help")
	assert.Empty(t, matches)
}

func TestDetect_SkipsHashMarkers(t *testing.T) {
	d := NewDetector()
	matches := d.Detect("contact [PII_EMAIL_0a1b2c3d] for help")
	assert.Empty(t, matches)
}

func TestRedact_MaskMode(t *testing.T) {
	r := NewRedactor([]byte("store-secret"))
	out, matches := r.Redact("email me at a@b.com", ModeMask)
	assert.Equal(t, "email me at [REDACTED_EMAIL]", out)
	require.Len(t, matches, 1)
}

func TestRedact_RemoveMode(t *testing.T) {
	r := NewRedactor([]byte("store-secret"))
	out, _ := r.Redact("email me at a@b.com now", ModeRemove)
	assert.Equal(t, "email me at  now", out)
}

func TestRedact_FlagMode_LeavesTextUnchanged(t *testing.T) {
	r := NewRedactor([]byte("store-secret"))
	out, matches := r.Redact("email me at a@b.com", ModeFlag)
	assert.Equal(t, "email me at a@b.com", out)
	require.Len(t, matches, 1)
}

func TestRedact_HashMode_Deterministic(t *testing.T) {
	r := NewRedactor([]byte("store-secret"))
	out1, _ := r.Redact("email me at a@b.com", ModeHash)
	out2, _ := r.Redact("email me at a@b.com", ModeHash)
	assert.Equal(t, out1, out2)
	assert.NotEqual(t, "email me at a@b.com", out1)
}

func TestRedact_HashMode_DiffersByKey(t *testing.T) {
	r1 := NewRedactor([]byte("key-one"))
	r2 := NewRedactor([]byte("key-two"))
	out1, _ := r1.Redact("a@b.com", ModeHash)
	out2, _ := r2.Redact("a@b.com", ModeHash)
	assert.NotEqual(t, out1, out2)
}

// TestRedact_Idempotent proves the completeness property from spec §8.6:
// detect(redact(t, mode=mask)) returns no match for any category the
// original text contained.
func TestRedact_Idempotent(t *testing.T) {
	r := NewRedactor([]byte("store-secret"))
	texts := []string{
		"email me at a@b.com",
		"card 4111-1111-1111-1111 expires soon",
		"call 555-123-4567 tomorrow",
	}
	for _, tx := range texts {
		masked, matches := r.Redact(tx, ModeMask)
		require.NotEmpty(t, matches, "expected at least one PII match in %q", tx)

		redone, reMatches := r.Redact(masked, ModeMask)
		assert.Equal(t, masked, redone, "re-redaction must be a no-op for %q", tx)
		assert.Empty(t, reMatches, "re-detecting a redacted string must find nothing for %q", tx)
	}
}

func TestRedact_NoPIIReturnsOriginal(t *testing.T) {
	r := NewRedactor([]byte("store-secret"))
	out, matches := r.Redact("nothing sensitive", ModeMask)
	assert.Equal(t, "nothing sensitive", out)
	assert.Empty(t, matches)
}
