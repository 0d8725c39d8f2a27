// Package pii detects and redacts personally identifiable information in
// record field text.
//
// Detection ports the teacher's compilePatterns regex table (anonymizer.go)
// generalized from 8 proxy-specific categories to the 11 categories this
// store recognizes, and replaces the teacher's confidence-score/Ollama
// AI-assist escalation with a fixed category-priority tiebreak — AICF-Core
// has no model-assist dependency, so every match is resolved deterministically
// by priority order alone.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category classifies the kind of sensitive data found.
type Category string

// The 11 recognized PII categories.
const (
	CategoryCreditCard   Category = "creditCard"
	CategorySSN          Category = "ssn"
	CategoryIBAN         Category = "iban"
	CategoryAPIKey       Category = "apiKey"
	CategoryJWT          Category = "jwt"
	CategoryOAuthBearer  Category = "oauthBearer"
	CategoryEmail        Category = "email"
	CategoryPhone        Category = "phone"
	CategoryIP           Category = "ip"
	CategoryPath         Category = "path"
	CategoryName         Category = "name"
)

// priority gives the fixed overlap-resolution order from spec §4.2:
// credit-card > ssn > api-key > email > phone > ip > path > name, with
// iban/jwt/oauthBearer slotted into the structured-token tiers they belong
// to (see DESIGN.md's Open Question decision #1). Lower value wins.
var priority = map[Category]int{
	CategoryCreditCard:  1,
	CategorySSN:         2,
	CategoryIBAN:        3,
	CategoryAPIKey:      4,
	CategoryJWT:         5,
	CategoryOAuthBearer: 6,
	CategoryEmail:       7,
	CategoryPhone:       8,
	CategoryIP:          9,
	CategoryPath:        10,
	CategoryName:        11,
}

// Match describes one detected PII occurrence.
type Match struct {
	Category Category
	Start    int
	End      int
	Text     string
}

type pattern struct {
	re       *regexp.Regexp
	category Category
}

// redactionMarker matches any marker this package itself has already
// emitted (mask or hash mode), so re-running Detect on redacted text never
// re-flags its own output.
var redactionMarker = regexp.MustCompile(`\[(?:REDACTED_[A-Z]+|PII_[A-Z]+_[0-9a-f]{8})\]`)

func compiledPatterns() []pattern {
	specs := []struct {
		expr     string
		category Category
	}{
		// Credit card: 16-digit block pattern, grouped by 4s with optional separators.
		{`\b(?:\d{4}[\-\s]?){3}\d{4}\b`, CategoryCreditCard},
		// SSN: structured hyphenated or contiguous 9-digit format.
		{`\b(?:\d{3}-\d{2}-\d{4}|\d{9})\b`, CategorySSN},
		// IBAN: 2-letter country code, 2 check digits, up to 30 alnum.
		{`\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`, CategoryIBAN},
		// API key: keyword prefix + long token, same as teacher's pattern.
		{`(?i)(?:api[_\-]?key|secret)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`, CategoryAPIKey},
		// JWT: three base64url segments separated by dots.
		{`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`, CategoryJWT},
		// OAuth bearer token header value.
		{`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/]{20,}={0,2}`, CategoryOAuthBearer},
		// Email: unambiguous structural markers (@, domain, TLD).
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, CategoryEmail},
		// Phone: E.164 and common national formats.
		{`(?:\+?[1-9]\d{0,2}[\-.\s]?)?\(?\d{3}\)?[\-.\s]?\d{3}[\-.\s]?\d{4}\b`, CategoryPhone},
		// IPv6, ordered longest-first so greedy matching picks the full address.
		{`(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,7}:` +
			`|(?:[0-9a-fA-F]{1,4}:){1,6}:[0-9a-fA-F]{1,4}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,5}(?::[0-9a-fA-F]{1,4}){1,2}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,4}(?::[0-9a-fA-F]{1,4}){1,3}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,3}(?::[0-9a-fA-F]{1,4}){1,4}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,2}(?::[0-9a-fA-F]{1,4}){1,5}` +
			`|[0-9a-fA-F]{1,4}:(?::[0-9a-fA-F]{1,4}){1,6}` +
			`|:(?::[0-9a-fA-F]{1,4}){1,7}`,
			CategoryIP},
		// IPv4.
		{`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, CategoryIP},
		// Absolute filesystem path (POSIX or Windows drive-letter form).
		{`(?:/[A-Za-z0-9_.\-]+){2,}|\b[A-Za-z]:\\(?:[^\\/:*?"<>|\r\n]+\\)*[^\\/:*?"<>|\r\n]*`, CategoryPath},
		// RFC 5322 display name: two or three capitalized words.
		{`\b[A-Z][a-z]+(?:\s[A-Z][a-z]+){1,2}\b`, CategoryName},
	}

	out := make([]pattern, 0, len(specs))
	for _, s := range specs {
		out = append(out, pattern{re: regexp.MustCompile(s.expr), category: s.category})
	}
	return out
}

// Detector finds PII matches in text.
type Detector struct {
	patterns []pattern
}

// NewDetector returns a Detector with the compiled pattern table.
func NewDetector() *Detector {
	return &Detector{patterns: compiledPatterns()}
}

// Detect returns every non-overlapping PII match in text, ordered by
// position. Overlapping candidate matches are resolved by category
// priority (lower wins), per spec §4.2. Text inside an already-applied
// redaction marker is never re-flagged.
func (d *Detector) Detect(text string) []Match {
	if text == "" {
		return nil
	}

	var candidates []Match
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if overlapsMarker(text, start, end) {
				continue
			}
			if p.category == CategoryCreditCard && !luhnValid(stripNonDigits(text[start:end])) {
				continue
			}
			candidates = append(candidates, Match{
				Category: p.category,
				Start:    start,
				End:      end,
				Text:     text[start:end],
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return priority[candidates[i].Category] < priority[candidates[j].Category]
	})

	return resolveOverlaps(candidates)
}

// stripNonDigits discards every byte that isn't 0-9, for feeding a matched
// credit-card candidate (which may carry hyphen/space separators) to
// luhnValid.
func stripNonDigits(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b = append(b, s[i])
		}
	}
	return string(b)
}

// luhnValid reports whether digits passes the Luhn checksum, per spec
// §4.2's "credit card (Luhn-valid)" category definition — a bare 16-digit
// grouping isn't enough to tell a card number from an order id or tracking
// number.
func luhnValid(digits string) bool {
	if len(digits) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// overlapsMarker reports whether [start,end) intersects an already-emitted
// redaction marker, so re-detection never flags the store's own output.
func overlapsMarker(text string, start, end int) bool {
	for _, loc := range redactionMarker.FindAllStringIndex(text, -1) {
		if start < loc[1] && end > loc[0] {
			return true
		}
	}
	return false
}

// resolveOverlaps keeps, for each run of overlapping candidates, the one
// with the highest priority (lowest priority number); ties broken by
// whichever spans more text.
func resolveOverlaps(sorted []Match) []Match {
	var out []Match
	i := 0
	for i < len(sorted) {
		best := sorted[i]
		windowEnd := best.End
		j := i + 1
		for j < len(sorted) && sorted[j].Start < windowEnd {
			cand := sorted[j]
			if cand.End > windowEnd {
				windowEnd = cand.End
			}
			if priority[cand.Category] < priority[best.Category] ||
				(priority[cand.Category] == priority[best.Category] && (cand.End-cand.Start) > (best.End-best.Start)) {
				best = cand
			}
			j++
		}
		out = append(out, best)
		i = j
	}
	return out
}

// Mode selects how a detected match is rewritten.
type Mode string

// The four redaction modes, per spec §4.2.
const (
	ModeMask   Mode = "mask"
	ModeHash   Mode = "hash"
	ModeRemove Mode = "remove"
	ModeFlag   Mode = "flag"
)

// Redactor rewrites text given a set of detected matches.
type Redactor struct {
	detector *Detector
	hashKey  []byte
}

// NewRedactor returns a Redactor. hashKey salts ModeHash's keyed digest;
// callers should pass a store-scoped secret (e.g. derived at Config.Load
// time) so hash tokens are not guessable across stores.
func NewRedactor(hashKey []byte) *Redactor {
	return &Redactor{detector: NewDetector(), hashKey: hashKey}
}

// Redact detects PII in text and rewrites every match per mode. It returns
// the rewritten text and the matches found (for audit logging and the
// PII-redaction-completeness property: re-running Detect on the result
// returns no match for any redacted category).
//
// ModeFlag leaves the text unchanged; callers are expected to emit an
// audit event per match and, if the field is marked critical, treat the
// unredacted write as a PiiPolicyViolation.
func (r *Redactor) Redact(text string, mode Mode) (string, []Match) {
	matches := r.detector.Detect(text)
	if len(matches) == 0 {
		return text, nil
	}
	if mode == ModeFlag {
		return text, matches
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		switch mode {
		case ModeMask:
			b.WriteString(maskToken(m.Category))
		case ModeHash:
			b.WriteString(r.hashToken(m.Category, m.Text))
		case ModeRemove:
			// elide entirely
		default:
			b.WriteString(maskToken(m.Category))
		}
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String(), matches
}

// maskToken produces the teacher's bracketed-token shape, retargeted from
// [PII_<TYPE>_<8hex>] (value-keyed, for de-anonymization) to the store's
// [REDACTED_<CATEGORY>] shape (spec §4.2) — this store never
// de-anonymizes, so the token carries no reversible per-value hash.
func maskToken(c Category) string {
	return fmt.Sprintf("[REDACTED_%s]", strings.ToUpper(string(c)))
}

// hashToken emits the first 8 hex characters of an HMAC-SHA256 over the
// matched text, keyed per store so the same PII value tokenizes the same
// way within one store but not across stores. Distinguishable from
// maskToken's output by the PII_ prefix, so re-detection (overlapsMarker)
// skips both shapes.
func (r *Redactor) hashToken(c Category, value string) string {
	mac := hmac.New(sha256.New, r.hashKey)
	mac.Write([]byte(value))
	sum := hex.EncodeToString(mac.Sum(nil))[:8]
	return fmt.Sprintf("[PII_%s_%s]", strings.ToUpper(string(c)), sum)
}
