// Package pii implements the per-request masking pipeline. A Context is
// installed by middleware at the start of each request and destroyed with
// it; placeholders therefore never resolve across requests.
package pii

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Mode selects which PII types a masking pass replaces.
type Mode string

const (
	// ModeFull masks every supported type; used for tool outputs feeding
	// the LLM.
	ModeFull Mode = "FULL"
	// ModeFinancialOnly masks SSN, card and bank account only; used for
	// contact lookups whose caller explicitly needs email/phone.
	ModeFinancialOnly Mode = "FINANCIAL_ONLY"
	// ModeNone masks nothing; for action tools consuming resolved ids.
	ModeNone Mode = "NONE"
)

// Item is the request-scoped metadata for one placeholder. Original values
// live only in the Context's private map, never in Items.
type Item struct {
	Placeholder string
	Type        Type
	MaskedAt    time.Time
}

// Stats is a per-type count snapshot. Mode is the most permissive mode any
// masking pass in this request used.
type Stats struct {
	ByType map[Type]int
	Total  int
	Mode   Mode
}

type mapping struct {
	typ      Type
	original string
	maskedAt time.Time
}

// placeholderRe matches already-allocated placeholders so a second masking
// pass leaves them untouched.
var placeholderRe = regexp.MustCompile(`\[[A-Z_]+_\d+\]`)

// Context owns the placeholder table and counters for a single request.
// A request is handled by one goroutine, but the context is also touched
// by the audit flush at request end, so access is guarded.
type Context struct {
	mu          sync.Mutex
	mappings    map[string]mapping
	counters    map[Type]int
	resolutions []string
	mode        Mode
	createdAt   time.Time
}

func NewContext() *Context {
	return &Context{
		mappings:  make(map[string]mapping),
		counters:  make(map[Type]int),
		createdAt: time.Now().UTC(),
	}
}

// MaskAndTrack detects PII in text per the mode's ruleset, replaces each
// value with a placeholder [TYPE_n], and records the mapping. Counters are
// monotonic across the request. Idempotent: existing [TYPE_n] tokens are
// skipped, so masking already-masked text is a no-op.
func (c *Context) MaskAndTrack(text string, mode Mode) (string, []Item) {
	if text == "" || mode == ModeNone {
		return text, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == "" || mode == ModeFull {
		c.mode = mode
	}

	var items []Item

	// Never rescan inside placeholders: split on them and mask the
	// segments in between.
	var out strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringIndex(text, -1) {
		masked := c.maskSegment(text[last:loc[0]], mode, &items)
		out.WriteString(masked)
		out.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	out.WriteString(c.maskSegment(text[last:], mode, &items))

	return out.String(), items
}

func (c *Context) maskSegment(segment string, mode Mode, items *[]Item) string {
	if segment == "" {
		return segment
	}

	for _, r := range rules {
		if mode == ModeFinancialOnly && !financialTypes[r.typ] {
			continue
		}

		segment = replaceAllSubmatch(r.re, segment, r.group, func(value string) (string, bool) {
			if r.validate != nil && !r.validate(value) {
				return "", false
			}

			c.counters[r.typ]++
			placeholder := fmt.Sprintf("[%s_%d]", r.typ, c.counters[r.typ])
			m := mapping{typ: r.typ, original: value, maskedAt: time.Now().UTC()}
			c.mappings[placeholder] = m
			*items = append(*items, Item{Placeholder: placeholder, Type: r.typ, MaskedAt: m.maskedAt})
			return placeholder, true
		})
	}
	return segment
}

// Resolve returns the original value for a placeholder. Used sparingly by
// action tools that must send the real value outbound; every resolution is
// recorded for the request's audit row.
func (c *Context) Resolve(placeholder string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.mappings[placeholder]
	if !ok {
		return "", false
	}
	c.resolutions = append(c.resolutions, placeholder)
	return m.original, true
}

// GetStats returns per-type counts for the request so far.
func (c *Context) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byType := make(map[Type]int, len(c.counters))
	total := 0
	for t, n := range c.counters {
		byType[t] = n
		total += n
	}
	return Stats{ByType: byType, Total: total, Mode: c.mode}
}

// GetAuditLog returns placeholder metadata sans original values.
func (c *Context) GetAuditLog() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]Item, 0, len(c.mappings))
	for p, m := range c.mappings {
		items = append(items, Item{Placeholder: p, Type: m.typ, MaskedAt: m.maskedAt})
	}
	return items
}

// Resolutions returns the placeholders that were resolved back to original
// values during the request.
func (c *Context) Resolutions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.resolutions...)
}

// replaceAllSubmatch is ReplaceAllStringFunc with group selection and a
// veto: fn returns (replacement, true) to replace the group, or (_, false)
// to leave the match untouched.
func replaceAllSubmatch(re *regexp.Regexp, s string, group int, fn func(string) (string, bool)) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}

	var out strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[2*group], m[2*group+1]
		if start < 0 {
			continue
		}
		replacement, ok := fn(s[start:end])
		if !ok {
			continue
		}
		out.WriteString(s[last:start])
		out.WriteString(replacement)
		last = end
	}
	out.WriteString(s[last:])
	return out.String()
}
