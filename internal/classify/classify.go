// Package classify assigns a spending category to a receipt by scoring
// category keywords against the merchant name and the full receipt text.
package classify

import (
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// Keyword weights.
const (
	merchantHit = 10
	textHit     = 3
	partialHit  = 1
)

// DefaultCatchAll is the category used when nothing scores.
const DefaultCatchAll = "雜費"

// Category is one entry of the keyword table
type Category struct {
	Name             string   `json:"name" koanf:"name"`
	Keywords         []string `json:"keywords" koanf:"keywords"`
	AccountCode      string   `json:"account_code" koanf:"account_code"`
	TaxDeductible    bool     `json:"tax_deductible" koanf:"tax_deductible"`
	RequiresReceipt  bool     `json:"requires_receipt" koanf:"requires_receipt"`
	RequiresApproval bool     `json:"requires_approval" koanf:"requires_approval"`
	ApprovalLimit    int64    `json:"approval_limit" koanf:"approval_limit"`
}

// Result is the outcome of classifying one receipt
type Result struct {
	Category string `json:"category"`
	Score    int    `json:"score"`
}

type preparedCategory struct {
	name     string
	keywords []string
}

// Table is an immutable, ordered snapshot of categories. Earlier categories
// win ties.
type Table struct {
	categories []Category
	prepared   []preparedCategory
	catchAll   string
	version    uint64
}

// NewTable builds a table from categories in priority order. The catch-all
// category always sits last, added when missing.
func NewTable(categories []Category, catchAll string) *Table {
	if catchAll == "" {
		catchAll = DefaultCatchAll
	}

	t := &Table{catchAll: catchAll}
	last := Category{Name: catchAll}
	for _, c := range categories {
		c.Keywords = append([]string(nil), c.Keywords...)
		if c.Name == catchAll {
			last = c
			continue
		}
		t.add(c)
	}
	t.add(last)
	return t
}

func (t *Table) add(c Category) {
	t.categories = append(t.categories, c)

	p := preparedCategory{name: c.Name}
	for _, kw := range c.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		p.keywords = append(p.keywords, kw)
	}
	t.prepared = append(t.prepared, p)
}

// Classify scores every category and returns the highest. Ties go to the
// category listed first; a top score of zero yields the catch-all.
func (t *Table) Classify(merchant, text string) Result {
	if merchant == "" {
		return Result{Category: t.catchAll}
	}

	merchantLower := strings.ToLower(merchant)
	analysis := strings.ToLower(merchant + " " + text)

	best := Result{Category: t.catchAll}
	for _, c := range t.prepared {
		score := 0
		for _, kw := range c.keywords {
			score += keywordScore(kw, merchantLower, analysis)
		}
		if score > best.Score {
			best = Result{Category: c.name, Score: score}
		}
	}
	return best
}

func keywordScore(kw, merchant, analysis string) int {
	switch {
	case strings.Contains(merchant, kw):
		return merchantHit
	case strings.Contains(analysis, kw):
		return textHit
	}
	for _, part := range strings.Fields(kw) {
		if utf8.RuneCountInString(part) > 2 && strings.Contains(analysis, part) {
			return partialHit
		}
	}
	return 0
}

// Categories returns a copy of the table's categories in priority order.
func (t *Table) Categories() []Category {
	out := make([]Category, len(t.categories))
	copy(out, t.categories)
	return out
}

// Lookup finds a category by name.
func (t *Table) Lookup(name string) (Category, bool) {
	for _, c := range t.categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// CatchAll returns the catch-all category name.
func (t *Table) CatchAll() string {
	return t.catchAll
}

// Version returns the snapshot version assigned by the Classifier.
func (t *Table) Version() uint64 {
	return t.version
}

// Classifier serves classifications from the current table snapshot. The
// snapshot can be replaced at any time without blocking readers.
type Classifier struct {
	current atomic.Pointer[Table]
	seq     atomic.Uint64
}

// NewClassifier creates a Classifier serving t.
func NewClassifier(t *Table) *Classifier {
	c := &Classifier{}
	c.Swap(t)
	return c
}

// Classify classifies against the current snapshot.
func (c *Classifier) Classify(merchant, text string) Result {
	return c.current.Load().Classify(merchant, text)
}

// Snapshot returns the table currently in use.
func (c *Classifier) Snapshot() *Table {
	return c.current.Load()
}

// Swap installs a copy of t as the current snapshot and returns its version.
func (c *Classifier) Swap(t *Table) uint64 {
	next := *t
	next.version = c.seq.Add(1)
	c.current.Store(&next)
	return next.version
}
