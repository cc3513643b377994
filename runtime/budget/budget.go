// Package budget partitions a model's context window across the named
// categories of assembled prompt content. Each category gets an independent
// fraction of the total; fractions are deliberately not required to sum to 1,
// so every category is a standalone cap rather than a share of a normalized
// whole. Usage checks here use a coarse character heuristic for speed; the
// precise estimate right before a call belongs to the tokens package.
package budget

import (
	"sort"
	"unicode/utf8"
)

// Default category fractions. output_reserve keeps room for the model's own
// completion inside the window.
const (
	CategorySystemRules   = "system_rules"
	CategoryCards         = "cards"
	CategoryCanon         = "canon"
	CategorySummaries     = "summaries"
	CategoryCurrentDraft  = "current_draft"
	CategoryOutputReserve = "output_reserve"
)

// DefaultFractions returns the standard allocation used when the caller does
// not configure its own.
func DefaultFractions() map[string]float64 {
	return map[string]float64{
		CategorySystemRules:   0.05,
		CategoryCards:         0.15,
		CategoryCanon:         0.10,
		CategorySummaries:     0.20,
		CategoryCurrentDraft:  0.30,
		CategoryOutputReserve: 0.20,
	}
}

// Budgeter allocates token budgets per category for one total window size.
// It is immutable after construction and safe for concurrent use.
type Budgeter struct {
	total     int
	fractions map[string]float64
}

// New returns a Budgeter for the given total token count. A nil fractions
// map installs DefaultFractions. The map is copied; later mutation by the
// caller has no effect.
func New(totalTokens int, fractions map[string]float64) *Budgeter {
	if fractions == nil {
		fractions = DefaultFractions()
	}
	fs := make(map[string]float64, len(fractions))
	for k, v := range fractions {
		fs[k] = v
	}
	return &Budgeter{total: totalTokens, fractions: fs}
}

// Total returns the total token count the budgets are derived from.
func (b *Budgeter) Total() int { return b.total }

// Budget returns the token allocation for a category:
// floor(total * fraction). Unknown categories get zero.
func (b *Budgeter) Budget(category string) int {
	frac, ok := b.fractions[category]
	if !ok {
		return 0
	}
	return int(float64(b.total) * frac)
}

// EstimateUsage returns the cheap pre-assembly proxy for text cost: half the
// character count. It intentionally overestimates CJK text relative to real
// tokenizers, which errs on the safe side for budget checks.
func (b *Budgeter) EstimateUsage(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// Fits reports whether text fits within the category's budget.
func (b *Budgeter) Fits(text, category string) bool {
	return b.EstimateUsage(text) <= b.Budget(category)
}

// Overflow returns how many estimated tokens text exceeds the category's
// budget by, or zero when it fits.
func (b *Budgeter) Overflow(text, category string) int {
	over := b.EstimateUsage(text) - b.Budget(category)
	if over < 0 {
		return 0
	}
	return over
}

// Categories returns the configured category names, sorted.
func (b *Budgeter) Categories() []string {
	out := make([]string, 0, len(b.fractions))
	for k := range b.fractions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
