// Package prompt assembles the extraction prompt handed to the vision
// LLM client (C4): it substitutes two DB-driven enumerations — active
// item categories and transaction categories — into a static template,
// and offers an advisory category matcher used by validators rather
// than the happy path.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mcarmelo/tickapp/internal/store"
)

// itemCategoryQuerier is the subset of *store.Client this package
// needs, kept narrow so tests can fake it without a real database.
type itemCategoryQuerier interface {
	ActiveItemCategories(ctx context.Context) ([]store.ItemCategory, error)
	TransactionCategories(ctx context.Context) ([]store.TransactionCategory, error)
}

const (
	itemCategoriesPlaceholder        = "[item_categories]"
	transactionCategoriesPlaceholder = "[transaction_categories]"
)

// Assembler renders the extraction prompt template against a DB
// snapshot of the two category enumerations.
type Assembler struct {
	db itemCategoryQuerier
}

// New creates an Assembler backed by db.
func New(db itemCategoryQuerier) *Assembler {
	return &Assembler{db: db}
}

// Render substitutes [item_categories] and [transaction_categories] in
// template with the current DB snapshot, literally.
func (a *Assembler) Render(ctx context.Context, template string) (string, error) {
	items, err := a.db.ActiveItemCategories(ctx)
	if err != nil {
		return "", fmt.Errorf("load item categories: %w", err)
	}
	txns, err := a.db.TransactionCategories(ctx)
	if err != nil {
		return "", fmt.Errorf("load transaction categories: %w", err)
	}

	out := strings.ReplaceAll(template, itemCategoriesPlaceholder, FormatItemCategories(items))
	out = strings.ReplaceAll(out, transactionCategoriesPlaceholder, FormatTransactionCategories(txns))
	return out, nil
}

// FormatItemCategories groups categories by main, sorted, with a blank
// line between groups and an indented "- sub" line per subcategory.
func FormatItemCategories(categories []store.ItemCategory) string {
	if len(categories) == 0 {
		return "No categories available."
	}

	grouped := make(map[string][]string)
	var mains []string
	for _, c := range categories {
		if _, ok := grouped[c.Main]; !ok {
			mains = append(mains, c.Main)
		}
		grouped[c.Main] = append(grouped[c.Main], c.Sub)
	}
	sort.Strings(mains)

	var lines []string
	for i, main := range mains {
		if i > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, fmt.Sprintf("   %s:", main))
		for _, sub := range grouped[main] {
			lines = append(lines, fmt.Sprintf("      - %s", sub))
		}
	}
	return strings.Join(lines, "\n")
}

// FormatTransactionCategories renders "ID <n>: <name>" lines ordered by
// id, the order the caller's query already produced.
func FormatTransactionCategories(categories []store.TransactionCategory) string {
	if len(categories) == 0 {
		return "No transaction categories available."
	}

	lines := make([]string, 0, len(categories))
	for _, c := range categories {
		lines = append(lines, fmt.Sprintf("   - ID %d: %s", c.ID, c.Name))
	}
	return strings.Join(lines, "\n")
}

// FindClosestCategory returns the best (main, sub) match for the given
// names among categories: an exact case-insensitive match on main
// wins outright (further narrowed by an exact sub match when one is
// supplied); otherwise the category with the highest
// 0.6*mainSimilarity + 0.4*subSimilarity score is returned, provided
// that score exceeds 0.5. Returns ok=false when nothing clears the
// threshold.
func FindClosestCategory(categories []store.ItemCategory, main, sub string) (match store.ItemCategory, ok bool) {
	if len(categories) == 0 {
		return store.ItemCategory{}, false
	}

	mainLower := strings.ToLower(strings.TrimSpace(main))
	subLower := strings.ToLower(strings.TrimSpace(sub))

	for _, c := range categories {
		if strings.ToLower(c.Main) == mainLower {
			if subLower != "" {
				if strings.ToLower(c.Sub) == subLower {
					return c, true
				}
				continue
			}
			return c, true
		}
	}

	var best store.ItemCategory
	bestScore := 0.0
	for _, c := range categories {
		mainScore := similarity(mainLower, strings.ToLower(c.Main))
		score := mainScore
		if subLower != "" {
			subScore := similarity(subLower, strings.ToLower(c.Sub))
			score = mainScore*0.6 + subScore*0.4
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}

	if bestScore > 0.5 {
		return best, true
	}
	return store.ItemCategory{}, false
}

// similarity computes a Ratcliff/Obershelp-style ratio, matching
// Python's difflib.SequenceMatcher(None, a, b).ratio(): 2*M / (len(a)+len(b))
// where M is the total length of non-overlapping matching blocks found
// by recursively taking the longest common substring.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	matches := matchingBlockLength([]rune(a), []rune(b))
	total := len([]rune(a)) + len([]rune(b))
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(matches) / float64(total)
}

// matchingBlockLength returns the total length of matching blocks
// between a and b via the same recursive longest-common-substring
// split difflib's ratio() uses.
func matchingBlockLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	aStart, bStart, length := longestCommonSubstring(a, b)
	if length == 0 {
		return 0
	}

	total := length
	total += matchingBlockLength(a[:aStart], b[:bStart])
	total += matchingBlockLength(a[aStart+length:], b[bStart+length:])
	return total
}

// longestCommonSubstring finds the longest contiguous run shared by a
// and b, breaking ties by earliest position in a then b (mirroring
// difflib's deterministic choice).
func longestCommonSubstring(a, b []rune) (aStart, bStart, length int) {
	// dp[j] holds the run length ending at a[i-1], b[j-1] from the
	// previous row; reused in place per difflib's space-saving approach.
	dp := make([]int, len(b)+1)
	best := 0
	bestA, bestB := 0, 0

	for i := 1; i <= len(a); i++ {
		prevDiag := 0
		for j := 1; j <= len(b); j++ {
			temp := dp[j]
			if a[i-1] == b[j-1] {
				dp[j] = prevDiag + 1
				if dp[j] > best {
					best = dp[j]
					bestA = i - dp[j]
					bestB = j - dp[j]
				}
			} else {
				dp[j] = 0
			}
			prevDiag = temp
		}
	}

	return bestA, bestB, best
}
