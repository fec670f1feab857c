package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/mcarmelo/tickapp/internal/store"
)

type fakeQuerier struct {
	items []store.ItemCategory
	txns  []store.TransactionCategory
	err   error
}

func (f *fakeQuerier) ActiveItemCategories(ctx context.Context) ([]store.ItemCategory, error) {
	return f.items, f.err
}

func (f *fakeQuerier) TransactionCategories(ctx context.Context) ([]store.TransactionCategory, error) {
	return f.txns, f.err
}

func TestFormatItemCategoriesGroupsAndSeparatesWithBlankLine(t *testing.T) {
	categories := []store.ItemCategory{
		{Main: "Food", Sub: "Bakery"},
		{Main: "Food", Sub: "Dairy"},
		{Main: "Household", Sub: "Cleaning"},
	}

	got := FormatItemCategories(categories)
	want := "   Food:\n      - Bakery\n      - Dairy\n\n   Household:\n      - Cleaning"
	if got != want {
		t.Errorf("FormatItemCategories() =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatItemCategoriesEmpty(t *testing.T) {
	if got := FormatItemCategories(nil); got != "No categories available." {
		t.Errorf("FormatItemCategories(nil) = %q", got)
	}
}

func TestFormatTransactionCategories(t *testing.T) {
	categories := []store.TransactionCategory{{ID: 1, Name: "groceries"}, {ID: 2, Name: "transport"}}
	got := FormatTransactionCategories(categories)
	want := "   - ID 1: groceries\n   - ID 2: transport"
	if got != want {
		t.Errorf("FormatTransactionCategories() = %q, want %q", got, want)
	}
}

func TestRenderSubstitutesBothPlaceholders(t *testing.T) {
	q := &fakeQuerier{
		items: []store.ItemCategory{{Main: "Food", Sub: "Bakery"}},
		txns:  []store.TransactionCategory{{ID: 1, Name: "groceries"}},
	}
	a := New(q)

	template := "Categories:\n[item_categories]\n\nTransactions:\n[transaction_categories]\n"
	got, err := a.Render(context.Background(), template)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(got, "[item_categories]") || strings.Contains(got, "[transaction_categories]") {
		t.Errorf("Render left a placeholder unsubstituted: %q", got)
	}
	if !strings.Contains(got, "Bakery") || !strings.Contains(got, "groceries") {
		t.Errorf("Render() = %q, missing expected category content", got)
	}
}

func TestFindClosestCategoryExactMatchWins(t *testing.T) {
	categories := []store.ItemCategory{
		{Main: "Food", Sub: "Bakery"},
		{Main: "Household", Sub: "Cleaning"},
	}

	got, ok := FindClosestCategory(categories, "Food", "Bakery")
	if !ok || got.Main != "Food" || got.Sub != "Bakery" {
		t.Fatalf("FindClosestCategory exact match = %+v, %v", got, ok)
	}
}

func TestFindClosestCategoryExactMainOnly(t *testing.T) {
	categories := []store.ItemCategory{
		{Main: "Food", Sub: "Bakery"},
		{Main: "Food", Sub: "Dairy"},
	}

	got, ok := FindClosestCategory(categories, "food", "")
	if !ok || got.Main != "Food" {
		t.Fatalf("FindClosestCategory main-only match = %+v, %v", got, ok)
	}
}

func TestFindClosestCategoryFuzzyMatchAboveThreshold(t *testing.T) {
	categories := []store.ItemCategory{
		{Main: "Bakery", Sub: "Bread"},
		{Main: "Automotive", Sub: "Parts"},
	}

	got, ok := FindClosestCategory(categories, "Bakary", "Bred")
	if !ok || got.Main != "Bakery" {
		t.Fatalf("FindClosestCategory fuzzy match = %+v, %v", got, ok)
	}
}

func TestFindClosestCategoryBelowThresholdReturnsFalse(t *testing.T) {
	categories := []store.ItemCategory{
		{Main: "Bakery", Sub: "Bread"},
	}

	_, ok := FindClosestCategory(categories, "Spaceship Parts", "Thrusters")
	if ok {
		t.Fatalf("FindClosestCategory should not match an unrelated category")
	}
}

func TestFindClosestCategoryEmptyList(t *testing.T) {
	if _, ok := FindClosestCategory(nil, "Food", ""); ok {
		t.Fatalf("FindClosestCategory on empty list should return false")
	}
}

func TestSimilarityIdenticalStringsIsOne(t *testing.T) {
	if got := similarity("bakery", "bakery"); got != 1.0 {
		t.Errorf("similarity(identical) = %v, want 1.0", got)
	}
}

func TestSimilarityCompletelyDifferentIsZero(t *testing.T) {
	if got := similarity("abc", "xyz"); got != 0.0 {
		t.Errorf("similarity(disjoint) = %v, want 0.0", got)
	}
}
