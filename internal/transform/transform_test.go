package transform

import (
	"testing"
)

func TestTransformHappyPath(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros", "ville": "Lausanne", "code_postal": "1003", "pays": "CH"},
		"transaction": {"date": "2024-11-14", "heure": "18:03:22", "mode_paiement": "card"},
		"devise": "CHF",
		"total": "42.50",
		"articles": [
			{"nom": "Pain", "quantite": "1", "prix_unitaire": "2.50", "prix_total": "2.50", "categorie": "Food", "sous_categorie": "Bakery"}
		]
	}`)

	receipt, err := Transform(raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	if receipt.Store.Name != "Migros" || receipt.Store.City != "Lausanne" {
		t.Errorf("store = %+v", receipt.Store)
	}
	if receipt.Transaction.Currency != "CHF" {
		t.Errorf("currency = %q", receipt.Transaction.Currency)
	}
	if receipt.Transaction.Total.String() != "42.5" {
		t.Errorf("total = %q, want 42.5", receipt.Transaction.Total.String())
	}
	if receipt.Transaction.Time == nil || *receipt.Transaction.Time != "18:03:22" {
		t.Errorf("time = %v, want 18:03:22", receipt.Transaction.Time)
	}
	if len(receipt.Items) != 1 || receipt.Items[0].LineNumber != 1 {
		t.Fatalf("items = %+v", receipt.Items)
	}
	if receipt.Items[0].TotalPrice.String() != "2.5" {
		t.Errorf("item total = %q", receipt.Items[0].TotalPrice.String())
	}
}

func TestTransformMalformedTimeLeavesTimeNilNotError(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros"},
		"transaction": {"date": "2024-11-14", "heure": "18h03"},
		"devise": "CHF",
		"total": "10.00",
		"articles": []
	}`)

	receipt, err := Transform(raw)
	if err != nil {
		t.Fatalf("Transform should not fail on malformed time: %v", err)
	}
	if receipt.Transaction.Time != nil {
		t.Errorf("time = %v, want nil", *receipt.Transaction.Time)
	}
}

func TestTransformAcceptsHourMinuteOnly(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros"},
		"transaction": {"date": "2024-11-14", "heure": "18:03"},
		"devise": "CHF",
		"total": "10.00",
		"articles": []
	}`)

	receipt, err := Transform(raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if receipt.Transaction.Time == nil || *receipt.Transaction.Time != "18:03:00" {
		t.Errorf("time = %v, want 18:03:00", receipt.Transaction.Time)
	}
}

func TestTransformMissingStoreNameFails(t *testing.T) {
	raw := []byte(`{
		"magasin": {},
		"transaction": {"date": "2024-11-14"},
		"devise": "CHF",
		"total": "10.00",
		"articles": []
	}`)

	if _, err := Transform(raw); err == nil {
		t.Fatalf("Transform should fail when magasin.nom is missing")
	}
}

func TestTransformUnparsableDateFails(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros"},
		"transaction": {"date": "14/11/2024"},
		"devise": "CHF",
		"total": "10.00",
		"articles": []
	}`)

	if _, err := Transform(raw); err == nil {
		t.Fatalf("Transform should fail on a non-ISO date")
	}
}

func TestTransformRejectsUnknownCurrency(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros"},
		"transaction": {"date": "2024-11-14"},
		"devise": "JPY",
		"total": "10.00",
		"articles": []
	}`)

	if _, err := Transform(raw); err == nil {
		t.Fatalf("Transform should fail on a currency outside {CHF,EUR,USD,GBP}")
	}
}

func TestTransformDecimalFidelityNoBinaryDrift(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros"},
		"transaction": {"date": "2024-11-14"},
		"devise": "CHF",
		"total": "12.34",
		"articles": []
	}`)

	receipt, err := Transform(raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if got := receipt.Transaction.Total.String(); got != "12.34" {
		t.Errorf("total round-trip = %q, want 12.34", got)
	}
}

func TestTransformLineNumbersAssignedByPosition(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros"},
		"transaction": {"date": "2024-11-14"},
		"devise": "CHF",
		"total": "10.00",
		"articles": [
			{"nom": "A", "quantite": "1", "prix_unitaire": "1", "prix_total": "1", "categorie": "X", "sous_categorie": "Y"},
			{"nom": "B", "quantite": "1", "prix_unitaire": "1", "prix_total": "1", "categorie": "X", "sous_categorie": "Y"},
			{"nom": "C", "quantite": "1", "prix_unitaire": "1", "prix_total": "1", "categorie": "X", "sous_categorie": "Y"}
		]
	}`)

	receipt, err := Transform(raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for i, item := range receipt.Items {
		if item.LineNumber != i+1 {
			t.Errorf("item[%d].LineNumber = %d, want %d", i, item.LineNumber, i+1)
		}
	}
}

func TestTransformMissingArticleFieldFails(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Migros"},
		"transaction": {"date": "2024-11-14"},
		"devise": "CHF",
		"total": "10.00",
		"articles": [
			{"nom": "A", "quantite": "1", "prix_unitaire": "1", "prix_total": "1", "categorie": "X"}
		]
	}`)

	if _, err := Transform(raw); err == nil {
		t.Fatalf("Transform should fail when articles[i].sous_categorie is missing")
	}
}
