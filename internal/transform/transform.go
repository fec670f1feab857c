// Package transform maps the LLM's extraction JSON (C5) onto the
// internal relational model: a Store, a Transaction, and an ordered
// list of Items. It is pure and total given well-formed input; it fails
// on undecodable JSON, a missing required field, an unparsable date or
// number, or a currency outside the accepted set, all of which are
// reported as errkind.TransformSchema.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcarmelo/tickapp/internal/errkind"
	"github.com/mcarmelo/tickapp/internal/store"
)

// Extraction is the LLM's JSON output contract (spec §6), decoded with
// the source-language keys the model actually produces.
type Extraction struct {
	Magasin     storeJSON `json:"magasin"`
	Transaction txnJSON   `json:"transaction"`
	Devise      string    `json:"devise"`
	Total       any       `json:"total"` // number or numeric string
	Articles    []itemJSON `json:"articles"`
}

type storeJSON struct {
	Nom        string `json:"nom"`
	Adresse    string `json:"adresse"`
	CodePostal string `json:"code_postal"`
	Ville      string `json:"ville"`
	Pays       string `json:"pays"`
	Telephone  string `json:"telephone"`
}

type txnJSON struct {
	Date           string `json:"date"`
	Heure          string `json:"heure"`
	NumeroTicket   string `json:"numero_ticket"`
	ModePaiement   string `json:"mode_paiement"`
	CategoryID     *int64 `json:"category_id"`
}

type itemJSON struct {
	Nom           string `json:"nom"`
	Reference     string `json:"reference"`
	Marque        string `json:"marque"`
	Quantite      any    `json:"quantite"`
	PrixUnitaire  any    `json:"prix_unitaire"`
	PrixTotal     any    `json:"prix_total"`
	Categorie     string `json:"categorie"`
	SousCategorie string `json:"sous_categorie"`
	TVA           string `json:"tva"`
}

// dateLayout is the strict format transaction.date must match.
const dateLayout = "2006-01-02"

// timeLayouts are tried in order; the first that parses wins.
var timeLayouts = []string{"15:04:05", "15:04"}

// Transform parses raw LLM JSON and maps it onto a ReceiptData
// aggregate. Dates are parsed strictly; an unparsable or missing
// required field fails with errkind.TransformSchema. A time that
// matches neither accepted layout is left nil rather than failing
// the run (spec §4.5).
func Transform(raw []byte) (store.ReceiptData, error) {
	var ext Extraction
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&ext); err != nil {
		return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "decode extraction JSON: %w", err)
	}
	return FromExtraction(ext)
}

// FromExtraction maps an already-decoded Extraction onto a
// ReceiptData aggregate.
func FromExtraction(ext Extraction) (store.ReceiptData, error) {
	if strings.TrimSpace(ext.Magasin.Nom) == "" {
		return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "magasin.nom is required")
	}
	if strings.TrimSpace(ext.Transaction.Date) == "" {
		return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "transaction.date is required")
	}
	if !store.IsAcceptedCurrency(strings.ToUpper(ext.Devise)) {
		return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "unsupported currency %q", ext.Devise)
	}

	date, err := time.Parse(dateLayout, ext.Transaction.Date)
	if err != nil {
		return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "unparsable transaction date %q: %w", ext.Transaction.Date, err)
	}

	total, err := decimalFromAny(ext.Total)
	if err != nil {
		return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "unparsable total: %w", err)
	}

	storeRow := store.Store{
		Name:        ext.Magasin.Nom,
		Address:     ext.Magasin.Adresse,
		PostalCode:  ext.Magasin.CodePostal,
		City:        ext.Magasin.Ville,
		CountryCode: ext.Magasin.Pays,
		Phone:       ext.Magasin.Telephone,
	}

	transaction := store.Transaction{
		ReceiptNumber:         ext.Transaction.NumeroTicket,
		Date:                  date.Format(dateLayout),
		Time:                  parseTransactionTime(ext.Transaction.Heure),
		Currency:              strings.ToUpper(ext.Devise),
		Total:                 total,
		PaymentMethod:         ext.Transaction.ModePaiement,
		Source:                "signal",
		TransactionCategoryID: ext.Transaction.CategoryID,
	}

	items := make([]store.Item, 0, len(ext.Articles))
	for i, a := range ext.Articles {
		if strings.TrimSpace(a.Nom) == "" {
			return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "articles[%d].nom is required", i)
		}
		if strings.TrimSpace(a.SousCategorie) == "" {
			return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "articles[%d].sous_categorie is required", i)
		}

		quantity, err := decimalFromAny(a.Quantite)
		if err != nil {
			return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "articles[%d].quantite: %w", i, err)
		}
		unitPrice, err := decimalFromAny(a.PrixUnitaire)
		if err != nil {
			return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "articles[%d].prix_unitaire: %w", i, err)
		}
		totalPrice, err := decimalFromAny(a.PrixTotal)
		if err != nil {
			return store.ReceiptData{}, errkind.Wrapf(errkind.TransformSchema, "articles[%d].prix_total: %w", i, err)
		}

		items = append(items, store.Item{
			ProductName:  a.Nom,
			ProductRef:   a.Reference,
			Brand:        a.Marque,
			Quantity:     quantity,
			UnitPrice:    unitPrice,
			TotalPrice:   totalPrice,
			VATRate:      a.TVA,
			CategoryMain: a.Categorie,
			CategorySub:  a.SousCategorie,
			LineNumber:   i + 1,
		})
	}

	return store.ReceiptData{
		Store:       storeRow,
		Transaction: transaction,
		Items:       items,
	}, nil
}

// parseTransactionTime tries HH:MM:SS then HH:MM; on failure it
// returns nil rather than propagating an error, per spec §4.5.
func parseTransactionTime(raw string) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			formatted := t.Format("15:04:05")
			return &formatted
		}
	}
	return nil
}

// decimalFromAny parses a monetary or quantity value straight from its
// raw JSON form (number or string) into an arbitrary-precision decimal,
// avoiding a binary float round-trip.
func decimalFromAny(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Decimal{}, fmt.Errorf("missing numeric value")
	case string:
		if strings.TrimSpace(val) == "" {
			return decimal.Decimal{}, fmt.Errorf("empty numeric value")
		}
		return decimal.NewFromString(val)
	case json.Number:
		return decimal.NewFromString(val.String())
	case float64:
		return decimal.NewFromFloat(val), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported numeric type %T", v)
	}
}
