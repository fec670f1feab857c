// Package store persists senders, groups, messages, attachments, and
// receipts to SQLite. It is the only package that talks to the
// database; every upsert and insert operation the pipeline engine
// needs lives here.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sender is a Signal contact, keyed by UUID when known.
type Sender struct {
	ID       int64
	UUID     string
	Number   string
	Name     string
	LastSeen time.Time
}

// Group is a Signal group chat.
type Group struct {
	ID      int64
	GroupID string
	Name    string
}

// Message is a received Signal data message, ready for persistence.
type Message struct {
	SenderUUID    string
	SenderNumber  string
	SenderName    string
	GroupID       string
	GroupName     string
	Timestamp     time.Time
	Text          string
	IsGroupMsg    bool
	Account       string
	Attachments   []Attachment
}

// Attachment is a file attached to a Message.
type Attachment struct {
	SidecarID       string
	ContentType     string
	Filename        string
	Size            int64
	UploadTimestamp int64
	Path            string
}

// Store is a retail location, keyed by (name, city, postal code).
type Store struct {
	Name        string
	Address     string
	PostalCode  string
	City        string
	CountryCode string
	Phone       string
}

// Transaction is one receipt's purchase record.
type Transaction struct {
	ReceiptNumber         string
	Date                  string // YYYY-MM-DD
	Time                  *string
	Currency              string
	Total                 decimal.Decimal
	PaymentMethod         string
	Source                string
	TransactionCategoryID *int64
	CategoryName          string // resolved/created on insert if TransactionCategoryID is nil
}

// Item is one line of a Transaction.
type Item struct {
	ProductName    string
	ProductRef     string
	Brand          string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	TotalPrice     decimal.Decimal
	VATRate        string
	CategoryMain   string
	CategorySub    string
	LineNumber     int
}

// ReceiptData is what the transformer hands to persist_receipt: a
// store, a transaction, and its ordered items.
type ReceiptData struct {
	Store       Store
	Transaction Transaction
	Items       []Item
}

// ItemCategory is one (main, sub) item category row, used by the
// prompt assembler and the category matcher.
type ItemCategory struct {
	Main        string
	Sub         string
	Description string
	Active      bool
}

// TransactionCategory is one named transaction category row.
type TransactionCategory struct {
	ID   int64
	Name string
}

// acceptedCurrencies is the closed set spec §3 requires every
// inserted transaction's currency to belong to.
var acceptedCurrencies = map[string]bool{
	"CHF": true,
	"EUR": true,
	"USD": true,
	"GBP": true,
}

// IsAcceptedCurrency reports whether code is one of the accepted ISO
// currency codes.
func IsAcceptedCurrency(code string) bool {
	return acceptedCurrencies[code]
}
