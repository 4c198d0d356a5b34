// Package extract turns raw receipt text into structured fields using ordered
// regular-expression rules. Every rule list is tried top to bottom and the
// first rule that produces a value wins.
package extract

import (
	"fmt"
	"time"
)

// UnknownMerchant is used when no merchant could be found in the text.
const UnknownMerchant = "未知商家"

// DefaultTaxRate is the business tax rate, in percent, used to estimate the
// tax amount when the receipt does not print one.
const DefaultTaxRate = 5

// Names reported in Fields.Defaulted.
const (
	FieldDate      = "date"
	FieldMerchant  = "merchant"
	FieldAmount    = "amount"
	FieldTaxAmount = "tax_amount"
)

// Fields contains the structured data pulled out of a receipt's text
type Fields struct {
	InvoiceNumber string `json:"invoice_number"`
	Date          string `json:"date"` // YYYY-MM-DD
	Merchant      string `json:"merchant"`
	Amount        int64  `json:"amount"` // whole currency units
	TaxAmount     int64  `json:"tax_amount"`

	// Defaulted lists the fields that were filled in by a fallback value
	// rather than matched in the text.
	Defaulted []string `json:"defaulted,omitempty"`
}

// rule tries to pull a single value out of the text.
type rule[T any] func(text string) (T, bool)

func firstMatch[T any](text string, rules []rule[T]) (T, bool) {
	for _, r := range rules {
		if v, ok := r(text); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Extract parses text into Fields. It never fails; fields that cannot be
// found get their documented default. now supplies the default date.
func Extract(text string, now time.Time) Fields {
	var f Fields

	f.InvoiceNumber = InvoiceNumber(text)

	if d, ok := Date(text); ok {
		f.Date = d
	} else {
		f.Date = now.Format("2006-01-02")
		f.Defaulted = append(f.Defaulted, FieldDate)
	}

	if m, ok := Merchant(text); ok {
		f.Merchant = m
	} else {
		f.Merchant = UnknownMerchant
		f.Defaulted = append(f.Defaulted, FieldMerchant)
	}

	if a, ok := Amount(text); ok {
		f.Amount = a
	} else {
		f.Defaulted = append(f.Defaulted, FieldAmount)
	}

	if f.Amount > 0 {
		if t, ok := TaxAmount(text); ok {
			f.TaxAmount = t
		} else {
			f.TaxAmount = EstimateTax(f.Amount)
			f.Defaulted = append(f.Defaulted, FieldTaxAmount)
		}
	}

	return f
}

// EstimateTax returns DefaultTaxRate percent of amount rounded half up.
func EstimateTax(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return (amount*DefaultTaxRate + 50) / 100
}

func formatDate(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}
