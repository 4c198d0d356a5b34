package receipt

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a receipt does not exist
	ErrNotFound = errors.New("receipt not found")

	// ErrUnsupportedMedia is returned for uploads that are not images
	ErrUnsupportedMedia = errors.New("unsupported media type, only images are accepted")

	// ErrInvalidPeriod is returned for report periods outside the calendar
	ErrInvalidPeriod = errors.New("invalid report period")
)

// PersistenceError reports that a processed receipt could not be stored
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Receipt represents a processed receipt. Rows are never updated after
// insert.
type Receipt struct {
	ID            int64     `json:"id"`
	InvoiceNumber string    `json:"invoice_number"`
	Date          string    `json:"date"` // YYYY-MM-DD
	Merchant      string    `json:"merchant"`
	Amount        int64     `json:"amount"` // whole currency units
	TaxAmount     int64     `json:"tax_amount"`
	Category      string    `json:"category"`
	AccountCode   string    `json:"account_code"`
	Description   string    `json:"description"`
	OCRConfidence float64   `json:"ocr_confidence"`
	OCRSource     string    `json:"ocr_source"`
	Defaulted     []string  `json:"defaulted,omitempty"`
	PhotoPath     string    `json:"photo_path"`
	PhotoHash     string    `json:"photo_hash"`
	ContentType   string    `json:"content_type"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CategoryTotal is one row of a monthly report's category breakdown
type CategoryTotal struct {
	Category      string  `json:"category"`
	Amount        int64   `json:"amount"`
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// DailyTotal is one row of a monthly report's daily breakdown
type DailyTotal struct {
	Date   string `json:"date"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// MonthlyReport aggregates a calendar month
type MonthlyReport struct {
	Period        string          `json:"period"` // YYYY-MM
	TotalAmount   int64           `json:"total_amount"`
	TotalTax      int64           `json:"total_tax"`
	TotalReceipts int             `json:"total_receipts"`
	AvgConfidence float64         `json:"avg_confidence"`
	ByCategory    []CategoryTotal `json:"by_category"`
	Daily         []DailyTotal    `json:"daily"`
}

// MonthTotal is one month of a yearly summary
type MonthTotal struct {
	Month  string `json:"month"` // YYYY-MM
	Amount int64  `json:"amount"`
	Tax    int64  `json:"tax"`
	Count  int    `json:"count"`
}

// YearlySummary aggregates a calendar year
type YearlySummary struct {
	Year             int          `json:"year"`
	TotalExpense     int64        `json:"total_expense"`
	TotalTax         int64        `json:"total_tax"`
	TotalReceipts    int          `json:"total_receipts"`
	MonthlyBreakdown []MonthTotal `json:"monthly_breakdown"`
	AverageMonthly   float64      `json:"average_monthly"`
}
