package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{
	"日期",
	"發票號碼",
	"商家",
	"金額",
	"稅額",
	"類別",
	"會計科目",
	"說明",
	"辨識信心度",
	"來源",
}

// ExportXLSX returns an XLSX workbook of the receipts dated in a year, or in
// one month of it when month is non-zero. A summary sheet holds the
// category totals.
func (s *Service) ExportXLSX(ctx context.Context, year, month int) ([]byte, error) {
	start := time.Now()

	var from, to string
	if month == 0 {
		if err := validMonth(year, 1); err != nil {
			return nil, err
		}
		from, to = yearRange(year)
	} else {
		if err := validMonth(year, month); err != nil {
			return nil, err
		}
		from, to = monthRange(year, month)
	}

	receipts, err := s.db.ListReceiptsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Receipts"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	totals := map[string]int64{}
	var order []string
	row := 2
	for _, r := range receipts {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.Date)
		write(2, r.InvoiceNumber)
		write(3, r.Merchant)
		write(4, r.Amount)
		write(5, r.TaxAmount)
		write(6, r.Category)
		write(7, r.AccountCode)
		write(8, r.Description)
		write(9, r.OCRConfidence)
		write(10, r.OCRSource)

		if _, ok := totals[r.Category]; !ok {
			order = append(order, r.Category)
		}
		totals[r.Category] += r.Amount
		row++
	}

	_ = f.SetColWidth(sheet, "A", "B", 14)
	_ = f.SetColWidth(sheet, "C", "C", 24)
	_ = f.SetColWidth(sheet, "D", "E", 10)
	_ = f.SetColWidth(sheet, "F", "G", 12)
	_ = f.SetColWidth(sheet, "H", "H", 40)

	const summary = "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return nil, fmt.Errorf("adding summary sheet: %w", err)
	}
	_ = f.SetCellValue(summary, "A1", "類別")
	_ = f.SetCellValue(summary, "B1", "金額")
	for i, name := range order {
		_ = f.SetCellValue(summary, fmt.Sprintf("A%d", i+2), name)
		_ = f.SetCellValue(summary, fmt.Sprintf("B%d", i+2), totals[name])
	}
	if len(order) > 0 {
		last := len(order) + 2
		_ = f.SetCellValue(summary, fmt.Sprintf("A%d", last), "合計")
		_ = f.SetCellFormula(summary, fmt.Sprintf("B%d", last), fmt.Sprintf("SUM(B2:B%d)", last-1))
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	slog.Info("Exported receipts",
		"from", from,
		"to", to,
		"rows", len(receipts),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
