package receipt

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// monthRange returns the half-open date range [from, to) covering a month.
func monthRange(year, month int) (string, string) {
	from := fmt.Sprintf("%04d-%02d-01", year, month)
	if month == 12 {
		return from, fmt.Sprintf("%04d-01-01", year+1)
	}
	return from, fmt.Sprintf("%04d-%02d-01", year, month+1)
}

func yearRange(year int) (string, string) {
	return fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1)
}

func validMonth(year, month int) error {
	if year < 1 || year > 9999 {
		return fmt.Errorf("year %d: %w", year, ErrInvalidPeriod)
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("month %d: %w", month, ErrInvalidPeriod)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// emptyYear returns a summary with all twelve months present.
func emptyYear(year int) *YearlySummary {
	s := &YearlySummary{Year: year, MonthlyBreakdown: make([]MonthTotal, 12)}
	for i := range s.MonthlyBreakdown {
		s.MonthlyBreakdown[i].Month = fmt.Sprintf("%04d-%02d", year, i+1)
	}
	return s
}

func (s *YearlySummary) finish() {
	s.AverageMonthly = round2(float64(s.TotalExpense) / 12)
}

// summarizeMonth builds a monthly report from the month's receipts. Stores
// that cannot aggregate in a query use it.
func summarizeMonth(year, month int, receipts []*Receipt) *MonthlyReport {
	report := &MonthlyReport{
		Period:     fmt.Sprintf("%04d-%02d", year, month),
		ByCategory: []CategoryTotal{},
		Daily:      []DailyTotal{},
	}

	type acc struct {
		amount  int64
		count   int
		confSum float64
	}
	byCategory := map[string]*acc{}
	byDay := map[string]*acc{}
	var confSum float64

	for _, r := range receipts {
		report.TotalAmount += r.Amount
		report.TotalTax += r.TaxAmount
		report.TotalReceipts++
		confSum += r.OCRConfidence

		c, ok := byCategory[r.Category]
		if !ok {
			c = &acc{}
			byCategory[r.Category] = c
		}
		c.amount += r.Amount
		c.count++
		c.confSum += r.OCRConfidence

		d, ok := byDay[r.Date]
		if !ok {
			d = &acc{}
			byDay[r.Date] = d
		}
		d.amount += r.Amount
		d.count++
	}

	if report.TotalReceipts > 0 {
		report.AvgConfidence = round2(confSum / float64(report.TotalReceipts))
	}
	for name, c := range byCategory {
		report.ByCategory = append(report.ByCategory, CategoryTotal{
			Category:      name,
			Amount:        c.amount,
			Count:         c.count,
			AvgConfidence: round2(c.confSum / float64(c.count)),
		})
	}
	sortCategoryTotals(report.ByCategory)
	for day, d := range byDay {
		report.Daily = append(report.Daily, DailyTotal{Date: day, Amount: d.amount, Count: d.count})
	}
	sort.Slice(report.Daily, func(i, j int) bool { return report.Daily[i].Date < report.Daily[j].Date })

	return report
}

// sortCategoryTotals orders by amount, largest first, then by name.
func sortCategoryTotals(totals []CategoryTotal) {
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Amount != totals[j].Amount {
			return totals[i].Amount > totals[j].Amount
		}
		return totals[i].Category < totals[j].Category
	})
}

func summarizeYear(year int, receipts []*Receipt) *YearlySummary {
	s := emptyYear(year)
	for _, r := range receipts {
		if len(r.Date) < 7 {
			continue
		}
		m, err := strconv.Atoi(r.Date[5:7])
		if err != nil || m < 1 || m > 12 {
			continue
		}
		mt := &s.MonthlyBreakdown[m-1]
		mt.Amount += r.Amount
		mt.Tax += r.TaxAmount
		mt.Count++
		s.TotalExpense += r.Amount
		s.TotalTax += r.TaxAmount
		s.TotalReceipts++
	}
	s.finish()
	return s
}
