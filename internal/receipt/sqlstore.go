package receipt

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/zombor/receipt-ledger/internal/classify"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQL dialects
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Timestamps are stored as fixed-width UTC text so they sort as strings in
// both dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const receiptColumns = `id, invoice_number, date, merchant, amount, tax_amount, category, account_code,
	description, ocr_confidence, ocr_source, defaulted_fields, photo_path, photo_hash, content_type,
	created_at, updated_at`

// SQLDB implements the DB interface on a relational database
type SQLDB struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect string
}

// NewSQLite opens (creating if needed) a SQLite database file and migrates it
func NewSQLite(path string) (*SQLDB, error) {
	// WAL lets report queries run while an upload is writing
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLDB{db: db, dialect: DialectSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// NewPostgres connects to PostgreSQL and migrates the schema
func NewPostgres(ctx context.Context, dsn string) (*SQLDB, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "receipt-ledger"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &SQLDB{db: stdlib.OpenDBFromPool(pool), pool: pool, dialect: DialectPostgres}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Dialect returns the SQL dialect in use
func (s *SQLDB) Dialect() string {
	return s.dialect
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLDB) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate runs all pending migrations for the dialect
func (s *SQLDB) migrate() error {
	fsys, err := fs.Sub(migrationsFS, "migrations/"+s.dialect)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_initial.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(s.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// SaveReceipt inserts a receipt and sets its ID
func (s *SQLDB) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	query := s.rebind(`INSERT INTO receipts (invoice_number, date, merchant, amount, tax_amount, category,
		account_code, description, ocr_confidence, ocr_source, defaulted_fields, photo_path, photo_hash,
		content_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		receipt.InvoiceNumber,
		receipt.Date,
		receipt.Merchant,
		receipt.Amount,
		receipt.TaxAmount,
		receipt.Category,
		receipt.AccountCode,
		receipt.Description,
		receipt.OCRConfidence,
		receipt.OCRSource,
		strings.Join(receipt.Defaulted, ","),
		receipt.PhotoPath,
		receipt.PhotoHash,
		receipt.ContentType,
		receipt.CreatedAt.UTC().Format(timeLayout),
		receipt.UpdatedAt.UTC().Format(timeLayout),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	receipt.ID = id
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r                    Receipt
		defaulted            string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&r.ID,
		&r.InvoiceNumber,
		&r.Date,
		&r.Merchant,
		&r.Amount,
		&r.TaxAmount,
		&r.Category,
		&r.AccountCode,
		&r.Description,
		&r.OCRConfidence,
		&r.OCRSource,
		&defaulted,
		&r.PhotoPath,
		&r.PhotoHash,
		&r.ContentType,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if defaulted != "" {
		r.Defaulted = strings.Split(defaulted, ",")
	}
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &r, nil
}

func (s *SQLDB) queryReceipts(ctx context.Context, query string, args ...any) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]*Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// GetReceipt retrieves a receipt by ID
func (s *SQLDB) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+receiptColumns+" FROM receipts WHERE id = ?"), id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return r, nil
}

// ListReceipts returns receipts newest first
func (s *SQLDB) ListReceipts(ctx context.Context, limit, offset int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = -1
		if s.dialect == DialectPostgres {
			return s.queryReceipts(ctx, "SELECT "+receiptColumns+" FROM receipts ORDER BY created_at DESC, id DESC OFFSET ?", offset)
		}
	}
	return s.queryReceipts(ctx, "SELECT "+receiptColumns+" FROM receipts ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", limit, offset)
}

// ListReceiptsBetween returns receipts dated in [from, to), oldest first
func (s *SQLDB) ListReceiptsBetween(ctx context.Context, from, to string) ([]*Receipt, error) {
	return s.queryReceipts(ctx, "SELECT "+receiptColumns+" FROM receipts WHERE date >= ? AND date < ? ORDER BY date, id", from, to)
}

// CountReceipts returns the number of stored receipts
func (s *SQLDB) CountReceipts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM receipts").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting receipts: %w", err)
	}
	return n, nil
}

// DeleteReceipt removes a receipt from the database
func (s *SQLDB) DeleteReceipt(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM receipts WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("receipt %d: %w", id, ErrNotFound)
	}
	return nil
}

// MonthlyReport aggregates receipts dated in the given month
func (s *SQLDB) MonthlyReport(ctx context.Context, year, month int) (*MonthlyReport, error) {
	if err := validMonth(year, month); err != nil {
		return nil, err
	}
	from, to := monthRange(year, month)
	report := &MonthlyReport{
		Period:     fmt.Sprintf("%04d-%02d", year, month),
		ByCategory: []CategoryTotal{},
		Daily:      []DailyTotal{},
	}

	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT
			CAST(COALESCE(SUM(amount), 0) AS BIGINT),
			CAST(COALESCE(SUM(tax_amount), 0) AS BIGINT),
			COUNT(*),
			CAST(COALESCE(AVG(ocr_confidence), 0) AS DOUBLE PRECISION)
		FROM receipts WHERE date >= ? AND date < ?`), from, to,
	).Scan(&report.TotalAmount, &report.TotalTax, &report.TotalReceipts, &report.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("querying month totals: %w", err)
	}
	report.AvgConfidence = round2(report.AvgConfidence)

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT category,
			CAST(SUM(amount) AS BIGINT),
			COUNT(*),
			CAST(AVG(ocr_confidence) AS DOUBLE PRECISION)
		FROM receipts WHERE date >= ? AND date < ?
		GROUP BY category`), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying category totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ct CategoryTotal
		if err := rows.Scan(&ct.Category, &ct.Amount, &ct.Count, &ct.AvgConfidence); err != nil {
			return nil, fmt.Errorf("scanning category total: %w", err)
		}
		ct.AvgConfidence = round2(ct.AvgConfidence)
		report.ByCategory = append(report.ByCategory, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCategoryTotals(report.ByCategory)

	dayRows, err := s.db.QueryContext(ctx, s.rebind(`SELECT date, CAST(SUM(amount) AS BIGINT), COUNT(*)
		FROM receipts WHERE date >= ? AND date < ?
		GROUP BY date ORDER BY date`), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying daily totals: %w", err)
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var d DailyTotal
		if err := dayRows.Scan(&d.Date, &d.Amount, &d.Count); err != nil {
			return nil, fmt.Errorf("scanning daily total: %w", err)
		}
		report.Daily = append(report.Daily, d)
	}
	return report, dayRows.Err()
}

// YearlySummary aggregates receipts dated in the given year
func (s *SQLDB) YearlySummary(ctx context.Context, year int) (*YearlySummary, error) {
	if err := validMonth(year, 1); err != nil {
		return nil, err
	}
	from, to := yearRange(year)
	summary := emptyYear(year)

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT SUBSTR(date, 1, 7),
			CAST(SUM(amount) AS BIGINT),
			CAST(SUM(tax_amount) AS BIGINT),
			COUNT(*)
		FROM receipts WHERE date >= ? AND date < ?
		GROUP BY SUBSTR(date, 1, 7)`), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying monthly totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mt MonthTotal
		if err := rows.Scan(&mt.Month, &mt.Amount, &mt.Tax, &mt.Count); err != nil {
			return nil, fmt.Errorf("scanning monthly total: %w", err)
		}
		m, err := strconv.Atoi(strings.TrimPrefix(mt.Month, fmt.Sprintf("%04d-", year)))
		if err != nil || m < 1 || m > 12 {
			continue
		}
		summary.MonthlyBreakdown[m-1] = mt
		summary.TotalExpense += mt.Amount
		summary.TotalTax += mt.Tax
		summary.TotalReceipts += mt.Count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	summary.finish()
	return summary, nil
}

// ListCategories returns the category table in priority order
func (s *SQLDB) ListCategories(ctx context.Context) ([]classify.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, keywords, account_code, tax_deductible,
		requires_receipt, requires_approval, approval_limit
		FROM categories ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	categories := make([]classify.Category, 0)
	for rows.Next() {
		var (
			c        classify.Category
			keywords string
		)
		if err := rows.Scan(&c.Name, &keywords, &c.AccountCode, &c.TaxDeductible,
			&c.RequiresReceipt, &c.RequiresApproval, &c.ApprovalLimit); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		if keywords != "" {
			c.Keywords = strings.Split(keywords, ",")
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// SeedCategories adds missing categories after the existing ones
func (s *SQLDB) SeedCategories(ctx context.Context, categories []classify.Category) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var position int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), -1) + 1 FROM categories").Scan(&position); err != nil {
		return 0, fmt.Errorf("getting next position: %w", err)
	}

	insert := s.rebind(`INSERT INTO categories (name, keywords, account_code, tax_deductible,
		requires_receipt, requires_approval, approval_limit, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING`)

	added := 0
	for _, c := range categories {
		res, err := tx.ExecContext(ctx, insert,
			c.Name,
			strings.Join(c.Keywords, ","),
			c.AccountCode,
			c.TaxDeductible,
			c.RequiresReceipt,
			c.RequiresApproval,
			c.ApprovalLimit,
			position,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting category %s: %w", c.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			position++
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing categories: %w", err)
	}
	return added, nil
}

// Close closes the database connection
func (s *SQLDB) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

var _ DB = (*SQLDB)(nil)
