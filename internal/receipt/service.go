package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-ledger/internal/classify"
	"github.com/zombor/receipt-ledger/internal/extract"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

// IDGenerator generates unique prefixes for stored photos
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// AmountAssistant guesses a receipt total when no amount pattern matched
type AmountAssistant interface {
	BackfillAmount(ctx context.Context, text string) (int64, error)
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.New().String()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles receipt operations
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	classifier  *classify.Classifier
	catchAll    string
	assistant   AmountAssistant
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner scanning.Scanner, storage Storage, classifier *classify.Classifier) *Service {
	return NewServiceWithDeps(db, scanner, storage, classifier, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, classifier *classify.Classifier, idGen IDGenerator, timeSrc TimeSource) *Service {
	catchAll := classify.DefaultCatchAll
	if classifier != nil {
		catchAll = classifier.Snapshot().CatchAll()
	}
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		classifier:  classifier,
		catchAll:    catchAll,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// WithAssistant enables amount backfill for receipts with no amount pattern
func (s *Service) WithAssistant(a AmountAssistant) *Service {
	s.assistant = a
	return s
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if len(ext) > 5 || unsafeFilenameChars.MatchString(ext) {
		ext = ""
	}

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(strings.TrimSpace(base), "_")

	// Phones produce long names
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// isImage reports whether contentType names an image media type
func isImage(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}

// Description builds the description stored with a receipt
func Description(merchant string, confidence float64) string {
	return fmt.Sprintf("AI辨識: %s (信心度: %.2f)", merchant, confidence)
}

// ProcessReceipt stores the photo, reads its text, extracts and classifies
// the fields, and saves the receipt.
func (s *Service) ProcessReceipt(ctx context.Context, filename string, data []byte, contentType string) (*Receipt, error) {
	if !isImage(contentType) {
		return nil, ErrUnsupportedMedia
	}

	reqID := uuid.New().String()
	now := s.timeSource.Now()
	log := slog.With("req_id", reqID, "filename", filename)

	hash, err := PhotoHash(data)
	if err != nil {
		return nil, fmt.Errorf("hashing photo: %w", err)
	}

	savedPath, err := s.storage.Save(ctx, fmt.Sprintf("%s_%s", s.idGenerator.Generate(), sanitizeFilename(filename)), data)
	if err != nil {
		return nil, &PersistenceError{Op: "saving photo", Err: err}
	}

	recognition, err := s.scanner.Recognize(ctx, data, contentType)
	if err != nil {
		log.Error("Failed to recognize receipt", "content_type", contentType, "file_size", len(data), "error", err)
		s.removePhoto(ctx, savedPath)
		return nil, fmt.Errorf("recognizing receipt: %w", err)
	}
	log.Info("Recognized receipt",
		"source", recognition.Source,
		"tier", recognition.Tier,
		"confidence", recognition.Confidence,
		"chars", len([]rune(recognition.Text)),
	)

	receipt := s.newReceipt(ctx, log, recognition, now)
	receipt.PhotoPath = savedPath
	receipt.PhotoHash = hash
	receipt.ContentType = contentType

	if err := s.db.SaveReceipt(ctx, receipt); err != nil {
		log.Error("Failed to save receipt", "error", err)
		s.removePhoto(ctx, savedPath)
		return nil, &PersistenceError{Op: "saving receipt", Err: err}
	}

	log.Info("Saved receipt",
		"id", receipt.ID,
		"merchant", receipt.Merchant,
		"amount", receipt.Amount,
		"category", receipt.Category,
	)
	return receipt, nil
}

// RecordText saves a receipt for already recognized text. It has no photo.
func (s *Service) RecordText(ctx context.Context, recognition *scanning.Recognition) (*Receipt, error) {
	log := slog.With("req_id", uuid.New().String())
	receipt := s.newReceipt(ctx, log, recognition, s.timeSource.Now())
	if err := s.db.SaveReceipt(ctx, receipt); err != nil {
		return nil, &PersistenceError{Op: "saving receipt", Err: err}
	}
	return receipt, nil
}

// Analysis is the outcome of extraction and classification for one text
type Analysis struct {
	Fields      extract.Fields `json:"fields"`
	Category    string         `json:"category"`
	Score       int            `json:"score"`
	AccountCode string         `json:"account_code"`
}

// Analyze extracts and classifies text without storing anything
func (s *Service) Analyze(ctx context.Context, text string) Analysis {
	return s.analyze(ctx, slog.Default(), text, s.timeSource.Now())
}

func (s *Service) analyze(ctx context.Context, log *slog.Logger, text string, now time.Time) Analysis {
	fields := extract.Extract(text, now)
	if fields.Amount == 0 && s.assistant != nil {
		fields = s.backfill(ctx, log, text, fields)
	}
	if len(fields.Defaulted) > 0 {
		log.Info("Defaulted receipt fields", "fields", strings.Join(fields.Defaulted, ","))
	}

	table := s.classifier.Snapshot()
	result := table.Classify(fields.Merchant, text)
	category, _ := table.Lookup(result.Category)
	log.Debug("Classified receipt", "category", result.Category, "score", result.Score, "version", table.Version())

	return Analysis{
		Fields:      fields,
		Category:    result.Category,
		Score:       result.Score,
		AccountCode: category.AccountCode,
	}
}

func (s *Service) newReceipt(ctx context.Context, log *slog.Logger, recognition *scanning.Recognition, now time.Time) *Receipt {
	a := s.analyze(ctx, log, recognition.Text, now)
	return &Receipt{
		InvoiceNumber: a.Fields.InvoiceNumber,
		Date:          a.Fields.Date,
		Merchant:      a.Fields.Merchant,
		Amount:        a.Fields.Amount,
		TaxAmount:     a.Fields.TaxAmount,
		Category:      a.Category,
		AccountCode:   a.AccountCode,
		Description:   Description(a.Fields.Merchant, recognition.Confidence),
		OCRConfidence: recognition.Confidence,
		OCRSource:     string(recognition.Source),
		Defaulted:     a.Fields.Defaulted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// backfill asks the assistant for the total. Failures keep the extracted
// fields as they are.
func (s *Service) backfill(ctx context.Context, log *slog.Logger, text string, fields extract.Fields) extract.Fields {
	amount, err := s.assistant.BackfillAmount(ctx, text)
	if err != nil {
		log.Warn("Amount backfill failed", "error", err)
		return fields
	}
	if amount <= 0 {
		return fields
	}

	fields.Amount = amount
	fields.TaxAmount = extract.EstimateTax(amount)
	fields.Defaulted = slices.DeleteFunc(slices.Clone(fields.Defaulted), func(f string) bool { return f == extract.FieldAmount })
	if !slices.Contains(fields.Defaulted, extract.FieldTaxAmount) {
		fields.Defaulted = append(fields.Defaulted, extract.FieldTaxAmount)
	}
	log.Info("Backfilled amount", "amount", amount)
	return fields
}

func (s *Service) removePhoto(ctx context.Context, path string) {
	if err := s.storage.Delete(context.WithoutCancel(ctx), path); err != nil {
		slog.Warn("Failed to delete photo", "path", path, "error", err)
	}
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns receipts newest first
func (s *Service) ListReceipts(ctx context.Context, limit, offset int) ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its photo
func (s *Service) DeleteReceipt(ctx context.Context, id int64) error {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if receipt.PhotoPath != "" {
		if err := s.storage.Delete(ctx, receipt.PhotoPath); err != nil {
			// The row still goes; an orphaned photo is harmless
			slog.Warn("Failed to delete file", "path", receipt.PhotoPath, "error", err)
		}
	}

	if err := s.db.DeleteReceipt(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the photo for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, id int64) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.PhotoPath == "" {
		return nil, "", fmt.Errorf("receipt %d has no photo: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(ctx, receipt.PhotoPath)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, receipt.ContentType, nil
}

// MonthlyReport aggregates one calendar month
func (s *Service) MonthlyReport(ctx context.Context, year, month int) (*MonthlyReport, error) {
	report, err := s.db.MonthlyReport(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("building monthly report: %w", err)
	}
	return report, nil
}

// YearlySummary aggregates one calendar year
func (s *Service) YearlySummary(ctx context.Context, year int) (*YearlySummary, error) {
	summary, err := s.db.YearlySummary(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("building yearly summary: %w", err)
	}
	return summary, nil
}

// Categories returns the active classification table
func (s *Service) Categories() *classify.Table {
	return s.classifier.Snapshot()
}

// ReloadCategories reads the category table from the store and swaps it
// in. In-flight classifications keep the table they started with.
func (s *Service) ReloadCategories(ctx context.Context) (*classify.Table, error) {
	categories, err := s.db.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	version := s.classifier.Swap(classify.NewTable(categories, s.catchAll))
	slog.Info("Reloaded categories", "count", len(categories), "version", version)
	return s.classifier.Snapshot(), nil
}

// LoadClassifier seeds the store with categories when it has none and
// builds a classifier from what the store holds.
func LoadClassifier(ctx context.Context, db DB, seed []classify.Category, catchAll string) (*classify.Classifier, error) {
	categories, err := db.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	if len(categories) == 0 {
		added, err := db.SeedCategories(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("seeding categories: %w", err)
		}
		slog.Info("Seeded categories", "count", added)
		if categories, err = db.ListCategories(ctx); err != nil {
			return nil, fmt.Errorf("listing categories: %w", err)
		}
	}
	return classify.NewClassifier(classify.NewTable(categories, catchAll)), nil
}
