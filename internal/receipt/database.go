package receipt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-ledger/internal/classify"
)

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt inserts a receipt and sets its ID
	SaveReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id int64) (*Receipt, error)

	// ListReceipts returns receipts newest first
	ListReceipts(ctx context.Context, limit, offset int) ([]*Receipt, error)

	// ListReceiptsBetween returns receipts dated in [from, to), oldest first
	ListReceiptsBetween(ctx context.Context, from, to string) ([]*Receipt, error)

	// CountReceipts returns the number of stored receipts
	CountReceipts(ctx context.Context) (int, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(ctx context.Context, id int64) error

	// MonthlyReport aggregates receipts dated in the given month
	MonthlyReport(ctx context.Context, year, month int) (*MonthlyReport, error)

	// YearlySummary aggregates receipts dated in the given year
	YearlySummary(ctx context.Context, year int) (*YearlySummary, error)

	// ListCategories returns the category table in priority order
	ListCategories(ctx context.Context) ([]classify.Category, error)

	// SeedCategories adds the categories that are not stored yet and
	// returns how many were added
	SeedCategories(ctx context.Context, categories []classify.Category) (int, error)

	// Close closes the database connection
	Close() error
}

const (
	receiptBucket  = "receipts"
	categoryBucket = "categories"
)

// BoltDB implements the DB interface using BoltDB. Reports are computed in
// Go from the receipts in range.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptBucket, categoryBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// itob encodes an ID as a big endian key so keys sort by ID
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// SaveReceipt saves a receipt under the bucket's next sequence number
func (b *BoltDB) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating id: %w", err)
		}

		stored := *receipt
		stored.ID = int64(seq)
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		if err := bucket.Put(itob(stored.ID), data); err != nil {
			return err
		}
		receipt.ID = stored.ID
		return nil
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptBucket)).Get(itob(id))
		if data == nil {
			return fmt.Errorf("receipt %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts walks the bucket backwards so the newest receipts come first
func (b *BoltDB) ListReceipts(ctx context.Context, limit, offset int) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(receiptBucket)).Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(receipts) >= limit {
				break
			}
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// ListReceiptsBetween scans every receipt; bolt has no secondary index on date
func (b *BoltDB) ListReceiptsBetween(ctx context.Context, from, to string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptBucket)).ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if receipt.Date >= from && receipt.Date < to {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(receipts, func(i, j int) bool { return receipts[i].Date < receipts[j].Date })
	return receipts, nil
}

// CountReceipts returns the number of stored receipts
func (b *BoltDB) CountReceipts(ctx context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = countKeys(tx.Bucket([]byte(receiptBucket)))
		return nil
	})
	return n, err
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(ctx context.Context, id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucket))
		if bucket.Get(itob(id)) == nil {
			return fmt.Errorf("receipt %d: %w", id, ErrNotFound)
		}
		return bucket.Delete(itob(id))
	})
}

// MonthlyReport aggregates receipts dated in the given month
func (b *BoltDB) MonthlyReport(ctx context.Context, year, month int) (*MonthlyReport, error) {
	if err := validMonth(year, month); err != nil {
		return nil, err
	}
	from, to := monthRange(year, month)
	receipts, err := b.ListReceiptsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return summarizeMonth(year, month, receipts), nil
}

// YearlySummary aggregates receipts dated in the given year
func (b *BoltDB) YearlySummary(ctx context.Context, year int) (*YearlySummary, error) {
	if err := validMonth(year, 1); err != nil {
		return nil, err
	}
	from, to := yearRange(year)
	receipts, err := b.ListReceiptsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return summarizeYear(year, receipts), nil
}

type storedCategory struct {
	Position int `json:"position"`
	classify.Category
}

// ListCategories returns the category table in priority order
func (b *BoltDB) ListCategories(ctx context.Context) ([]classify.Category, error) {
	var stored []storedCategory
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(categoryBucket)).ForEach(func(k, v []byte) error {
			var c storedCategory
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshaling category: %w", err)
			}
			stored = append(stored, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(stored, func(i, j int) bool { return stored[i].Position < stored[j].Position })
	categories := make([]classify.Category, 0, len(stored))
	for _, c := range stored {
		categories = append(categories, c.Category)
	}
	return categories, nil
}

// SeedCategories adds missing categories after the existing ones
func (b *BoltDB) SeedCategories(ctx context.Context, categories []classify.Category) (int, error) {
	added := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(categoryBucket))
		position := countKeys(bucket)
		for _, c := range categories {
			key := []byte(c.Name)
			if bucket.Get(key) != nil {
				continue
			}
			data, err := json.Marshal(storedCategory{Position: position, Category: c})
			if err != nil {
				return fmt.Errorf("marshaling category: %w", err)
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
			position++
			added++
		}
		return nil
	})
	return added, err
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func countKeys(bucket *bbolt.Bucket) int {
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

var _ DB = (*BoltDB)(nil)
