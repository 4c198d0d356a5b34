package receipt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/zombor/receipt-ledger/internal/classify"
)

var baseTime = time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)

func sampleReceipt(n int, date, merchant string, amount, tax int64, category string, confidence float64) *Receipt {
	created := baseTime.Add(time.Duration(n) * time.Minute)
	return &Receipt{
		InvoiceNumber: "AB1234567" + string(rune('0'+n)),
		Date:          date,
		Merchant:      merchant,
		Amount:        amount,
		TaxAmount:     tax,
		Category:      category,
		AccountCode:   "5600",
		Description:   Description(merchant, confidence),
		OCRConfidence: confidence,
		OCRSource:     "engine",
		PhotoPath:     merchant + ".jpg",
		PhotoHash:     "abc123",
		ContentType:   "image/jpeg",
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

// dbBehaviour runs the contract every DB implementation must meet
func dbBehaviour(open func() DB) {
	var (
		db  DB
		ctx context.Context
	)

	BeforeEach(func() {
		db = open()
		ctx = context.Background()
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	saveAll := func(receipts ...*Receipt) {
		for _, r := range receipts {
			Expect(db.SaveReceipt(ctx, r)).To(Succeed())
		}
	}

	Describe("SaveReceipt and GetReceipt", func() {
		var receipt *Receipt

		BeforeEach(func() {
			receipt = sampleReceipt(1, "2024-12-16", "星巴克", 126, 6, "餐費", 0.95)
			receipt.Defaulted = []string{"tax_amount"}
		})

		It("should assign increasing IDs", func() {
			Expect(db.SaveReceipt(ctx, receipt)).To(Succeed())
			Expect(receipt.ID).To(BeNumerically(">", 0))

			second := sampleReceipt(2, "2024-12-17", "全家", 26, 1, "餐費", 0.75)
			Expect(db.SaveReceipt(ctx, second)).To(Succeed())
			Expect(second.ID).To(BeNumerically(">", receipt.ID))
		})

		It("should round-trip every field", func() {
			Expect(db.SaveReceipt(ctx, receipt)).To(Succeed())

			got, err := db.GetReceipt(ctx, receipt.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(receipt.ID))
			Expect(got.InvoiceNumber).To(Equal(receipt.InvoiceNumber))
			Expect(got.Date).To(Equal("2024-12-16"))
			Expect(got.Merchant).To(Equal("星巴克"))
			Expect(got.Amount).To(Equal(int64(126)))
			Expect(got.TaxAmount).To(Equal(int64(6)))
			Expect(got.Category).To(Equal("餐費"))
			Expect(got.AccountCode).To(Equal("5600"))
			Expect(got.Description).To(Equal("AI辨識: 星巴克 (信心度: 0.95)"))
			Expect(got.OCRConfidence).To(Equal(0.95))
			Expect(got.OCRSource).To(Equal("engine"))
			Expect(got.Defaulted).To(Equal([]string{"tax_amount"}))
			Expect(got.PhotoPath).To(Equal("星巴克.jpg"))
			Expect(got.PhotoHash).To(Equal("abc123"))
			Expect(got.ContentType).To(Equal("image/jpeg"))
			Expect(got.CreatedAt).To(BeTemporally("==", receipt.CreatedAt))
			Expect(got.UpdatedAt).To(BeTemporally("==", receipt.UpdatedAt))
		})

		When("the receipt does not exist", func() {
			It("should return ErrNotFound", func() {
				_, err := db.GetReceipt(ctx, 404)
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			})
		})
	})

	Describe("listing", func() {
		var a, b, c *Receipt

		BeforeEach(func() {
			a = sampleReceipt(1, "2024-12-20", "誠品", 471, 21, "辦公用品", 0.9)
			b = sampleReceipt(2, "2024-11-30", "麥當勞", 174, 8, "餐費", 0.8)
			c = sampleReceipt(3, "2024-12-16", "星巴克", 126, 6, "餐費", 0.95)
			saveAll(a, b, c)
		})

		It("should list newest first", func() {
			receipts, err := db.ListReceipts(ctx, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(3))
			Expect(receipts[0].ID).To(Equal(c.ID))
			Expect(receipts[2].ID).To(Equal(a.ID))
		})

		It("should page with limit and offset", func() {
			receipts, err := db.ListReceipts(ctx, 1, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].ID).To(Equal(b.ID))
		})

		It("should list everything without a limit", func() {
			receipts, err := db.ListReceipts(ctx, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(3))
		})

		It("should list a date range oldest first", func() {
			receipts, err := db.ListReceiptsBetween(ctx, "2024-12-01", "2025-01-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(2))
			Expect(receipts[0].Date).To(Equal("2024-12-16"))
			Expect(receipts[1].Date).To(Equal("2024-12-20"))
		})

		It("should count receipts", func() {
			Expect(db.CountReceipts(ctx)).To(Equal(3))
		})

		It("should return an empty list for an empty page", func() {
			receipts, err := db.ListReceipts(ctx, 10, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).NotTo(BeNil())
			Expect(receipts).To(BeEmpty())
		})
	})

	Describe("DeleteReceipt", func() {
		It("should remove the receipt", func() {
			r := sampleReceipt(1, "2024-12-16", "星巴克", 126, 6, "餐費", 0.95)
			saveAll(r)

			Expect(db.DeleteReceipt(ctx, r.ID)).To(Succeed())

			_, err := db.GetReceipt(ctx, r.ID)
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			Expect(db.CountReceipts(ctx)).To(BeZero())
		})

		It("should return ErrNotFound for a missing receipt", func() {
			Expect(errors.Is(db.DeleteReceipt(ctx, 404), ErrNotFound)).To(BeTrue())
		})
	})

	Describe("reports", func() {
		BeforeEach(func() {
			saveAll(
				sampleReceipt(1, "2024-12-16", "星巴克", 126, 6, "餐費", 0.95),
				sampleReceipt(2, "2024-12-16", "全家", 26, 1, "餐費", 0.75),
				sampleReceipt(3, "2024-12-20", "誠品", 471, 21, "辦公用品", 0.9),
				sampleReceipt(4, "2024-11-30", "麥當勞", 174, 8, "餐費", 0.8),
				sampleReceipt(5, "2025-01-01", "來麵屋", 97, 5, "餐費", 0.75),
			)
		})

		Describe("MonthlyReport", func() {
			It("should total the month", func() {
				report, err := db.MonthlyReport(ctx, 2024, 12)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Period).To(Equal("2024-12"))
				Expect(report.TotalAmount).To(Equal(int64(623)))
				Expect(report.TotalTax).To(Equal(int64(28)))
				Expect(report.TotalReceipts).To(Equal(3))
				Expect(report.AvgConfidence).To(Equal(0.87))
			})

			It("should break down by category, largest first", func() {
				report, err := db.MonthlyReport(ctx, 2024, 12)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.ByCategory).To(Equal([]CategoryTotal{
					{Category: "辦公用品", Amount: 471, Count: 1, AvgConfidence: 0.9},
					{Category: "餐費", Amount: 152, Count: 2, AvgConfidence: 0.85},
				}))
			})

			It("should break down by day", func() {
				report, err := db.MonthlyReport(ctx, 2024, 12)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Daily).To(Equal([]DailyTotal{
					{Date: "2024-12-16", Amount: 152, Count: 2},
					{Date: "2024-12-20", Amount: 471, Count: 1},
				}))
			})

			It("should return zeros for an empty month", func() {
				report, err := db.MonthlyReport(ctx, 2024, 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.TotalReceipts).To(BeZero())
				Expect(report.AvgConfidence).To(BeZero())
				Expect(report.ByCategory).To(BeEmpty())
				Expect(report.Daily).To(BeEmpty())
			})

			It("should reject an invalid month", func() {
				_, err := db.MonthlyReport(ctx, 2024, 13)
				Expect(errors.Is(err, ErrInvalidPeriod)).To(BeTrue())
			})
		})

		Describe("YearlySummary", func() {
			It("should total the year by month", func() {
				summary, err := db.YearlySummary(ctx, 2024)
				Expect(err).NotTo(HaveOccurred())
				Expect(summary.Year).To(Equal(2024))
				Expect(summary.TotalExpense).To(Equal(int64(797)))
				Expect(summary.TotalTax).To(Equal(int64(36)))
				Expect(summary.TotalReceipts).To(Equal(4))
				Expect(summary.AverageMonthly).To(Equal(66.42))

				Expect(summary.MonthlyBreakdown).To(HaveLen(12))
				Expect(summary.MonthlyBreakdown[0]).To(Equal(MonthTotal{Month: "2024-01"}))
				Expect(summary.MonthlyBreakdown[10]).To(Equal(MonthTotal{Month: "2024-11", Amount: 174, Tax: 8, Count: 1}))
				Expect(summary.MonthlyBreakdown[11]).To(Equal(MonthTotal{Month: "2024-12", Amount: 623, Tax: 28, Count: 3}))
			})
		})
	})

	Describe("categories", func() {
		var seed []classify.Category

		BeforeEach(func() {
			seed = []classify.Category{
				{Name: "餐費", Keywords: []string{"咖啡", "便當"}, AccountCode: "5600", TaxDeductible: true, RequiresReceipt: true, ApprovalLimit: 1000},
				{Name: "交通費", Keywords: []string{"高鐵"}, AccountCode: "5700", RequiresApproval: true},
			}
		})

		It("should start empty", func() {
			categories, err := db.ListCategories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(categories).To(BeEmpty())
		})

		It("should store categories in seed order", func() {
			added, err := db.SeedCategories(ctx, seed)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(2))

			categories, err := db.ListCategories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(categories).To(Equal(seed))
		})

		It("should only add missing categories, after the existing ones", func() {
			_, err := db.SeedCategories(ctx, seed[1:])
			Expect(err).NotTo(HaveOccurred())

			added, err := db.SeedCategories(ctx, append(seed, classify.Category{Name: "雜費"}))
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(2))

			categories, err := db.ListCategories(ctx)
			Expect(err).NotTo(HaveOccurred())
			names := []string{}
			for _, c := range categories {
				names = append(names, c.Name)
			}
			Expect(names).To(Equal([]string{"交通費", "餐費", "雜費"}))
		})
	})
}

var _ = Describe("BoltDB", func() {
	dbBehaviour(func() DB {
		db, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		return db
	})
})

var _ = Describe("SQLDB", func() {
	Context("sqlite", func() {
		dbBehaviour(func() DB {
			db, err := NewSQLite(filepath.Join(GinkgoT().TempDir(), "test.db"))
			Expect(err).NotTo(HaveOccurred())
			return db
		})

		It("should not rerun migrations when reopened", func() {
			path := filepath.Join(GinkgoT().TempDir(), "reopen.db")
			db, err := NewSQLite(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.SaveReceipt(context.Background(), sampleReceipt(1, "2024-12-16", "星巴克", 126, 6, "餐費", 0.95))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			db, err = NewSQLite(path)
			Expect(err).NotTo(HaveOccurred())
			defer db.Close()
			Expect(db.CountReceipts(context.Background())).To(Equal(1))
		})
	})

	Context("postgres", Ordered, func() {
		var dsn string

		BeforeAll(func() {
			if os.Getenv("RECEIPT_LEDGER_PG_TESTS") != "1" {
				Skip("set RECEIPT_LEDGER_PG_TESTS=1 to run postgres tests")
			}
			ctx := context.Background()
			ctr, err := postgres.Run(ctx, "postgres:16-alpine",
				postgres.WithDatabase("ledger"),
				postgres.WithUsername("ledger"),
				postgres.WithPassword("ledger"),
				postgres.BasicWaitStrategies(),
			)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() {
				Expect(testcontainers.TerminateContainer(ctr)).To(Succeed())
			})

			dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
			Expect(err).NotTo(HaveOccurred())
		})

		dbBehaviour(func() DB {
			db, err := NewPostgres(context.Background(), dsn)
			Expect(err).NotTo(HaveOccurred())
			_, err = db.db.Exec("TRUNCATE receipts, categories RESTART IDENTITY")
			Expect(err).NotTo(HaveOccurred())
			return db
		})
	})
})

var _ = Describe("SQLDB rebind", func() {
	It("should number placeholders for postgres", func() {
		s := &SQLDB{dialect: DialectPostgres}
		Expect(s.rebind("SELECT * FROM t WHERE a = ? AND b < ?")).To(Equal("SELECT * FROM t WHERE a = $1 AND b < $2"))
	})

	It("should leave sqlite queries alone", func() {
		s := &SQLDB{dialect: DialectSQLite}
		Expect(s.rebind("a = ?")).To(Equal("a = ?"))
	})
})

var _ = Describe("OpenDB", func() {
	It("should reject unknown drivers", func() {
		_, err := OpenDB(context.Background(), "mysql", "x")
		Expect(err).To(MatchError(ContainSubstring("unknown database driver")))
	})

	It("should open bolt", func() {
		db, err := OpenDB(context.Background(), DriverBolt, filepath.Join(GinkgoT().TempDir(), "x.db"))
		Expect(err).NotTo(HaveOccurred())
		Expect(db.Close()).To(Succeed())
	})
})
