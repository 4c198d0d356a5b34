package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-ledger/internal/classify"
)

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(resp *http.Response) testEnvelope {
	defer resp.Body.Close()
	var env testEnvelope
	Expect(json.NewDecoder(resp.Body).Decode(&env)).To(Succeed())
	return env
}

func uploadBody(filename, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, scanner, storage, defaultClassifier(),
			&mockIDGenerator{id: "test-id-123"},
			&mockTimeSource{now: time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, Info{Version: "test", Tiers: []string{"vision"}, Database: "sqlite", Storage: "local"}, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		all := regexp.MustCompile(".*")
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, all, server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	get := func(path string) *http.Response {
		resp, err := http.Get(ghttpServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	do := func(method, path string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(filename, contentType string, data []byte) *http.Response {
		body, formType := uploadBody(filename, contentType, data)
		resp, err := http.Post(ghttpServer.URL()+"/api/receipts", formType, body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp := get("/api/receipts")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			env := decodeEnvelope(resp)
			Expect(env.Success).To(BeFalse())
			Expect(env.Error).To(Equal("Unauthorized"))
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave the health check open", func() {
			resp := get("/health")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			env := decodeEnvelope(resp)
			Expect(env.Success).To(BeTrue())

			var health struct {
				Status string `json:"status"`
				Info   Info   `json:"info"`
			}
			Expect(json.Unmarshal(env.Data, &health)).To(Succeed())
			Expect(health.Status).To(Equal("ok"))
			Expect(health.Info.Version).To(Equal("test"))
			Expect(health.Info.Tiers).To(Equal([]string{"vision"}))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/receipts")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})

		It("should set headers on normal responses", func() {
			resp := get("/api/receipts")
			resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("static pages", func() {
		It("should serve the index page", func() {
			resp := get("/")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/html"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Receipt Ledger"))
		})

		It("should serve the script", func() {
			resp := get("/static/app.js")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("application/javascript"))
		})

		It("should not serve unknown paths", func() {
			resp := get("/nope")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/receipts", func() {
		When("an image is uploaded", func() {
			It("should store and return the receipt", func() {
				resp := upload("starbucks.jpg", "image/jpeg", []byte("jpeg bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				env := decodeEnvelope(resp)
				Expect(env.Success).To(BeTrue())

				var receipt Receipt
				Expect(json.Unmarshal(env.Data, &receipt)).To(Succeed())
				Expect(receipt.ID).To(Equal(int64(1)))
				Expect(receipt.InvoiceNumber).To(Equal("AB12345678"))
				Expect(receipt.Date).To(Equal("2024-12-16"))
				Expect(receipt.Amount).To(Equal(int64(126)))
				Expect(receipt.Category).To(Equal("餐費"))
				Expect(receipt.PhotoPath).To(Equal("test-id-123_starbucks.jpg"))
				Expect(storage.files).To(HaveKey("test-id-123_starbucks.jpg"))
			})
		})

		When("the part has no content type", func() {
			It("should infer it from the extension", func() {
				resp := upload("scan.png", "", []byte("png bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				env := decodeEnvelope(resp)

				var receipt Receipt
				Expect(json.Unmarshal(env.Data, &receipt)).To(Succeed())
				Expect(receipt.ContentType).To(Equal("image/png"))
			})
		})

		When("the upload is not an image", func() {
			It("should return Bad Request without scanning", func() {
				resp := upload("receipt.pdf", "application/pdf", []byte("%PDF"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				env := decodeEnvelope(resp)
				Expect(env.Success).To(BeFalse())
				Expect(env.Error).To(ContainSubstring("only images"))
				Expect(scanner.calls).To(BeZero())
			})
		})

		When("the file is empty", func() {
			It("should return Bad Request", func() {
				resp := upload("empty.jpg", "image/jpeg", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("no file is sent", func() {
			It("should return Bad Request", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				Expect(writer.WriteField("note", "x")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", writer.FormDataContentType(), body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeEnvelope(resp).Error).To(ContainSubstring("No file"))
			})
		})

		When("the receipt cannot be saved", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("disk I/O error")
			})

			It("should return Internal Server Error and remove the photo", func() {
				resp := upload("starbucks.jpg", "image/jpeg", []byte("jpeg bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(decodeEnvelope(resp).Success).To(BeFalse())
				Expect(storage.files).To(BeEmpty())
			})
		})
	})

	Describe("GET /api/receipts", func() {
		BeforeEach(func() {
			for i := 0; i < 3; i++ {
				Expect(db.SaveReceipt(context.Background(), &Receipt{Merchant: "店家", Amount: int64(100 + i)})).To(Succeed())
			}
		})

		It("should return receipts newest first", func() {
			resp := get("/api/receipts")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			env := decodeEnvelope(resp)

			var receipts []*Receipt
			Expect(json.Unmarshal(env.Data, &receipts)).To(Succeed())
			Expect(receipts).To(HaveLen(3))
			Expect(receipts[0].ID).To(Equal(int64(3)))
		})

		It("should use the default page size", func() {
			get("/api/receipts").Body.Close()
			Expect(db.listLimit).To(Equal(defaultListLimit))
			Expect(db.listOffset).To(BeZero())
		})

		It("should pass paging through", func() {
			get("/api/receipts?limit=2&offset=1").Body.Close()
			Expect(db.listLimit).To(Equal(2))
			Expect(db.listOffset).To(Equal(1))
		})

		It("should clamp the page size", func() {
			get("/api/receipts?limit=10000&offset=-5").Body.Close()
			Expect(db.listLimit).To(Equal(maxListLimit))
			Expect(db.listOffset).To(BeZero())
		})

		It("should reject a non-numeric limit", func() {
			resp := get("/api/receipts?limit=abc")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("boom")
			})

			It("should return Internal Server Error", func() {
				resp := get("/api/receipts")
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(decodeEnvelope(resp).Error).To(Equal("Internal server error"))
			})
		})
	})

	Describe("single receipt routes", func() {
		BeforeEach(func() {
			Expect(db.SaveReceipt(context.Background(), &Receipt{
				Merchant:    "星巴克",
				Amount:      126,
				PhotoPath:   "photo.jpg",
				ContentType: "image/jpeg",
			})).To(Succeed())
			storage.files["photo.jpg"] = []byte("jpeg bytes")
		})

		Describe("GET /api/receipts/{id}", func() {
			It("should return the receipt", func() {
				resp := get("/api/receipts/1")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var receipt Receipt
				Expect(json.Unmarshal(decodeEnvelope(resp).Data, &receipt)).To(Succeed())
				Expect(receipt.Merchant).To(Equal("星巴克"))
			})

			It("should return Not Found for a missing receipt", func() {
				resp := get("/api/receipts/99")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(decodeEnvelope(resp).Error).To(Equal("Receipt not found"))
			})

			It("should return Bad Request for an invalid id", func() {
				resp := get("/api/receipts/abc")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		Describe("GET /api/receipts/{id}/photo", func() {
			It("should return the photo bytes", func() {
				resp := get("/api/receipts/1/photo")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(body).To(Equal([]byte("jpeg bytes")))
			})

			It("should return Not Found when the photo is gone", func() {
				delete(storage.files, "photo.jpg")
				resp := get("/api/receipts/1/photo")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(decodeEnvelope(resp).Error).To(Equal("File not found"))
			})
		})

		Describe("DELETE /api/receipts/{id}", func() {
			It("should delete the receipt and its photo", func() {
				resp := do(http.MethodDelete, "/api/receipts/1")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(db.receipts).To(BeEmpty())
				Expect(storage.files).To(BeEmpty())
			})

			It("should return Not Found for a missing receipt", func() {
				resp := do(http.MethodDelete, "/api/receipts/99")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("reports", func() {
		BeforeEach(func() {
			Expect(db.SaveReceipt(context.Background(), &Receipt{Date: "2024-12-16", Amount: 126, TaxAmount: 6, Category: "餐費", OCRConfidence: 0.9})).To(Succeed())
			Expect(db.SaveReceipt(context.Background(), &Receipt{Date: "2024-12-20", Amount: 471, TaxAmount: 21, Category: "辦公用品", OCRConfidence: 0.8})).To(Succeed())
		})

		Describe("GET /api/reports/monthly/{year}/{month}", func() {
			It("should return the month's totals", func() {
				resp := get("/api/reports/monthly/2024/12")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var report MonthlyReport
				Expect(json.Unmarshal(decodeEnvelope(resp).Data, &report)).To(Succeed())
				Expect(report.Period).To(Equal("2024-12"))
				Expect(report.TotalAmount).To(Equal(int64(597)))
				Expect(report.TotalReceipts).To(Equal(2))
				Expect(report.ByCategory).To(HaveLen(2))
				Expect(report.ByCategory[0].Category).To(Equal("辦公用品"))
			})

			It("should reject an invalid month", func() {
				resp := get("/api/reports/monthly/2024/13")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeEnvelope(resp).Error).To(ContainSubstring("invalid report period"))
			})

			It("should reject a non-numeric year", func() {
				resp := get("/api/reports/monthly/last/12")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		Describe("GET /api/reports/yearly/{year}", func() {
			It("should return twelve months", func() {
				resp := get("/api/reports/yearly/2024")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var summary YearlySummary
				Expect(json.Unmarshal(decodeEnvelope(resp).Data, &summary)).To(Succeed())
				Expect(summary.TotalExpense).To(Equal(int64(597)))
				Expect(summary.MonthlyBreakdown).To(HaveLen(12))
				Expect(summary.MonthlyBreakdown[11].Count).To(Equal(2))
			})
		})

		Describe("GET /api/export", func() {
			It("should return a workbook", func() {
				resp := get("/api/export?year=2024&month=12")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))
				Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("receipts-2024-12.xlsx"))

				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(body[:2]).To(Equal([]byte("PK")))
			})

			It("should require a year", func() {
				resp := get("/api/export")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should reject an invalid month", func() {
				resp := get("/api/export?year=2024&month=13")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("categories", func() {
		It("should list the active table", func() {
			resp := get("/api/categories")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Version    uint64              `json:"version"`
				CatchAll   string              `json:"catch_all"`
				Categories []classify.Category `json:"categories"`
			}
			Expect(json.Unmarshal(decodeEnvelope(resp).Data, &body)).To(Succeed())
			Expect(body.Version).To(Equal(uint64(1)))
			Expect(body.CatchAll).To(Equal(classify.DefaultCatchAll))
			Expect(body.Categories).To(HaveLen(len(classify.DefaultCategories())))
		})

		It("should reload from the store and bump the version", func() {
			db.categories = []classify.Category{{Name: "交通費", Keywords: []string{"高鐵"}}}

			resp := do(http.MethodPost, "/api/categories/reload")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Version    uint64              `json:"version"`
				Categories []classify.Category `json:"categories"`
			}
			Expect(json.Unmarshal(decodeEnvelope(resp).Data, &body)).To(Succeed())
			Expect(body.Version).To(Equal(uint64(2)))
			Expect(body.Categories).To(HaveLen(2))
			Expect(body.Categories[0].Name).To(Equal("交通費"))
			Expect(body.Categories[1].Name).To(Equal(classify.DefaultCatchAll))
			Expect(service.Categories().Version()).To(Equal(uint64(2)))
		})
	})
})
