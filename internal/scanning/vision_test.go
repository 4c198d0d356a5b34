package scanning

import (
	"context"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("CloudVision", func() {
	var (
		server *ghttp.Server
		cv     *CloudVision
		rec    *Recognition
		err    error
	)

	annotated := map[string]any{
		"responses": []any{
			map[string]any{
				"textAnnotations": []any{
					map[string]any{"description": "電子發票 AB12345678\n星巴克\n總計: 126"},
					map[string]any{"description": "電子發票"},
				},
			},
		},
	}

	BeforeEach(func() {
		server = ghttp.NewServer()
		var newErr error
		cv, newErr = NewCloudVision(context.Background(), VisionConfig{
			APIKey:            "test-key",
			Endpoint:          server.URL() + "/",
			RetryDelay:        time.Millisecond,
			RequestsPerSecond: 1000,
		})
		Expect(newErr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		rec, err = cv.Recognize(context.Background(), testPNG())
	})

	When("the API returns text", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/v1/images:annotate"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, annotated),
			))
		})

		It("should return the full text annotation", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Text).To(Equal("電子發票 AB12345678\n星巴克\n總計: 126"))
		})

		It("should report a fixed cloud confidence", func() {
			Expect(rec.Confidence).To(Equal(VisionConfidence))
			Expect(rec.Source).To(Equal(SourceCloud))
		})
	})

	When("the API is briefly unavailable", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusServiceUnavailable, `{"error":{"code":503,"message":"backend error"}}`),
				ghttp.RespondWithJSONEncoded(http.StatusOK, annotated),
			)
		})

		It("should retry", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(server.ReceivedRequests()).To(HaveLen(2))
		})
	})

	When("the API rejects the request", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid"}}`),
			)
		})

		It("should fail without retrying", func() {
			Expect(err).To(HaveOccurred())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the API finds no text", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"responses": []any{map[string]any{}},
			}))
		})

		It("should fail so the next tier is tried", func() {
			Expect(err).To(MatchError(errNoText))
		})
	})
})

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		ol     *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		ol, _ = NewOllama(server.URL(), "qwen2.5vl")
	})

	AfterEach(func() {
		server.Close()
	})

	It("should return the transcription without code fences", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/api/chat"),
			ghttp.VerifyContentType("application/json"),
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"message": map[string]any{"role": "assistant", "content": "```text\n全家\n總計: 26\n```"},
				"done":    true,
			}),
		))

		rec, err := ol.Recognize(context.Background(), testPNG())
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Text).To(Equal("全家\n總計: 26"))
		Expect(rec.Confidence).To(Equal(OllamaConfidence))
	})

	It("should return an error on a non-200 response", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not found"))

		_, err := ol.Recognize(context.Background(), testPNG())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("model not found"))
	})
})
