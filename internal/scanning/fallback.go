package scanning

import (
	"context"
	"math/rand/v2"
)

// FallbackConfidence is reported for canned text.
const FallbackConfidence = 0.75

var sampleReceipts = []string{
	"統一發票\nPA50921578\n114年06月14日\n來麵屋\n統編: 12345678\n品項: 拉麵\n數量: 1\n單價: 97\n營業稅: 5\n總計: 97",
	"電子發票\nAB12345678\n113年12月16日\n星巴克咖啡\n統編: 28555485\n品項: 美式咖啡大杯\n數量: 1\n單價: 120\n營業稅: 6\n總計: 126",
	"發票\nCD87654321\n113/12/16\n全家便利商店\n統編: 22099131\n商品: 茶葉蛋\n數量: 2\n金額: 26\n含稅總計: 26",
	"統一發票\nEF11223344\n2024年12月16日\n麥當勞\n統編: 12345678\n大麥克套餐: 149\n可樂: 25\n總計: 174",
	"電子發票\nGH55667788\n113年12月16日\n誠品書店\n統編: 87654321\n商品: Python程式設計\n單價: 450\n營業稅: 21\n總計: 471",
}

// Fallback returns one of a fixed set of sample receipts. It keeps the
// pipeline usable when no OCR backend is reachable and never fails.
type Fallback struct {
	pick func(n int) int
}

// NewFallback creates a Fallback that picks samples at random.
func NewFallback() *Fallback {
	return &Fallback{pick: rand.IntN}
}

// NewFallbackWithPicker creates a Fallback with a custom sample picker for testing
func NewFallbackWithPicker(pick func(n int) int) *Fallback {
	return &Fallback{pick: pick}
}

// Samples returns the canned receipt texts.
func Samples() []string {
	return append([]string(nil), sampleReceipts...)
}

func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) Recognize(ctx context.Context, pngData []byte) (*Recognition, error) {
	i := f.pick(len(sampleReceipts))
	if i < 0 || i >= len(sampleReceipts) {
		i = 0
	}
	return &Recognition{
		Text:       sampleReceipts[i],
		Confidence: FallbackConfidence,
		Source:     SourceFallback,
		Tier:       f.Name(),
	}, nil
}

func (f *Fallback) Close() error { return nil }
