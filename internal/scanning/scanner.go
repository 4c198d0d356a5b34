package scanning

import (
	"context"
	"fmt"
)

// Source identifies which kind of backend produced a recognition
type Source string

const (
	SourceEngine   Source = "engine"
	SourceCloud    Source = "cloud"
	SourceFallback Source = "fallback"
)

// Recognition is the raw text read from a receipt image
type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0..1
	Source     Source  `json:"source"`
	Tier       string  `json:"tier"`
}

// Scanner turns an uploaded image into text
type Scanner interface {
	// Recognize reads the text on a receipt image
	Recognize(ctx context.Context, imageData []byte, contentType string) (*Recognition, error)
	// Close closes the scanner and releases resources
	Close() error
}

// Tier is a single OCR backend. Tiers receive PNG data.
type Tier interface {
	Name() string
	Recognize(ctx context.Context, pngData []byte) (*Recognition, error)
	Close() error
}

// AcquisitionError reports that one tier could not produce text.
type AcquisitionError struct {
	Tier string
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tier, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
