package scanning

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

var errNoText = errors.New("no text recognized")

// Chain tries each OCR tier in order and settles on canned fallback text
// when every tier fails, so Recognize only errors on a cancelled context.
type Chain struct {
	tiers    []Tier
	fallback *Fallback
}

// NewChain creates a chain of tiers ending in fallback. A nil fallback
// uses NewFallback().
func NewChain(fallback *Fallback, tiers ...Tier) *Chain {
	if fallback == nil {
		fallback = NewFallback()
	}
	return &Chain{tiers: tiers, fallback: fallback}
}

// Tiers returns the tier names in the order they are tried.
func (c *Chain) Tiers() []string {
	names := make([]string, 0, len(c.tiers)+1)
	for _, t := range c.tiers {
		names = append(names, t.Name())
	}
	return append(names, c.fallback.Name())
}

// Recognize reads text from the image, falling through tiers on failure.
func (c *Chain) Recognize(ctx context.Context, imageData []byte, contentType string) (*Recognition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pngData, err := prepareImageData(imageData, contentType)
	if err != nil {
		// Nothing can read an image we cannot decode.
		logAcquisitionError(&AcquisitionError{Tier: "decode", Err: err}, contentType, len(imageData))
		return c.recognizeFallback(ctx)
	}

	for _, tier := range c.tiers {
		rec, err := tier.Recognize(ctx, pngData)
		if err == nil && strings.TrimSpace(rec.Text) == "" {
			err = errNoText
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logAcquisitionError(&AcquisitionError{Tier: tier.Name(), Err: err}, contentType, len(imageData))
			continue
		}

		rec.Text = Normalize(rec.Text)
		rec.Tier = tier.Name()
		slog.Info("Recognized receipt text", "tier", rec.Tier, "source", rec.Source, "confidence", rec.Confidence, "chars", len(rec.Text))
		return rec, nil
	}

	return c.recognizeFallback(ctx)
}

func (c *Chain) recognizeFallback(ctx context.Context) (*Recognition, error) {
	rec, _ := c.fallback.Recognize(ctx, nil)
	slog.Warn("Using fallback receipt text", "confidence", rec.Confidence)
	return rec, nil
}

func logAcquisitionError(err *AcquisitionError, contentType string, size int) {
	slog.Warn("OCR tier failed",
		"tier", err.Tier,
		"content_type", contentType,
		"file_size", size,
		"error", err.Err,
	)
}

// Close closes every tier and returns the first error.
func (c *Chain) Close() error {
	var first error
	for _, t := range c.tiers {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
