package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/heic"
)

// decodeImage decodes JPEG, PNG, GIF and HEIC/HEIF images
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	// Go's image package has no HEIC support; iPhones upload HEIC by default
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format, supported formats are JPEG, PNG, GIF, HEIC and HEIF: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImageData decodes the upload once and returns it as PNG, the only
// format handed to OCR tiers. PNG input that decodes cleanly is passed
// through untouched.
func prepareImageData(imageData []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	img, err := decodeImage(imageData, mimeType)
	if err != nil {
		return nil, err
	}
	if mimeType == "image/png" && !isHEICFormat(imageData) {
		return imageData, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
