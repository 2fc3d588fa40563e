package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"
)

// Frame size limits accepted by the engine.
const (
	MinFrameSide  = 480
	MaxFrameLong  = 1280
	MaxFrameShort = 720
)

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// decodeImage decodes any supported still image format
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	if mimeType == "application/pdf" {
		return pdfToImage(imageData)
	}

	// Check for HEIC/HEIF format (common on iPhones) - Go's standard image package doesn't support it
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box at offset 4 with a HEIC-related brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// fitSize scales (w, h) so the long side is at least MinFrameSide and the
// frame fits in MaxFrameLong x MaxFrameShort, keeping the aspect ratio.
func fitSize(w, h int) (int, int) {
	long, short := w, h
	if h > w {
		long, short = h, w
	}
	scale := 1.0
	if long < MinFrameSide {
		scale = float64(MinFrameSide) / float64(long)
	}
	scale = min(scale, float64(MaxFrameLong)/float64(long), float64(MaxFrameShort)/float64(short))
	nw, nh := int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// LoadFrame decodes an encoded still (JPEG, PNG, GIF, HEIC, PDF) into an
// upright GRAY8 frame sized for the engine.
func LoadFrame(imageData []byte, contentType string) (*Frame, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	img, err := decodeImage(imageData, mimeType)
	if err != nil {
		return nil, NewError(CodeInvalidArgument, "load frame", err)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, NewError(CodeInvalidArgument, "load frame", fmt.Errorf("empty image"))
	}
	w, h := fitSize(b.Dx(), b.Dy())

	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, b, draw.Src, nil)

	return FrameFromGray(gray), nil
}
