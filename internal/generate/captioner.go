// Package generate provides the opaque inference capability: turning an
// image plus a context hint into two candidate alt texts.
package generate

import (
	"bytes"
	"context"
	"errors"

	"github.com/disintegration/imaging"
)

// ErrResourceExhausted marks an inference failure caused by accelerator or
// quota exhaustion. It is terminal for the task regardless of remaining
// retry budget.
var ErrResourceExhausted = errors.New("inference resource exhausted")

// Captioner produces two distinct candidate alt texts for an image. The
// context text is a supporting hint, not a template.
type Captioner interface {
	Captions(ctx context.Context, image []byte, contentType, contextText string) (string, string, error)
}

// maxImageSide bounds the longest image side sent to the model. Larger
// inputs are downscaled first.
const maxImageSide = 896

// downscale re-encodes images whose longest side exceeds maxImageSide.
// Undecodable inputs pass through untouched and fail later at the model.
func downscale(image []byte) ([]byte, string) {
	img, err := imaging.Decode(bytes.NewReader(image))
	if err != nil {
		return image, ""
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageSide && bounds.Dy() <= maxImageSide {
		return image, ""
	}
	img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return image, ""
	}
	return buf.Bytes(), "image/jpeg"
}
