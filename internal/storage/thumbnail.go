package storage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// ThumbnailMaxSize bounds the longer side of a chat image preview.
	ThumbnailMaxSize = 320
	// WebPQuality is the lossy quality used for previews.
	WebPQuality = 70
	// maxSourcePixels rejects images whose decoded form would be huge
	// relative to the upload size.
	maxSourcePixels = 40_000_000
)

// ErrImageTooLarge is returned for images above maxSourcePixels.
var ErrImageTooLarge = errors.New("image dimensions too large for a preview")

// Thumbnail renders content as a WebP preview that fits within
// ThumbnailMaxSize square, preserving aspect ratio. Smaller images keep
// their size and are only re-encoded.
func Thumbnail(content []byte) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	if cfg.Width*cfg.Height > maxSourcePixels {
		return nil, fmt.Errorf("%w: %dx%d %s", ErrImageTooLarge, cfg.Width, cfg.Height, format)
	}

	src, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	var out bytes.Buffer
	if err := webp.Encode(&out, fit(src, ThumbnailMaxSize), &webp.Options{Quality: WebPQuality}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return out.Bytes(), nil
}

// fit scales src down so neither side exceeds bound.
func fit(src image.Image, bound int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= bound && h <= bound {
		return src
	}

	var dw, dh int
	if w >= h {
		dw, dh = bound, max(h*bound/w, 1)
	} else {
		dw, dh = max(w*bound/h, 1), bound
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}
