package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"reflect"
)

// ErrNotImage is returned when a handle does not reference an image.
var ErrNotImage = errors.New("object is not an image")

// ImageEncoder turns a host object into encoded image bytes. It runs on the
// owner goroutine.
type ImageEncoder interface {
	Encode(v any) ([]byte, error)
	ContentType() string
}

// PNGEncoder encodes image.Image values as PNG.
type PNGEncoder struct{}

func (PNGEncoder) ContentType() string { return "image/png" }

func (PNGEncoder) Encode(v any) ([]byte, error) {
	img, ok := v.(image.Image)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, reflect.TypeOf(v))
	}
	if img.Bounds().Empty() {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
