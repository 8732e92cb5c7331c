// Package imagex has the image plumbing that sits around inference: validation,
// resizing to a fixed frame size, channel order conversion and JPEG coding.
package imagex

import (
	"errors"
	"fmt"

	"github.com/bmharper/cimg/v2"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Validate returns an error wrapping ErrMalformedFrame unless img is a non-empty RGB or BGR image
// whose pixel buffer is large enough for its dimensions.
func Validate(img *cimg.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrMalformedFrame)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: size %vx%v", ErrMalformedFrame, img.Width, img.Height)
	}
	if img.Format != cimg.PixelFormatRGB && img.Format != cimg.PixelFormatBGR {
		return fmt.Errorf("%w: pixel format must be RGB or BGR", ErrMalformedFrame)
	}
	if img.Stride < img.Width*3 || len(img.Pixels) < img.Stride*(img.Height-1)+img.Width*3 {
		return fmt.Errorf("%w: pixel buffer too small for %vx%v", ErrMalformedFrame, img.Width, img.Height)
	}
	return nil
}

// ResizeExact returns a new image of exactly width x height, ignoring aspect ratio.
// The pixel format of img is preserved, and img is never modified.
func ResizeExact(img *cimg.Image, width, height int) *cimg.Image {
	if img.Width == width && img.Height == height {
		return img.Clone()
	}
	params := cimg.ResizeParams{CheapSRGBFilter: true}
	if width < img.Width || height < img.Height {
		// We use box filter for downsampling, in case we have a massive ratio
		params.Filter = cimg.ResizeFilterBox
	} else {
		// Triangle is bilinear on upsampling
		params.Filter = cimg.ResizeFilterTriangle
	}
	dst := cimg.NewImage(width, height, img.Format)
	cimg.Resize(img, dst, &params)
	return dst
}

// ToRGB returns a copy of img in RGB channel order
func ToRGB(img *cimg.Image) *cimg.Image {
	dst := img.Clone()
	if img.Format == cimg.PixelFormatBGR {
		swapRB(dst)
		dst.Format = cimg.PixelFormatRGB
	}
	return dst
}

// ToBGR returns a copy of img in BGR channel order
func ToBGR(img *cimg.Image) *cimg.Image {
	dst := img.Clone()
	if img.Format == cimg.PixelFormatRGB {
		swapRB(dst)
		dst.Format = cimg.PixelFormatBGR
	}
	return dst
}

// cimg has no in-place channel swap, so we swap the first and third channel of a 3 channel image here
func swapRB(img *cimg.Image) {
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride : y*img.Stride+img.Width*3]
		for x := 0; x < len(row); x += 3 {
			row[x], row[x+2] = row[x+2], row[x]
		}
	}
}

// FromRaw copies a tightly packed 24-bit frame into a new image
func FromRaw(width, height int, format cimg.PixelFormat, pixels []byte) (*cimg.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: size %vx%v", ErrMalformedFrame, width, height)
	}
	if len(pixels) != width*height*3 {
		return nil, fmt.Errorf("%w: expected %v bytes for %vx%v, but got %v", ErrMalformedFrame, width*height*3, width, height, len(pixels))
	}
	img := cimg.NewImage(width, height, format)
	copy(img.Pixels, pixels)
	return img, nil
}

// EncodeJPEG compresses a 3 channel image
func EncodeJPEG(img *cimg.Image, quality int) ([]byte, error) {
	if img.Format == cimg.PixelFormatBGR {
		img = ToRGB(img)
	}
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}

// DecodeJPEG decompresses a JPEG into a 3 channel image
func DecodeJPEG(b []byte) (*cimg.Image, error) {
	img, err := cimg.Decompress(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	if err := Validate(img); err != nil {
		return nil, err
	}
	return img, nil
}
