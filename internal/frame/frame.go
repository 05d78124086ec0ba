// Package frame holds the raster type produced by camera backends and the
// conversions the capture loop needs: native decode for saving, RGBA for
// display surfaces, display-only downscaling and JPEG encoding.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"time"

	"golang.org/x/image/draw"
)

// PixelFormat describes the byte layout of Frame.Pix.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	FormatRGB24               // R,G,B interleaved
	FormatBGR24               // B,G,R interleaved
	FormatRGBA                // R,G,B,A interleaved
	FormatYUYV                // packed YUV 4:2:2 (Y0 U Y1 V)
	FormatMJPEG               // one complete JPEG image per frame
)

func (p PixelFormat) String() string {
	switch p {
	case FormatRGB24:
		return "RGB24"
	case FormatBGR24:
		return "BGR24"
	case FormatRGBA:
		return "RGBA"
	case FormatYUYV:
		return "YUYV"
	case FormatMJPEG:
		return "MJPEG"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the packed size of one pixel, or 0 for
// compressed formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case FormatRGB24, FormatBGR24:
		return 3
	case FormatRGBA:
		return 4
	case FormatYUYV:
		return 2
	default:
		return 0
	}
}

// ErrShortFrame is returned when Pix holds fewer bytes than the geometry needs.
var ErrShortFrame = errors.New("frame buffer shorter than its geometry")

// Frame is a single raster read from a camera. It is owned by whoever
// called Read and is not retained by the device.
type Frame struct {
	Width    int
	Height   int
	Stride   int // bytes per row; 0 means tightly packed
	Format   PixelFormat
	Pix      []byte
	Captured time.Time
	Seq      uint64
}

// New builds a tightly packed frame, copying pix.
func New(width, height int, format PixelFormat, pix []byte) *Frame {
	buf := make([]byte, len(pix))
	copy(buf, pix)
	return &Frame{
		Width:    width,
		Height:   height,
		Format:   format,
		Pix:      buf,
		Captured: time.Now(),
	}
}

// FromImage wraps an RGBA image as a frame without copying.
func FromImage(img *image.RGBA) *Frame {
	b := img.Bounds()
	return &Frame{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Stride:   img.Stride,
		Format:   FormatRGBA,
		Pix:      img.Pix,
		Captured: time.Now(),
	}
}

func (f *Frame) stride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * f.Format.BytesPerPixel()
}

func (f *Frame) checkSize() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if f.Format == FormatMJPEG {
		if len(f.Pix) == 0 {
			return ErrShortFrame
		}
		return nil
	}
	need := f.stride()*(f.Height-1) + f.Width*f.Format.BytesPerPixel()
	if len(f.Pix) < need {
		return fmt.Errorf("%w: have %d bytes, need %d for %dx%d %s",
			ErrShortFrame, len(f.Pix), need, f.Width, f.Height, f.Format)
	}
	return nil
}

// Image decodes the frame at native resolution. YUYV frames come back as
// *image.YCbCr and MJPEG as whatever image/jpeg produces; packed RGB
// variants become *image.RGBA.
func (f *Frame) Image() (image.Image, error) {
	if err := f.checkSize(); err != nil {
		return nil, err
	}
	switch f.Format {
	case FormatRGBA:
		return &image.RGBA{
			Pix:    f.Pix,
			Stride: f.stride(),
			Rect:   image.Rect(0, 0, f.Width, f.Height),
		}, nil
	case FormatRGB24:
		return f.packedToRGBA(0, 1, 2), nil
	case FormatBGR24:
		return f.packedToRGBA(2, 1, 0), nil
	case FormatYUYV:
		return f.yuyvToYCbCr(), nil
	case FormatMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(withHuffmanTables(f.Pix)))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", f.Format)
	}
}

// packedToRGBA reorders 3-byte pixels into RGBA using the given source
// offsets for R, G and B.
func (f *Frame) packedToRGBA(r, g, b int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	stride := f.stride()
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*stride : y*stride+f.Width*3]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			s := src[x*3 : x*3+3]
			d := dst[x*4 : x*4+4]
			d[0] = s[r]
			d[1] = s[g]
			d[2] = s[b]
			d[3] = 0xff
		}
	}
	return img
}

func (f *Frame) yuyvToYCbCr() *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio422)
	stride := f.stride()
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*stride:]
		for x := 0; x+1 < f.Width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			c := y*img.CStride + x/2
			img.Cb[c] = row[i+1]
			img.Cr[c] = row[i+3]
		}
		if f.Width%2 == 1 {
			x := f.Width - 1
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			c := y*img.CStride + x/2
			img.Cb[c] = row[i+1]
			img.Cr[c] = 128
		}
	}
	return img
}

// ToRGBA returns a freshly allocated RGBA copy of img. Display code draws
// on the result, so it never aliases the source pixels.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// FitSize returns the proportionally scaled size whose largest dimension
// is at most maxDim. Sizes already within the cap are returned unchanged,
// as is everything when maxDim <= 0.
func FitSize(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	if width >= height {
		h := (height*maxDim + width/2) / width
		if h < 1 {
			h = 1
		}
		return maxDim, h
	}
	w := (width*maxDim + height/2) / height
	if w < 1 {
		w = 1
	}
	return w, maxDim
}

// Downscale returns a scaled copy of img when its largest dimension
// exceeds maxDim, otherwise img itself.
func Downscale(img *image.RGBA, maxDim int) *image.RGBA {
	b := img.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), maxDim)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG writes img as a baseline JPEG. Quality outside 1..100 uses
// the image/jpeg default.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	var opts *jpeg.Options
	if quality >= 1 && quality <= 100 {
		opts = &jpeg.Options{Quality: quality}
	}
	return jpeg.Encode(w, img, opts)
}
