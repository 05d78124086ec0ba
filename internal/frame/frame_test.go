package frame

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestBGRFrameSwapsChannels(t *testing.T) {
	// one blue pixel, one red pixel in BGR order
	f := New(2, 1, FormatBGR24, []byte{255, 0, 0, 0, 0, 255})

	img, err := f.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		t.Fatalf("got %T, want *image.RGBA", img)
	}
	if got := rgba.RGBAAt(0, 0); got != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("pixel 0 = %v, want blue", got)
	}
	if got := rgba.RGBAAt(1, 0); got != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("pixel 1 = %v, want red", got)
	}
}

func TestRGBFrameKeepsChannels(t *testing.T) {
	f := New(1, 1, FormatRGB24, []byte{10, 20, 30})
	img, err := f.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if got := img.(*image.RGBA).RGBAAt(0, 0); got != (color.RGBA{10, 20, 30, 255}) {
		t.Errorf("pixel = %v", got)
	}
}

func TestRGBFrameHonoursStride(t *testing.T) {
	// 1x2 image with 2 padding bytes per row
	f := &Frame{Width: 1, Height: 2, Stride: 5, Format: FormatRGB24,
		Pix: []byte{1, 2, 3, 0, 0, 4, 5, 6}}
	img, err := f.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if got := img.(*image.RGBA).RGBAAt(0, 1); got != (color.RGBA{4, 5, 6, 255}) {
		t.Errorf("row 1 pixel = %v", got)
	}
}

func TestYUYVGrey(t *testing.T) {
	// Y=128 with neutral chroma decodes to mid grey
	pix := []byte{128, 128, 128, 128}
	f := New(2, 1, FormatYUYV, pix)
	img, err := f.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if _, ok := img.(*image.YCbCr); !ok {
		t.Fatalf("got %T, want *image.YCbCr", img)
	}
	r, g, b, _ := ToRGBA(img).RGBAAt(1, 0).RGBA()
	if r>>8 != 128 || g>>8 != 128 || b>>8 != 128 {
		t.Errorf("rgb = %d,%d,%d, want 128 grey", r>>8, g>>8, b>>8)
	}
}

func TestShortFrameRejected(t *testing.T) {
	f := &Frame{Width: 4, Height: 4, Format: FormatRGB24, Pix: make([]byte, 10)}
	if _, err := f.Image(); !errors.Is(err, ErrShortFrame) {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
}

func TestMJPEGRoundTripDecodes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 8))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatal(err)
	}
	f := &Frame{Width: 16, Height: 8, Format: FormatMJPEG, Pix: buf.Bytes()}
	img, err := f.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Errorf("bounds = %v", b)
	}
}

func TestToRGBADoesNotAlias(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	dst := ToRGBA(src)
	dst.Pix[0] = 99
	if src.Pix[0] == 99 {
		t.Error("ToRGBA aliased the source buffer")
	}
}

func TestFitSize(t *testing.T) {
	cases := []struct {
		w, h, max   int
		wantW, wantH int
	}{
		{1456, 1092, 1024, 1024, 768},
		{640, 480, 1024, 640, 480},
		{1024, 1024, 1024, 1024, 1024},
		{480, 2000, 1000, 240, 1000},
		{3000, 2, 1000, 1000, 1},
		{4000, 3000, 0, 4000, 3000},
	}
	for _, tc := range cases {
		w, h := FitSize(tc.w, tc.h, tc.max)
		if w != tc.wantW || h != tc.wantH {
			t.Errorf("FitSize(%d,%d,%d) = %dx%d, want %dx%d",
				tc.w, tc.h, tc.max, w, h, tc.wantW, tc.wantH)
		}
	}
}

func TestDownscaleOnlyWhenOverCap(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 1456, 1092))
	small := Downscale(big, 1024)
	if small.Bounds().Dx() != 1024 {
		t.Errorf("display width = %d, want 1024", small.Bounds().Dx())
	}
	if big.Bounds().Dx() != 1456 {
		t.Errorf("source width changed to %d", big.Bounds().Dx())
	}

	fits := image.NewRGBA(image.Rect(0, 0, 640, 480))
	if Downscale(fits, 1024) != fits {
		t.Error("image within the cap should be returned as-is")
	}
}

func TestEncodeJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, img, 85); err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(&buf)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 8 || cfg.Height != 8 {
		t.Errorf("decoded %dx%d", cfg.Width, cfg.Height)
	}
}

func TestPixelFormatString(t *testing.T) {
	if FormatYUYV.String() != "YUYV" || FormatUnknown.String() != "unknown" {
		t.Error("unexpected PixelFormat names")
	}
}
