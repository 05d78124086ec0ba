package display

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/BurntSushi/xgb/xproto"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{"space", ' ', false},
		{" ", ' ', false},
		{"SPACE", ' ', false},
		{"q", 'q', false},
		{"Q", 'Q', false},
		{"esc", KeyEscape, false},
		{"", NoKey, true},
		{"qq", NoKey, true},
	}
	for _, tt := range tests {
		got, err := ParseKey(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKey(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyStringRoundTrip(t *testing.T) {
	for _, k := range []Key{' ', 'q', 's', KeyEscape} {
		back, err := ParseKey(k.String())
		if err != nil || back != k {
			t.Errorf("ParseKey(%q) = %q, %v; want %q", k.String(), back, err, k)
		}
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("framebuffer", Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestToZPixmapBGRxWithPadding(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	img.SetRGBA(2, 1, color.RGBA{R: 1, G: 2, B: 3, A: 128})

	data, stride := toZPixmap(img, 3, 4, false)
	if stride != 12 {
		t.Fatalf("stride = %d, want 12 (9 padded to 4)", stride)
	}
	if len(data) != 24 {
		t.Fatalf("len = %d, want 24", len(data))
	}
	if data[0] != 30 || data[1] != 20 || data[2] != 10 {
		t.Errorf("pixel 0 = %v, want BGR 30,20,10", data[0:3])
	}
	off := stride + 2*3
	if data[off] != 3 || data[off+1] != 2 || data[off+2] != 1 {
		t.Errorf("pixel (2,1) = %v, want BGR 3,2,1", data[off:off+3])
	}

	data, stride = toZPixmap(img, 4, 4, false)
	if stride != 12 {
		t.Fatalf("stride = %d, want 12", stride)
	}
	if data[stride+8+3] != 0 {
		t.Errorf("pad byte = %d, want 0 for depth 24", data[stride+8+3])
	}
	data, _ = toZPixmap(img, 4, 4, true)
	if data[stride+8+3] != 128 {
		t.Errorf("alpha = %d, want 128 for depth 32", data[stride+8+3])
	}
}

func TestToZPixmapSubImage(t *testing.T) {
	full := image.NewRGBA(image.Rect(0, 0, 4, 4))
	full.SetRGBA(1, 1, color.RGBA{R: 200, A: 255})
	sub := full.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)

	data, _ := toZPixmap(sub, 4, 4, false)
	if data[2] != 200 {
		t.Errorf("top-left red = %d, want 200", data[2])
	}
}

func TestStripRows(t *testing.T) {
	// 262140 bytes is the usual 65535 word limit
	if got := stripRows(262140, 4096, 768); got != 63 {
		t.Errorf("stripRows = %d, want 63", got)
	}
	if got := stripRows(262140, 400, 10); got != 10 {
		t.Errorf("stripRows = %d, want whole image", got)
	}
	if got := stripRows(100, 400, 10); got != 0 {
		t.Errorf("stripRows = %d, want 0 for oversized row", got)
	}
}

func TestKeysymToKey(t *testing.T) {
	tests := []struct {
		sym  xproto.Keysym
		want Key
		ok   bool
	}{
		{0x20, ' ', true},
		{0x71, 'q', true},
		{0xff1b, KeyEscape, true},
		{0xffe1, NoKey, false}, // Shift_L
	}
	for _, tt := range tests {
		got, ok := keysymToKey(tt.sym)
		if got != tt.want || ok != tt.ok {
			t.Errorf("keysymToKey(%#x) = %q, %v; want %q, %v", tt.sym, got, ok, tt.want, tt.ok)
		}
	}
}

type chanSource chan Key

func (c chanSource) Keys() <-chan Key { return c }

type scriptedSurface struct {
	Headless
	keys []Key
}

func (s *scriptedSurface) PollKey(time.Duration) (Key, bool) {
	if len(s.keys) == 0 {
		return NoKey, false
	}
	k := s.keys[0]
	s.keys = s.keys[1:]
	return k, true
}

func TestWithKeySource(t *testing.T) {
	src := make(chanSource, 4)
	inner := &scriptedSurface{keys: []Key{'x'}}
	s := WithKeySource(inner, src)

	src <- ' '
	src <- 'q'
	if k, ok := s.PollKey(time.Millisecond); !ok || k != 'q' {
		t.Fatalf("PollKey = %q, %v; want most recent source key q", k, ok)
	}
	if k, ok := s.PollKey(time.Millisecond); !ok || k != 'x' {
		t.Fatalf("PollKey = %q, %v; want surface key x", k, ok)
	}
	if _, ok := s.PollKey(time.Millisecond); ok {
		t.Fatal("expected no key")
	}
}

func TestWithKeySourceNil(t *testing.T) {
	h := NewHeadless()
	if s := WithKeySource(h, nil); s != Surface(h) {
		t.Error("nil source should return the surface unchanged")
	}
}

func TestHeadless(t *testing.T) {
	h := NewHeadless()
	if err := h.Show("t", image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if _, ok := h.PollKey(time.Millisecond); ok {
		t.Error("headless surface reported a key")
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestHUDDrawsBottomLeftOnly(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 120))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	h := NewHUD(' ', 'q')
	if got := h.Text(3); got != "SPACE save | q quit | saved 3" {
		t.Errorf("Text = %q", got)
	}
	h.Draw(img, 3)

	if c := img.RGBAAt(310, 5); c != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("top right changed to %v", c)
	}
	c := img.RGBAAt(10, 110)
	if c.R == 255 && c.G == 255 && c.B == 255 {
		t.Errorf("bottom left not darkened: %v", c)
	}
}

func TestListenAddrDefaultsToLoopback(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"", 8080, "127.0.0.1:8080"},
		{"0.0.0.0", 9090, "0.0.0.0:9090"},
		{"::1", 80, "[::1]:80"},
	}
	for _, tt := range tests {
		if got := listenAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("listenAddr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}
