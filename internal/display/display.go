package display

import (
	"errors"
	"fmt"
	"image"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrDisplayUnavailable is returned when a surface cannot be created, for
// example when no X server is reachable.
var ErrDisplayUnavailable = errors.New("display unavailable")

// Key is a key code as delivered by a surface. Printable keys use their
// character value.
type Key rune

// NoKey is never delivered by PollKey.
const NoKey Key = 0

// KeyEscape is the escape key.
const KeyEscape Key = 0x1b

// DefaultAddr is the listen address of the mjpeg surface.
const DefaultAddr = "127.0.0.1"

// ParseKey reads a key from configuration. Single characters stand for
// themselves; "space" and "esc"/"escape" are accepted by name.
func ParseKey(s string) (Key, error) {
	switch strings.ToLower(s) {
	case "space", " ":
		return ' ', nil
	case "esc", "escape":
		return KeyEscape, nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return NoKey, fmt.Errorf("invalid key %q: want a single character, space or esc", s)
	}
	return Key(r[0]), nil
}

// String returns the configuration name of the key.
func (k Key) String() string {
	switch k {
	case NoKey:
		return ""
	case ' ':
		return "space"
	case KeyEscape:
		return "esc"
	}
	return string(rune(k))
}

// Surface is a place to show preview images and read key presses from.
// A surface is driven by a single goroutine.
type Surface interface {
	// Show presents img. The image may be reused by the caller after Show
	// returns.
	Show(title string, img *image.RGBA) error

	// PollKey waits up to timeout for a key press. When several keys were
	// pressed since the last call, the most recent one is returned.
	PollKey(timeout time.Duration) (Key, bool)

	// Close releases the surface. It is safe to call more than once and
	// before any Show.
	Close() error
}

// Options configures Open.
type Options struct {
	// Quit is delivered when the user closes the window.
	Quit Key

	// Addr is the interface the mjpeg surface listens on. Empty means
	// 127.0.0.1.
	Addr string

	// Port is the HTTP port of the mjpeg surface.
	Port int

	// JPEGQuality is used by the mjpeg surface. Zero means 80.
	JPEGQuality int
}

// Backends lists the names accepted by Open.
func Backends() []string {
	return []string{"x11", "mjpeg", "none"}
}

// Open creates the surface named by backend.
func Open(backend string, opts Options) (Surface, error) {
	switch strings.ToLower(backend) {
	case "x11", "":
		s, err := NewX11(opts.Quit)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mjpeg", "http", "browser":
		s := NewMJPEG(opts.JPEGQuality)
		if err := s.Listen(listenAddr(opts.Addr, opts.Port)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
		}
		return s, nil
	case "none", "headless":
		return NewHeadless(), nil
	default:
		return nil, fmt.Errorf("unknown display backend %q (available: %s)", backend, strings.Join(Backends(), ", "))
	}
}

// listenAddr joins host and port, defaulting to loopback so the preview and
// its key endpoints stay off the network unless asked for.
func listenAddr(host string, port int) string {
	if host == "" {
		host = DefaultAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
