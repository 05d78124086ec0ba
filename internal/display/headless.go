package display

import (
	"image"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// Headless discards frames. It is used on machines without a display,
// usually with WithKeySource so buttons can still trigger saves.
type Headless struct {
	shown uint64
}

// NewHeadless returns a surface that shows nothing.
func NewHeadless() *Headless {
	return &Headless{}
}

// Show counts the frame.
func (h *Headless) Show(title string, img *image.RGBA) error {
	if h.shown == 0 {
		logger.WithComponent("display").Info().
			Int("width", img.Bounds().Dx()).
			Int("height", img.Bounds().Dy()).
			Msg("Headless preview: first frame received")
	}
	h.shown++
	return nil
}

// PollKey sleeps for timeout; a headless surface has no keyboard.
func (h *Headless) PollKey(timeout time.Duration) (Key, bool) {
	time.Sleep(timeout)
	return NoKey, false
}

// Close is a no-op.
func (h *Headless) Close() error {
	return nil
}

// KeySource delivers key presses from outside a surface, such as GPIO
// buttons.
type KeySource interface {
	Keys() <-chan Key
}

type keyed struct {
	Surface
	src KeySource
}

// WithKeySource returns a surface whose PollKey also reports keys from src.
// A key from src wins over one from the surface in the same poll.
func WithKeySource(s Surface, src KeySource) Surface {
	if src == nil {
		return s
	}
	return &keyed{Surface: s, src: src}
}

func (k *keyed) PollKey(timeout time.Duration) (Key, bool) {
	if key, ok := latest(k.src.Keys()); ok {
		return key, true
	}
	key, ok := k.Surface.PollKey(timeout)
	if ext, extOK := latest(k.src.Keys()); extOK {
		return ext, true
	}
	return key, ok
}

// latest drains ch without blocking and returns the last key read.
func latest(ch <-chan Key) (Key, bool) {
	var (
		last Key
		got  bool
	)
	for {
		select {
		case key, open := <-ch:
			if !open {
				return last, got
			}
			last, got = key, true
		default:
			return last, got
		}
	}
}
