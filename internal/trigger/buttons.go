// Package trigger turns GPIO push buttons into key presses for the
// capture loop.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/display"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// DefaultPollInterval is how often pins are sampled.
const DefaultPollInterval = 5 * time.Millisecond

type button struct {
	pin   int
	key   display.Key
	high  bool      // last sampled level
	since time.Time // when the level last changed
	fired bool      // press already reported for the current low period
}

// Buttons watches active-low buttons and reports a key once per press.
// A press counts after the pin has stayed low for the debounce time.
type Buttons struct {
	reader   PinReader
	buttons  []*button
	debounce time.Duration
	interval time.Duration
	keys     chan display.Key

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewButtons sets up one input per entry of pins, which maps BCM pin
// numbers to the key each button sends. Pin 0 entries are ignored.
func NewButtons(reader PinReader, pins map[int]display.Key, debounce time.Duration) (*Buttons, error) {
	b := &Buttons{
		reader:   reader,
		debounce: debounce,
		interval: DefaultPollInterval,
		keys:     make(chan display.Key, 8),
	}

	ordered := make([]int, 0, len(pins))
	for pin := range pins {
		if pin > 0 {
			ordered = append(ordered, pin)
		}
	}
	sort.Ints(ordered)

	for _, pin := range ordered {
		if err := reader.SetupInput(pin); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", pin, err)
		}
		b.buttons = append(b.buttons, &button{pin: pin, key: pins[pin], high: true})
		logger.WithComponent("gpio").Info().
			Int("pin", pin).
			Str("key", pins[pin].String()).
			Msg("Button configured")
	}
	return b, nil
}

// Keys returns the channel presses are delivered on.
func (b *Buttons) Keys() <-chan display.Key {
	return b.keys
}

// Start samples the pins until ctx is done or Stop is called.
func (b *Buttons) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.sample(now)
			}
		}
	}()
}

// sample reads every pin once and emits keys for completed presses.
func (b *Buttons) sample(now time.Time) {
	for _, btn := range b.buttons {
		high, err := b.reader.Read(btn.pin)
		if err != nil {
			logger.WithComponent("gpio").Debug().Err(err).Int("pin", btn.pin).Msg("Pin read failed")
			continue
		}
		if high != btn.high {
			btn.high = high
			btn.since = now
			if high {
				btn.fired = false
			}
		}
		if !btn.high && !btn.fired && now.Sub(btn.since) >= b.debounce {
			btn.fired = true
			b.emit(btn.key)
		}
	}
}

func (b *Buttons) emit(k display.Key) {
	select {
	case b.keys <- k:
		logger.WithComponent("gpio").Debug().Str("key", k.String()).Msg("Button pressed")
	default:
		logger.WithComponent("gpio").Warn().Str("key", k.String()).Msg("Key queue full, dropping button press")
	}
}

// Stop ends sampling and closes the pin reader.
func (b *Buttons) Stop() error {
	var err error
	b.once.Do(func() {
		if b.cancel != nil {
			b.cancel()
			<-b.done
		}
		err = b.reader.Close()
	})
	return err
}
