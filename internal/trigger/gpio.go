package trigger

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// PinReader reads button inputs. Pins use BCM numbering.
type PinReader interface {
	// SetupInput configures pin as an input with the pull-up enabled.
	SetupInput(pin int) error

	// Read reports whether pin is high.
	Read(pin int) (bool, error)

	Close() error
}

// RPiReader reads pins through /dev/gpiomem with go-rpio.
type RPiReader struct {
	pins map[int]rpio.Pin
}

// NewRPiReader maps the GPIO registers. It fails on anything but a
// Raspberry Pi or without access to /dev/gpiomem.
func NewRPiReader() (*RPiReader, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	logger.WithComponent("gpio").Debug().Msg("GPIO memory mapped")
	return &RPiReader{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiReader) SetupInput(pin int) error {
	p := rpio.Pin(pin)
	p.Input()
	p.PullUp()
	r.pins[pin] = p
	return nil
}

func (r *RPiReader) Read(pin int) (bool, error) {
	p, ok := r.pins[pin]
	if !ok {
		return false, fmt.Errorf("pin %d not set up", pin)
	}
	return p.Read() == rpio.High, nil
}

// Close releases the pull-ups and unmaps the registers.
func (r *RPiReader) Close() error {
	for _, p := range r.pins {
		p.PullOff()
	}
	return rpio.Close()
}

// MockReader holds pin levels in memory. Unset pins read high, like an
// idle pulled-up button.
type MockReader struct {
	mu     sync.Mutex
	levels map[int]bool
	setup  map[int]bool
	closed bool
}

// NewMockReader returns a reader with every pin high.
func NewMockReader() *MockReader {
	return &MockReader{levels: make(map[int]bool), setup: make(map[int]bool)}
}

func (m *MockReader) SetupInput(pin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setup[pin] = true
	return nil
}

func (m *MockReader) Read(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.setup[pin] {
		return false, fmt.Errorf("pin %d not set up", pin)
	}
	level, ok := m.levels[pin]
	if !ok {
		return true, nil
	}
	return level, nil
}

// Set drives pin to level; false means the button is pressed.
func (m *MockReader) Set(pin int, high bool) {
	m.mu.Lock()
	m.levels[pin] = high
	m.mu.Unlock()
}

func (m *MockReader) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
