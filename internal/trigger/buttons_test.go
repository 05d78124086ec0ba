package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/display"
)

func newTestButtons(t *testing.T, debounce time.Duration) (*Buttons, *MockReader) {
	t.Helper()
	r := NewMockReader()
	b, err := NewButtons(r, map[int]display.Key{17: ' ', 27: 'q', 0: 'x'}, debounce)
	if err != nil {
		t.Fatalf("NewButtons: %v", err)
	}
	return b, r
}

func drain(b *Buttons) []display.Key {
	var keys []display.Key
	for {
		select {
		case k := <-b.Keys():
			keys = append(keys, k)
		default:
			return keys
		}
	}
}

func TestPinZeroIgnored(t *testing.T) {
	b, r := newTestButtons(t, 0)
	if len(b.buttons) != 2 {
		t.Fatalf("configured %d buttons, want 2", len(b.buttons))
	}
	if r.setup[0] {
		t.Error("pin 0 was set up")
	}
}

func TestPressEmitsOnce(t *testing.T) {
	b, r := newTestButtons(t, 20*time.Millisecond)
	t0 := time.Unix(0, 0)

	r.Set(17, false)
	b.sample(t0)
	if keys := drain(b); len(keys) != 0 {
		t.Fatalf("emitted %v before debounce elapsed", keys)
	}

	b.sample(t0.Add(25 * time.Millisecond))
	b.sample(t0.Add(50 * time.Millisecond))
	keys := drain(b)
	if len(keys) != 1 || keys[0] != ' ' {
		t.Fatalf("keys = %v, want one space", keys)
	}

	r.Set(17, true)
	b.sample(t0.Add(60 * time.Millisecond))
	r.Set(17, false)
	b.sample(t0.Add(70 * time.Millisecond))
	b.sample(t0.Add(95 * time.Millisecond))
	if keys := drain(b); len(keys) != 1 {
		t.Fatalf("second press keys = %v", keys)
	}
}

func TestBounceIsFiltered(t *testing.T) {
	b, r := newTestButtons(t, 20*time.Millisecond)
	t0 := time.Unix(0, 0)

	for i := 0; i < 5; i++ {
		r.Set(27, i%2 == 1)
		b.sample(t0.Add(time.Duration(i*5) * time.Millisecond))
	}
	if keys := drain(b); len(keys) != 0 {
		t.Fatalf("bouncing contact emitted %v", keys)
	}
}

func TestStartAndStop(t *testing.T) {
	b, r := newTestButtons(t, 0)
	b.Start(context.Background())

	r.Set(27, false)
	select {
	case k := <-b.Keys():
		if k != 'q' {
			t.Errorf("key = %q, want q", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no key within 2s")
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if !r.closed {
		t.Error("reader not closed")
	}
}

func TestButtonsAsKeySource(t *testing.T) {
	b, r := newTestButtons(t, 0)
	s := display.WithKeySource(display.NewHeadless(), b)

	r.Set(17, false)
	b.sample(time.Unix(0, 0))

	k, ok := s.PollKey(time.Millisecond)
	if !ok || k != ' ' {
		t.Errorf("PollKey = %q, %v; want space", k, ok)
	}
}
