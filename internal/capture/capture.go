// Package capture runs the camera preview loop: read a frame, show it,
// poll for a key and save the frame when asked.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/camera"
	"github.com/bryanchriswhite/SnapCam/internal/display"
	"github.com/bryanchriswhite/SnapCam/internal/frame"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

var (
	// ErrDeviceLost means reads kept failing after the device was open.
	ErrDeviceLost = errors.New("camera device lost")

	// ErrEncodeFailed means a frame could not be written to disk.
	ErrEncodeFailed = errors.New("failed to save frame")

	// ErrPanic wraps a panic recovered from the loop.
	ErrPanic = errors.New("capture loop panicked")
)

// State is the lifecycle state of a capture run.
type State int

const (
	StateUninitialized State = iota
	StateOpening
	StateStreaming
	StateSaving
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateSaving:
		return "saving"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason says why a run ended.
type Reason string

const (
	ReasonQuit       Reason = "quit"
	ReasonCancelled  Reason = "cancelled"
	ReasonOpenFailed Reason = "open_failed"
	ReasonDeviceLost Reason = "device_lost"
	ReasonError      Reason = "error"
	ReasonPanic      Reason = "panic"
)

// Config holds the loop settings.
type Config struct {
	// Selector picks the device; its meaning depends on the backend.
	Selector string

	// Width and Height are the requested capture size. Zero keeps the
	// device default.
	Width  int
	Height int

	// OutputDir receives saved frames. It is created if missing.
	OutputDir string

	// DisplayMaxWidth caps the largest dimension of the preview. Zero
	// means 1024, negative disables downscaling.
	DisplayMaxWidth int

	// PollTimeout is how long each iteration waits for a key. Zero means
	// one millisecond.
	PollTimeout time.Duration

	Title   string
	SaveKey display.Key
	QuitKey display.Key

	// JPEGQuality of saved frames. Zero means 95.
	JPEGQuality int

	// MaxReadFailures is the number of consecutive failed reads after
	// which the device is considered lost. Zero retries forever.
	MaxReadFailures int

	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration

	// Overlay draws a key hint and the save count on the preview.
	Overlay bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Selector:        "0",
		Width:           640,
		Height:          480,
		OutputDir:       "frames",
		DisplayMaxWidth: 1024,
		PollTimeout:     time.Millisecond,
		Title:           "SnapCam",
		SaveKey:         ' ',
		QuitKey:         'q',
		JPEGQuality:     95,
		MaxReadFailures: 50,
		RetryDelay:      100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.DisplayMaxWidth == 0 {
		c.DisplayMaxWidth = 1024
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Millisecond
	}
	if c.OutputDir == "" {
		c.OutputDir = "frames"
	}
	if c.SaveKey == display.NoKey {
		c.SaveKey = ' '
	}
	if c.QuitKey == display.NoKey {
		c.QuitKey = 'q'
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 95
	}
	if c.Title == "" {
		c.Title = "SnapCam"
	}
	return c
}

// Validate reports settings the loop cannot work with.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.SaveKey == c.QuitKey {
		return fmt.Errorf("save key and quit key are both %q", c.SaveKey.String())
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("invalid capture size %dx%d", c.Width, c.Height)
	}
	if c.MaxReadFailures < 0 {
		return fmt.Errorf("max read failures must not be negative")
	}
	return nil
}

// Options wires the loop to its collaborators.
type Options struct {
	Config Config

	// Opener opens the camera named by Config.Selector.
	Opener camera.Backend

	// Surface shows the preview. Nil means a headless surface.
	Surface display.Surface

	// Clock stamps saved file names. Nil means time.Now.
	Clock func() time.Time

	// Sleep waits between failed reads. Nil sleeps on a timer and returns
	// early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration)

	// Encode writes saved frames. Nil means JPEG.
	Encode EncodeFunc
}

// Summary describes a finished run.
type Summary struct {
	Saved        int
	Files        []string
	FramesRead   int
	ReadFailures int
	SaveFailures int
	State        State
	Reason       Reason
	Err          error
}

// Run opens the camera and drives the preview loop until the quit key,
// context cancellation or a fatal error. The device is released and then
// the surface closed before Run returns, whatever the exit path. A quit
// or cancellation returns a nil error.
func Run(ctx context.Context, opts Options) (summary Summary, err error) {
	cfg := opts.Config.withDefaults()
	log := logger.WithComponent("capture")

	surface := opts.Surface
	if surface == nil {
		surface = display.NewHeadless()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var session *Session

	defer func() {
		r := recover()

		summary.State = StateClosing
		if session != nil {
			if cerr := session.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("Failed to release camera")
			}
		}
		if cerr := surface.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close display")
		}
		summary.State = StateClosed

		if r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			summary.Reason = ReasonPanic
			log.Error().Interface("panic", r).Msg("Capture loop panicked")
		}
		summary.Err = err

		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Str("reason", string(summary.Reason)).
			Int("saved", summary.Saved).
			Int("frames", summary.FramesRead).
			Int("read_failures", summary.ReadFailures).
			Int("save_failures", summary.SaveFailures).
			Msg("Capture stopped")
	}()

	if opts.Opener == nil {
		summary.Reason = ReasonError
		return summary, errors.New("no camera backend")
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		summary.Reason = ReasonError
		return summary, fmt.Errorf("create output directory: %w", err)
	}

	summary.State = StateOpening
	dev, err := opts.Opener.Open(cfg.Selector)
	if err != nil {
		summary.Reason = ReasonOpenFailed
		if !errors.Is(err, camera.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
		}
		return summary, err
	}
	session = NewSession(dev, cfg.OutputDir, cfg.JPEGQuality, opts.Clock, opts.Encode)

	if cfg.Width > 0 && cfg.Height > 0 {
		w, h, cerr := dev.Configure(cfg.Width, cfg.Height)
		switch {
		case cerr != nil:
			log.Warn().Err(cerr).
				Int("requested_width", cfg.Width).
				Int("requested_height", cfg.Height).
				Msg("Camera rejected requested size, using device default")
		case w != cfg.Width || h != cfg.Height:
			log.Warn().
				Int("requested_width", cfg.Width).
				Int("requested_height", cfg.Height).
				Int("actual_width", w).
				Int("actual_height", h).
				Msg("Camera chose a different size")
		}
	}

	var hud *display.HUD
	if cfg.Overlay {
		hud = display.NewHUD(cfg.SaveKey, cfg.QuitKey)
	}

	summary.State = StateStreaming
	log.Info().
		Str("device", dev.Name()).
		Str("output_dir", cfg.OutputDir).
		Str("save_key", cfg.SaveKey.String()).
		Str("quit_key", cfg.QuitKey.String()).
		Msg("Capture started")

	consecutive := 0
	for {
		if ctx.Err() != nil {
			summary.Reason = ReasonCancelled
			return summary, nil
		}

		f, rerr := dev.Read()
		var img image.Image
		if rerr == nil {
			img, rerr = f.Image()
		}
		if rerr != nil {
			summary.ReadFailures++
			consecutive++
			log.Warn().Err(rerr).Int("consecutive", consecutive).Msg("Failed to read frame")
			if cfg.MaxReadFailures > 0 && consecutive >= cfg.MaxReadFailures {
				summary.Reason = ReasonDeviceLost
				return summary, fmt.Errorf("%w: %d consecutive read failures: %v", ErrDeviceLost, consecutive, rerr)
			}
			sleep(ctx, cfg.RetryDelay)
			continue
		}
		consecutive = 0
		summary.FramesRead++

		preview := frame.ToRGBA(img)
		if cfg.DisplayMaxWidth > 0 {
			preview = frame.Downscale(preview, cfg.DisplayMaxWidth)
		}
		if hud != nil {
			hud.Draw(preview, session.Saved())
		}
		if serr := surface.Show(cfg.Title, preview); serr != nil {
			summary.Reason = ReasonError
			return summary, fmt.Errorf("show preview: %w", serr)
		}

		key, ok := surface.PollKey(cfg.PollTimeout)
		if !ok {
			continue
		}
		switch key {
		case cfg.QuitKey:
			summary.Reason = ReasonQuit
			return summary, nil
		case cfg.SaveKey:
			summary.State = StateSaving
			path, serr := session.Save(img)
			summary.State = StateStreaming
			if serr != nil {
				summary.SaveFailures++
				log.Error().Err(serr).Msg("Failed to save frame")
				continue
			}
			summary.Saved = session.Saved()
			summary.Files = append(summary.Files, path)
			log.Info().
				Str("path", path).
				Int("width", img.Bounds().Dx()).
				Int("height", img.Bounds().Dy()).
				Msg("Saved frame")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
