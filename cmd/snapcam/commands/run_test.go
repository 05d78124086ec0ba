package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/camera"
	"github.com/bryanchriswhite/SnapCam/internal/config"
	"github.com/bryanchriswhite/SnapCam/internal/frame"
)

func defaultConfig() *config.Config {
	return &config.Config{
		Device:      config.DeviceConfig{Backend: "v4l2", Selector: "1", Width: 1280, Height: 720},
		Display:     config.DisplayConfig{Backend: "x11", MaxWidth: 800, PollTimeout: 2 * time.Millisecond, Title: "Bench"},
		Keys:        config.KeysConfig{Save: "space", Quit: "esc"},
		OutputDir:   "shots",
		JPEGQuality: 90,
		Retry:       config.RetryConfig{MaxReadFailures: 5, Delay: 20 * time.Millisecond},
		LogLevel:    "info",
	}
}

func TestCaptureConfig(t *testing.T) {
	c, err := captureConfig(defaultConfig())
	if err != nil {
		t.Fatalf("captureConfig: %v", err)
	}
	if c.Selector != "1" || c.Width != 1280 || c.Height != 720 {
		t.Errorf("device settings = %+v", c)
	}
	if c.SaveKey != ' ' || c.QuitKey != 0x1b {
		t.Errorf("keys = %q, %q", c.SaveKey, c.QuitKey)
	}
	if c.DisplayMaxWidth != 800 || c.PollTimeout != 2*time.Millisecond || c.Title != "Bench" {
		t.Errorf("display settings = %+v", c)
	}
	if c.MaxReadFailures != 5 || c.RetryDelay != 20*time.Millisecond || c.JPEGQuality != 90 {
		t.Errorf("retry settings = %+v", c)
	}
}

func TestCaptureConfigRejectsBadKeys(t *testing.T) {
	cfg := defaultConfig()
	cfg.Keys.Quit = "enter"
	if _, err := captureConfig(cfg); err == nil {
		t.Error("multi-character key accepted")
	}

	cfg = defaultConfig()
	cfg.Keys.Quit = " "
	if _, err := captureConfig(cfg); err == nil {
		t.Error("identical save and quit keys accepted")
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"run", "devices", "config"} {
		if cmd, _, err := rootCmd.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, flag := range []string{"device", "backend", "width", "height", "output", "display", "addr", "port", "diagnose"} {
		if runCmd.Flags().Lookup(flag) == nil {
			t.Errorf("run is missing --%s", flag)
		}
		if rootCmd.Flags().Lookup(flag) == nil {
			t.Errorf("root is missing --%s", flag)
		}
	}
}

func TestDisplayOptions(t *testing.T) {
	cfg := defaultConfig()
	cfg.ServerAddr = "0.0.0.0"
	cfg.ServerPort = 9090
	capCfg, err := captureConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	opts := displayOptions(cfg, capCfg)
	if opts.Quit != 0x1b || opts.Addr != "0.0.0.0" || opts.Port != 9090 || opts.JPEGQuality != 90 {
		t.Errorf("display options = %+v", opts)
	}
}

func TestRootSilencesErrors(t *testing.T) {
	if !rootCmd.SilenceErrors {
		t.Error("cobra would print errors that Execute prints again")
	}
}

// stillCamera delivers small grey frames and calls onRead after each one.
type stillCamera struct {
	reads  int
	onRead func(n int)
}

func (c *stillCamera) Name() string { return "still" }

func (c *stillCamera) Configure(w, h int) (int, int, error) { return w, h, nil }

func (c *stillCamera) Read() (*frame.Frame, error) {
	c.reads++
	if c.onRead != nil {
		c.onRead(c.reads)
	}
	return frame.New(4, 4, frame.FormatRGB24, make([]byte, 4*4*3)), nil
}

func (c *stillCamera) Close() error { return nil }

var stillOnRead func(n int)

func init() {
	camera.Register("test-unavailable", camera.BackendFunc(func(string) (camera.Device, error) {
		return nil, errors.New("no such device")
	}))
	camera.Register("test-still", camera.BackendFunc(func(string) (camera.Device, error) {
		return &stillCamera{onRead: stillOnRead}, nil
	}))
}

func runArgs(t *testing.T, backend, outDir string) []string {
	return []string{
		"run",
		"--config", filepath.Join(t.TempDir(), "config.yaml"),
		"--backend", backend,
		"--display", "none",
		"--output", outDir,
	}
}

func executeRun(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func TestRunFailsWhenDeviceCannotOpen(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")

	err := executeRun(context.Background(), runArgs(t, "test-unavailable", out))
	if !errors.Is(err, camera.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}

	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Errorf("files written after failed open: %v", entries)
	}
}

func TestRunStopsCleanly(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stillOnRead = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	defer func() { stillOnRead = nil }()

	args := runArgs(t, "test-still", out)
	done := make(chan error, 1)
	go func() { done <- executeRun(ctx, args) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("err = %v, want nil on a clean stop", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("output directory not created: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("files written without a save key: %v", entries)
	}
}
