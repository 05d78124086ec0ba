package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/SnapCam/internal/camera"
	"github.com/bryanchriswhite/SnapCam/internal/capture"
	"github.com/bryanchriswhite/SnapCam/internal/config"
	"github.com/bryanchriswhite/SnapCam/internal/desktop"
	"github.com/bryanchriswhite/SnapCam/internal/diag"
	"github.com/bryanchriswhite/SnapCam/internal/display"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
	"github.com/bryanchriswhite/SnapCam/internal/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the camera and start the preview",
	Long: `Open the camera, show a live preview and save a frame every time the save
key is pressed. Press the quit key (or close the window) to stop.

Frames are written to the output directory as
frame_YYYYMMDD_HHMMSS_<counter>.jpg at the camera's native resolution.`,
	Example: `  # Preview the first camera in an X11 window
  snapcam run

  # Use the Raspberry Pi camera at full sensor resolution
  snapcam run --backend libcamera --width 1456 --height 1088

  # Preview in a browser on port 9090
  snapcam run --display mjpeg --port 9090

  # Show what the device supports before starting
  snapcam run --device /dev/video2 --diagnose`,
	RunE: runCapture,
}

// runFlags maps command line flags to configuration keys.
var runFlags = []struct {
	flag, key string
}{
	{"device", "device.selector"},
	{"backend", "device.backend"},
	{"width", "device.width"},
	{"height", "device.height"},
	{"output", "output_dir"},
	{"display", "display.backend"},
	{"addr", "server_addr"},
	{"port", "server_port"},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("device", "d", "", "camera index, device path or camera name")
	cmd.Flags().StringP("backend", "b", "", "camera backend ("+strings.Join(camera.Backends(), ", ")+")")
	cmd.Flags().Int("width", 0, "requested capture width")
	cmd.Flags().Int("height", 0, "requested capture height")
	cmd.Flags().StringP("output", "o", "", "directory for saved frames")
	cmd.Flags().String("display", "", "preview surface ("+strings.Join(display.Backends(), ", ")+")")
	cmd.Flags().String("addr", "", "listen address of the mjpeg preview (default 127.0.0.1)")
	cmd.Flags().IntP("port", "p", 0, "HTTP port of the mjpeg preview")
	cmd.Flags().Bool("diagnose", false, "print device capabilities before starting")

	// Flags are bound when the command actually runs, so the root command
	// and run do not fight over the same keys.
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		for _, f := range runFlags {
			if err := viper.BindPFlag(f.key, cmd.Flags().Lookup(f.flag)); err != nil {
				return err
			}
		}
		return viper.BindPFlag("diagnose", cmd.Flags().Lookup("diagnose"))
	}
}

func runCapture(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	for _, f := range runFlags {
		if viper.IsSet(f.key) {
			configMgr.Override(f.key, viper.Get(f.key))
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.Override("log_level", level)
		}
	}

	cfg, err := configMgr.Get()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("main")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("backend", cfg.Device.Backend).
		Str("device", cfg.Device.Selector).
		Str("display", cfg.Display.Backend).
		Msg("Configuration loaded")

	capCfg, err := captureConfig(cfg)
	if err != nil {
		return err
	}

	backend, err := camera.Lookup(cfg.Device.Backend)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if viper.GetBool("diagnose") {
		out, err := diag.Introspect(ctx, cfg.Device.Backend, cfg.Device.Selector)
		fmt.Println(strings.TrimRight(out, "\n"))
		if err != nil {
			log.Warn().Err(err).Msg("Device introspection failed")
		}
	}

	surface, err := display.Open(cfg.Display.Backend, displayOptions(cfg, capCfg))
	if err != nil {
		return fmt.Errorf("failed to open preview: %w", err)
	}

	if cfg.GPIO.Enabled {
		buttons, err := startButtons(ctx, cfg, capCfg)
		if err != nil {
			log.Warn().Err(err).Msg("GPIO buttons disabled")
		} else {
			defer buttons.Stop()
			surface = display.WithKeySource(surface, buttons)
		}
	}

	if cfg.Display.InhibitScreensaver && strings.EqualFold(cfg.Display.Backend, "x11") {
		release := desktop.Inhibit("SnapCam", "Camera preview")
		defer release()
	}

	fmt.Printf("📷 SnapCam: press %s to save a frame, %s to quit\n", capCfg.SaveKey, capCfg.QuitKey)

	summary, err := capture.Run(ctx, capture.Options{
		Config:  capCfg,
		Opener:  backend,
		Surface: surface,
	})
	printSummary(summary)

	if errors.Is(err, camera.ErrDeviceUnavailable) {
		fmt.Fprintf(os.Stderr, "Hint: run 'snapcam devices' to see the available cameras\n")
	}
	return err
}

// captureConfig translates the file configuration into loop settings.
func captureConfig(cfg *config.Config) (capture.Config, error) {
	save, err := display.ParseKey(cfg.Keys.Save)
	if err != nil {
		return capture.Config{}, fmt.Errorf("keys.save: %w", err)
	}
	quit, err := display.ParseKey(cfg.Keys.Quit)
	if err != nil {
		return capture.Config{}, fmt.Errorf("keys.quit: %w", err)
	}

	c := capture.Config{
		Selector:        cfg.Device.Selector,
		Width:           cfg.Device.Width,
		Height:          cfg.Device.Height,
		OutputDir:       cfg.OutputDir,
		DisplayMaxWidth: cfg.Display.MaxWidth,
		PollTimeout:     cfg.Display.PollTimeout,
		Title:           cfg.Display.Title,
		SaveKey:         save,
		QuitKey:         quit,
		JPEGQuality:     cfg.JPEGQuality,
		MaxReadFailures: cfg.Retry.MaxReadFailures,
		RetryDelay:      cfg.Retry.Delay,
		Overlay:         cfg.Display.Overlay,
	}
	return c, c.Validate()
}

func displayOptions(cfg *config.Config, capCfg capture.Config) display.Options {
	return display.Options{
		Quit:        capCfg.QuitKey,
		Addr:        cfg.ServerAddr,
		Port:        cfg.ServerPort,
		JPEGQuality: cfg.JPEGQuality,
	}
}

func startButtons(ctx context.Context, cfg *config.Config, capCfg capture.Config) (*trigger.Buttons, error) {
	reader, err := trigger.NewRPiReader()
	if err != nil {
		return nil, err
	}
	buttons, err := trigger.NewButtons(reader, map[int]display.Key{
		cfg.GPIO.SavePin: capCfg.SaveKey,
		cfg.GPIO.QuitPin: capCfg.QuitKey,
	}, cfg.GPIO.Debounce)
	if err != nil {
		reader.Close()
		return nil, err
	}
	buttons.Start(ctx)
	return buttons, nil
}

func printSummary(s capture.Summary) {
	fmt.Println()
	fmt.Printf("Frames saved: %d\n", s.Saved)
	for _, f := range s.Files {
		fmt.Printf("  %s\n", f)
	}
	if s.SaveFailures > 0 {
		fmt.Printf("Failed saves: %d\n", s.SaveFailures)
	}
	if s.ReadFailures > 0 {
		fmt.Printf("Failed reads: %d of %d\n", s.ReadFailures, s.ReadFailures+s.FramesRead)
	}
	fmt.Printf("Stopped: %s\n", s.Reason)
}
