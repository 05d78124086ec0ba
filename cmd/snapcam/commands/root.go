package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "snapcam",
		Short: "SnapCam - live camera preview with single-key frame capture",
		Long: `SnapCam shows a live preview of a camera and saves the current frame as a
JPEG when you press the save key.

Features:
  • V4L2, libcamera and GStreamer camera backends
  • Preview in an X11 window, in a browser (MJPEG) or headless
  • Frames saved at the camera's native resolution
  • GPIO push buttons on a Raspberry Pi
  • Persistent configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCapture,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/snapcam/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error, off)")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	// snapcam with no subcommand behaves like snapcam run
	addRunFlags(rootCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
