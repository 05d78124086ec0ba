package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SnapCam/internal/camera"
	"github.com/bryanchriswhite/SnapCam/internal/diag"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras",
	Long: `List the Video4Linux2 capture nodes on this machine and the camera
backends SnapCam was built with.`,
	Example: `  # List devices in table format (default)
  snapcam devices

  # List devices in JSON format
  snapcam devices --format json`,
	RunE: runDevices,
}

var devicesFormat string

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
}

func runDevices(cmd *cobra.Command, args []string) error {
	devices, err := diag.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	switch devicesFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(struct {
			Devices  []diag.Device `json:"devices"`
			Backends []string      `json:"backends"`
		}{devices, camera.Backends()})
	case "table":
		return printDevicesTable(devices)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", devicesFormat)
	}
}

func printDevicesTable(devices []diag.Device) error {
	if len(devices) == 0 {
		fmt.Println("No video devices found")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tNAME")
		fmt.Fprintln(w, "----\t----")
		for _, d := range devices {
			name := d.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(w, "%s\t%s\n", d.Path, name)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Printf("\nCamera backends: %s\n", strings.Join(camera.Backends(), ", "))
	return nil
}
