//go:build !linux

package diag

import "fmt"

// ListDevices is only supported on Linux.
func ListDevices() ([]Device, error) {
	return nil, fmt.Errorf("device listing requires Linux (V4L2)")
}
