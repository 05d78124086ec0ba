// Package diag reports which cameras the machine has and what they can do.
package diag

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/camera"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// Device is one video node.
type Device struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

func sortDevices(m map[string]string) []Device {
	devices := make([]Device, 0, len(m))
	for path, name := range m {
		devices = append(devices, Device{Path: path, Name: strings.TrimSpace(name)})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices
}

// Runner builds the process for a diagnostic tool.
type Runner func(ctx context.Context, name string, args ...string) *exec.Cmd

// DefaultTimeout bounds a single Introspect call.
const DefaultTimeout = 10 * time.Second

// Introspector runs the platform tools that describe a camera.
type Introspector struct {
	Run     Runner
	Timeout time.Duration
}

// ToolFor returns the command line that describes selector on backend.
func ToolFor(backend, selector string) (string, []string) {
	switch strings.ToLower(backend) {
	case "libcamera", "gstreamer-libcamera":
		return "libcamera-hello", []string{"--list-cameras"}
	default:
		return "v4l2-ctl", []string{"--list-formats-ext", "-d", camera.DevicePath(selector)}
	}
}

// Introspect runs the tool for backend and returns what it printed.
func (in *Introspector) Introspect(ctx context.Context, backend, selector string) (string, error) {
	run := in.Run
	if run == nil {
		run = exec.CommandContext
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := ToolFor(backend, selector)
	logger.WithComponent("diag").Debug().
		Str("tool", name).
		Strs("args", args).
		Msg("Running camera introspection")

	var out bytes.Buffer
	cmd := run(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("%s timed out after %v", name, timeout)
		}
		return out.String(), fmt.Errorf("%s failed: %w", name, err)
	}
	return out.String(), nil
}

// Introspect runs the default tools with the default timeout.
func Introspect(ctx context.Context, backend, selector string) (string, error) {
	return (&Introspector{}).Introspect(ctx, backend, selector)
}
