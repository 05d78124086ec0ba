package camera

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/SnapCam/internal/frame"
)

var (
	// ErrDeviceUnavailable means the device could not be opened at all.
	ErrDeviceUnavailable = errors.New("camera device unavailable")

	// ErrConfigurationUnsupported means the requested mode was rejected or
	// silently replaced by another one. Callers treat it as informational.
	ErrConfigurationUnsupported = errors.New("requested camera configuration not supported")

	// ErrAcquisitionFailed means a single read produced no frame.
	ErrAcquisitionFailed = errors.New("frame acquisition failed")
)

// Device is an open camera handle. Implementations are used from a single
// goroutine: the capture loop that opened them.
type Device interface {
	// Name identifies the backend and the underlying device.
	Name() string

	// Configure requests a capture size and returns what the device
	// actually negotiated, which may differ.
	Configure(width, height int) (actualWidth, actualHeight int, err error)

	// Read returns the next frame, or an error wrapping ErrAcquisitionFailed
	// when none arrived in time.
	Read() (*frame.Frame, error)

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Backend opens devices for a selector string (a path, an index or a
// backend-specific source description).
type Backend interface {
	Open(selector string) (Device, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(selector string) (Device, error)

// Open calls f.
func (f BackendFunc) Open(selector string) (Device, error) {
	return f(selector)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Backend)
)

// Register makes a backend available under name. Backends register
// themselves from init.
func Register(name string, b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = b
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown camera backend %q (available: %s)", name, strings.Join(backendNamesLocked(), ", "))
	}
	return b, nil
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendNamesLocked()
}

func backendNamesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DevicePath resolves a V4L2 selector: a bare index such as "0" becomes
// /dev/video0, anything else is used as a path.
func DevicePath(selector string) string {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return "/dev/video0"
	}
	if n, err := strconv.Atoi(selector); err == nil && n >= 0 {
		return "/dev/video" + strconv.Itoa(n)
	}
	return selector
}
