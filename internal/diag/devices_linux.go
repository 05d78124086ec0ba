//go:build linux

package diag

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blackjack/webcam"

	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

const (
	sysfsVideoDir = "/sys/class/video4linux"
	devDir        = "/dev"
)

// ListDevices returns the V4L2 nodes with their driver names, sorted by
// path. Names come from sysfs; when sysfs can't be read it falls back to
// globbing /dev/video* and asking each node for its card name.
func ListDevices() ([]Device, error) {
	found, err := listSysfs(sysfsVideoDir, devDir)
	if err == nil && len(found) > 0 {
		return sortDevices(found), nil
	}
	if err != nil {
		logger.WithComponent("diag").Debug().Err(err).Msg("Sysfs listing failed, globbing /dev")
	}

	paths, globErr := filepath.Glob(filepath.Join(devDir, "video*"))
	if globErr != nil {
		return nil, globErr
	}
	m := make(map[string]string, len(paths))
	for _, p := range paths {
		m[p] = cardName(p)
	}
	return sortDevices(m), nil
}

// listSysfs reads <sysDir>/video*/name and maps each node to its path
// under devDir.
func listSysfs(sysDir, devDir string) (map[string]string, error) {
	entries, err := filepath.Glob(filepath.Join(sysDir, "video*"))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := os.Stat(sysDir); err != nil {
			return nil, fmt.Errorf("read %s: %w", sysDir, err)
		}
	}

	m := make(map[string]string, len(entries))
	for _, e := range entries {
		node := filepath.Base(e)
		name, err := os.ReadFile(filepath.Join(e, "name"))
		if err != nil {
			logger.WithComponent("diag").Debug().Err(err).Str("node", node).Msg("No name in sysfs")
		}
		m[filepath.Join(devDir, node)] = string(name)
	}
	return m, nil
}

// cardName opens path briefly for its V4L2 card name. Empty when the node
// can't be opened.
func cardName(path string) string {
	cam, err := webcam.Open(path)
	if err != nil {
		return ""
	}
	defer cam.Close()
	name, err := cam.GetName()
	if err != nil {
		return ""
	}
	return name
}
