//go:build linux

package diag

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListSysfs(t *testing.T) {
	sys := t.TempDir()
	for node, name := range map[string]string{
		"video0":  "unicam\n",
		"video10": "bcm2835-codec-decode\n",
	} {
		dir := filepath.Join(sys, node)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "name"), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Not a video node.
	if err := os.MkdirAll(filepath.Join(sys, "v4l-subdev0"), 0o755); err != nil {
		t.Fatal(err)
	}

	found, err := listSysfs(sys, "/dev")
	if err != nil {
		t.Fatalf("listSysfs: %v", err)
	}
	got := sortDevices(found)
	if len(got) != 2 {
		t.Fatalf("devices = %+v", got)
	}
	if got[0] != (Device{Path: "/dev/video0", Name: "unicam"}) {
		t.Errorf("first device = %+v", got[0])
	}
	if got[1] != (Device{Path: "/dev/video10", Name: "bcm2835-codec-decode"}) {
		t.Errorf("second device = %+v", got[1])
	}
}

func TestListSysfsMissingDir(t *testing.T) {
	if _, err := listSysfs(filepath.Join(t.TempDir(), "missing"), "/dev"); err == nil {
		t.Error("expected error for missing sysfs directory")
	}
}

func TestCardNameMissingNode(t *testing.T) {
	if name := cardName(filepath.Join(t.TempDir(), "video0")); name != "" {
		t.Errorf("cardName = %q, want empty", name)
	}
}
