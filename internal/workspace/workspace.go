// Package workspace locates the firmware project flashloop operates in.
package workspace

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/buckleypaul/flashloop/internal/config"
)

// Workspace holds information about a detected firmware project.
type Workspace struct {
	Root   string // Absolute path to the project root
	Marker string // What identified the root, e.g. ".flashloop" or ".git"
}

// StateDir is where configuration, history and logs are kept.
func (w *Workspace) StateDir() string {
	return filepath.Join(w.Root, config.DirName)
}

// markers are checked in order in every directory while walking up.
// A .flashloop directory always wins over project markers further down.
var markers = []string{".west", "west.yml", ".git"}

// Detect walks up from startDir looking for a .flashloop directory, which
// marks a project flashloop has been used in before. Failing that, the
// nearest Zephyr workspace or git repository is used, and finally startDir
// itself.
func Detect(startDir string) (*Workspace, error) {
	start, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	var candidate *Workspace
	dir := start
	for {
		if info, err := os.Stat(filepath.Join(dir, config.DirName)); err == nil && info.IsDir() {
			return &Workspace{Root: dir, Marker: config.DirName}, nil
		}

		// Record the nearest project marker as fallback, but keep walking.
		if candidate == nil {
			for _, m := range markers {
				if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
					candidate = &Workspace{Root: dir, Marker: m}
					break
				}
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}

	if candidate != nil {
		return candidate, nil
	}
	return &Workspace{Root: start}, nil
}

// Health reports which external tools a hardware run needs.
type Health struct {
	OpenOCDPath  string // resolved executable, empty when missing
	OpenOCDFound bool
}

// CheckHealth resolves the openocd executable the backend will launch.
func CheckHealth(openocdPath string) Health {
	if openocdPath == "" {
		openocdPath = config.DefaultOpenOCDPath
	}
	path, err := exec.LookPath(openocdPath)
	if err != nil {
		return Health{}
	}
	return Health{OpenOCDPath: path, OpenOCDFound: true}
}
