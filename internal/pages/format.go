package pages

import (
	"fmt"
	"path/filepath"

	"github.com/buckleypaul/flashloop/internal/config"
)

// shortID trims a run ID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func baseName(path string) string {
	return filepath.Base(path)
}

// probeSelector describes how the configured probe is chosen.
func probeSelector(cfg *config.Config) string {
	if cfg.ProbeSerial != "" {
		return "serial " + cfg.ProbeSerial
	}
	return fmt.Sprintf("index %d", cfg.ProbeIndex)
}
