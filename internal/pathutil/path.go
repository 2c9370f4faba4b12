// Package pathutil resolves user-supplied file paths for the CLI.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ConfigDirEnv overrides the default configuration directory.
const ConfigDirEnv = "XFER_CONFIG_DIR"

// Expand expands environment tokens ($HOME, ${HOME}) and a leading "~/" in p
// and returns an absolute path. An empty p yields "".
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// DefaultConfigDir returns $XFER_CONFIG_DIR when set, otherwise $HOME/.xfer.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(ConfigDirEnv)); override != "" {
		return Expand(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".xfer"), nil
}
