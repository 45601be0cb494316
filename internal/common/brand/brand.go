// Package brand centralizes the parallel entry-point brands of the runtime.
// The same binary ships under two names; everything brand-specific (env
// prefixes, home directory, display name) is resolved here instead of being
// hard-coded at call sites.
package brand

import (
	"os"
	"path/filepath"
	"strings"
)

// Brand describes one entry-point identity.
type Brand struct {
	Name        string // binary / product name
	DisplayName string
	EnvPrefix   string // prefix for recognized environment variables, no trailing underscore
	HomeDirName string // dot-directory under the user home
}

// The two shipped brands. Happy is canonical; Aha is the compatibility alias.
var (
	Happy = Brand{
		Name:        "happy",
		DisplayName: "Happy",
		EnvPrefix:   "HAPPY",
		HomeDirName: ".happy",
	}
	Aha = Brand{
		Name:        "aha",
		DisplayName: "Aha",
		EnvPrefix:   "AHA",
		HomeDirName: ".aha",
	}
)

// All lists the known brands, canonical first.
var All = []Brand{Happy, Aha}

// Detect resolves the active brand from the invoked binary name.
// Unknown names fall back to the canonical brand.
func Detect(argv0 string) Brand {
	base := strings.ToLower(filepath.Base(argv0))
	base = strings.TrimSuffix(base, ".exe")
	for _, b := range All {
		if base == b.Name {
			return b
		}
	}
	return Happy
}

// Env looks up an environment variable under the active brand's prefix,
// falling back to every other brand's prefix. HAPPY_ROOM_ID and AHA_ROOM_ID
// name the same setting.
func (b Brand) Env(key string) string {
	if v := os.Getenv(b.EnvPrefix + "_" + key); v != "" {
		return v
	}
	for _, other := range All {
		if other.EnvPrefix == b.EnvPrefix {
			continue
		}
		if v := os.Getenv(other.EnvPrefix + "_" + key); v != "" {
			return v
		}
	}
	return ""
}

// HomeDir returns the per-user state directory for the brand.
func (b Brand) HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, b.HomeDirName), nil
}
