package xray

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Preflight checks that the engine binary exists and is executable and that
// the config document is present. It is run once at startup so that
// misconfiguration surfaces before the first live apply.
func Preflight(bin, configPath string) error {
	info, err := os.Stat(bin)
	if err != nil {
		return fmt.Errorf("engine binary %s: %w", bin, err)
	}
	if info.IsDir() {
		return fmt.Errorf("engine binary %s is a directory", bin)
	}
	if err := unix.Access(bin, unix.X_OK); err != nil {
		return fmt.Errorf("engine binary %s is not executable: %w", bin, err)
	}

	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("engine config %s: %w", configPath, err)
	}
	return nil
}
