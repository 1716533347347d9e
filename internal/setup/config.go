package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ManifestFile is the package manifest the installer reads.
const ManifestFile = "package.json"

// PackageManager is the executable the bootstrap commands invoke.
var PackageManager = "npm"

var lookPath = exec.LookPath

// Verify checks that projectDir can be bootstrapped.
func Verify(projectDir string) error {
	logger := getLogger().With("project_dir", projectDir)

	info, err := os.Stat(projectDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("project directory %s does not exist", projectDir)
		}
		return fmt.Errorf("stat project directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", projectDir)
	}

	manifest := filepath.Join(projectDir, ManifestFile)
	if _, err := os.Stat(manifest); err != nil {
		return fmt.Errorf("file %s does not exist", manifest)
	}
	logger.Debug("found package manifest", "path", manifest)

	path, err := lookPath(PackageManager)
	if err != nil {
		return fmt.Errorf("%s not found on PATH: %w", PackageManager, err)
	}
	logger.Debug("found package manager", "path", path)

	return nil
}

// ResolveProjectDir returns the absolute form of dir, defaulting to the
// working directory.
func ResolveProjectDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project directory %q: %w", dir, err)
	}
	return abs, nil
}
