package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

// Init creates the .foreman directory scaffold with a default config.
// Running init on an initialized project is an error; the config is never
// overwritten.
func Init(projectDir, projectName string) (string, error) {
	foremanDir := filepath.Join(projectDir, ".foreman")
	configPath := filepath.Join(foremanDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return "", fmt.Errorf("already initialized: %s exists", configPath)
	}

	for _, dir := range []string{
		foremanDir,
		filepath.Join(foremanDir, "state"),
		filepath.Join(foremanDir, "intake"),
		filepath.Join(foremanDir, "logs"),
		filepath.Join(foremanDir, "locks"),
		filepath.Join(foremanDir, "workspaces"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(projectDir)
	}
	cfg := model.DefaultConfig(projectName)
	if err := yamlutil.AtomicWrite(configPath, cfg); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return foremanDir, nil
}

// FindForemanDir walks up from dir looking for a .foreman directory, the
// way version control roots are discovered.
func FindForemanDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(abs, ".foreman")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no .foreman directory found; run: foreman init")
		}
		abs = parent
	}
}
