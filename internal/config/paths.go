package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.deskcoord, creating nothing.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".deskcoord"), nil
}

// GetProjectDir walks up from the working directory looking for a
// .deskcoord or .git marker, falling back to the working directory itself.
func GetProjectDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for {
		marker := filepath.Join(dir, ".deskcoord")
		if _, err := os.Stat(marker); err == nil {
			return dir, nil
		}

		gitDir := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitDir); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}

// EnsureConfigDirs creates the user and project config directories if absent.
func EnsureConfigDirs(userConfigDir, projectDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}

	projectConfigDir := filepath.Join(projectDir, ".deskcoord")
	if err := os.MkdirAll(projectConfigDir, 0755); err != nil {
		return err
	}

	return nil
}
