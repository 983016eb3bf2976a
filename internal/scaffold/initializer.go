// Package scaffold writes a starter reo.yml.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/reo/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Initialize writes reo.yml into dir. With force an existing file is
// replaced. Returns the path written.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, config.DefaultPath)

	if force {
		if err := handleForce(path); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/reo.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read reo.yml template: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := validateCreatedFile(path); err != nil {
		return "", err
	}
	return path, nil
}

// handleForce removes an existing config file.
func handleForce(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	fmt.Fprintf(os.Stderr, "⚠️  Removing existing %s...\n", path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// validateCreatedFile loads the written file through the normal config path.
func validateCreatedFile(path string) error {
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("created %s is not a valid configuration: %w", path, err)
	}
	return nil
}
