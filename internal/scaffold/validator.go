package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/reo/internal/config"
)

// CheckExisting returns an error when dir already holds a reo.yml.
func CheckExisting(dir string) error {
	path := filepath.Join(dir, config.DefaultPath)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return fmt.Errorf("%s already exists", path)
}
