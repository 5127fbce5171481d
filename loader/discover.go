package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	projectCatalogName = "petalgp.yaml"
	homeCatalogName    = "catalog.yaml"
)

// DiscoverCatalogPath resolves the catalog file location with first-match
// semantics: an explicit path, then ./petalgp.yaml, then
// ~/.petalgp/catalog.yaml. found is false when no file exists and no
// explicit path was given.
func DiscoverCatalogPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverCatalogPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverCatalogPathFrom is a testable variant of DiscoverCatalogPath.
func DiscoverCatalogPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectCatalogName))
		candidates = append(candidates, filepath.Join(homeDir, ".petalgp", homeCatalogName))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if !info.IsDir() {
				return candidate, true, nil
			}
			if explicit != "" {
				return "", false, fmt.Errorf("catalog path %q is a directory", candidate)
			}
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("catalog file %q not found: %w", candidate, err)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking catalog path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}
