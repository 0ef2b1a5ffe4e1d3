package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Discover collects manifests from paths. A path holding a manifest.yaml is
// a manifest itself; otherwise each of its subdirectories is tried.
// Broken manifests are logged and skipped unless nothing loads at all.
func Discover(paths []string, logger *zap.Logger) ([]*Manifest, error) {
	logger = logger.With(zap.String("component", "manifest-discovery"))

	var manifests []*Manifest
	var errs []error

	load := func(dir string) {
		m, err := Parse(dir)
		if err != nil {
			logger.Error("Failed to load manifest",
				zap.String("dir", dir),
				zap.Error(err),
			)
			errs = append(errs, err)
			return
		}
		logger.Debug("Manifest loaded",
			zap.String("name", m.Name),
			zap.String("wasm", m.WasmPath()),
		)
		manifests = append(manifests, m)
	}

	for _, basePath := range paths {
		if _, err := os.Stat(filepath.Join(basePath, FileName)); err == nil {
			load(basePath)
			continue
		}

		logger.Debug("Scanning manifest directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Warn("Manifest path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			load(filepath.Join(basePath, entry.Name()))
		}
	}

	if len(manifests) > 0 && len(errs) > 0 {
		logger.Warn("Some manifests failed to load",
			zap.Int("loaded", len(manifests)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(manifests) == 0 {
		if len(errs) == 1 {
			return nil, errs[0]
		}
		return nil, &NoManifestsFoundError{Paths: paths}
	}

	sort.SliceStable(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})
	return manifests, nil
}
