package jitcore

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	goruntime "runtime"

	"go.uber.org/zap"

	"github.com/tetratelabs/jitcore/internal/codecache"
	"github.com/tetratelabs/jitcore/internal/version"
)

// Version is the engine version. Cache entries written by another version are discarded.
var Version = version.GetVersion()

// newCodeCache returns the cache configured by c. An empty cache dir gives a cache in memory,
// bound to the lifetime of the engine.
func newCodeCache(c *Config, logger *zap.Logger) (codecache.Cache, error) {
	if c.cacheDir == "" {
		return codecache.NewMemoryCache(), nil
	}
	dir, err := cacheDirName(c.cacheDir, Version)
	if err != nil {
		return nil, err
	}
	return codecache.NewFileCache(dir, c.cacheSizeLimit, logger), nil
}

// cacheDirName creates and returns the version specific directory under dir.
func cacheDirName(dir, engineVersion string) (string, error) {
	// Resolve a potentially relative directory into an absolute one.
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err = mkdir(dir); err != nil {
		return "", err
	}
	// Separate versions and platforms so that they never read each other's entries.
	dirname := path.Join(dir, "jitcore-"+engineVersion+"-"+goruntime.GOARCH+"-"+goruntime.GOOS)
	if err = mkdir(dirname); err != nil {
		return "", err
	}
	return dirname, nil
}

func mkdir(dirname string) error {
	if st, err := os.Stat(dirname); errors.Is(err, os.ErrNotExist) {
		// If the directory not found, create the cache dir.
		if err = os.MkdirAll(dirname, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %v", dirname, err)
		}
	} else if err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("%s is not dir", dirname)
	}
	return nil
}
