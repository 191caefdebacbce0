package codecache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"

	units "github.com/docker/go-units"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// NewFileCache returns a Cache writing one file per entry under dir. When sizeLimit is positive
// the oldest entries are evicted after an Add pushes the total size above it.
func NewFileCache(dir string, sizeLimit int64, logger *zap.Logger) Cache {
	fc := newFileCache(dir)
	fc.sizeLimit = sizeLimit
	if logger != nil {
		fc.logger = logger
	}
	return fc
}

func newFileCache(dir string) *fileCache {
	return &fileCache{dirPath: dir, logger: zap.NewNop()}
}

// fileCache persists entries into files named by the hex of their key.
type fileCache struct {
	dirPath   string
	sizeLimit int64
	logger    *zap.Logger
	// mux is read-locked while a Get content is open, so that Add and Delete never race readers.
	mux sync.RWMutex
}

func (fc *fileCache) path(key Key) string {
	return path.Join(fc.dirPath, hex.EncodeToString(key[:]))
}

type fileReadCloser struct {
	*os.File
	fc *fileCache
}

func (f *fileReadCloser) Close() error {
	defer f.fc.mux.RUnlock()
	return f.File.Close()
}

// Get implements Cache.Get.
func (fc *fileCache) Get(key Key) (content io.ReadCloser, ok bool, err error) {
	fc.mux.RLock()
	unlock := fc.mux.RUnlock
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	f, err := os.Open(fc.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	// Unlocking is done inside the content.Close() at the call-site.
	unlock = nil
	return &fileReadCloser{File: f, fc: fc}, true, nil
}

// Add implements Cache.Add.
func (fc *fileCache) Add(key Key, content io.Reader) (err error) {
	fc.mux.Lock()
	defer fc.mux.Unlock()

	if err = mkdir(fc.dirPath); err != nil {
		return err
	}
	// Write to a temp file first and rename it so that readers never see a partial entry.
	file, err := os.CreateTemp(fc.dirPath, "tmp-*")
	if err != nil {
		return err
	}
	tmp := file.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	n, err := io.Copy(file, content)
	if err = multierr.Append(err, file.Close()); err != nil {
		return err
	}
	if err = os.Rename(tmp, fc.path(key)); err != nil {
		return err
	}
	fc.logger.Debug("add", zap.String("key", hex.EncodeToString(key[:8])), zap.String("size", units.BytesSize(float64(n))))
	if fc.sizeLimit > 0 {
		return fc.evictLocked(hex.EncodeToString(key[:]))
	}
	return nil
}

func mkdir(dir string) error {
	if st, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("codecache: create directory %s: %w", dir, err)
		}
	} else if err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("codecache: expected dir at %s", dir)
	}
	return nil
}

// evictLocked removes the oldest entries other than keep until the total size fits sizeLimit.
func (fc *fileCache) evictLocked(keep string) error {
	dirEntries, err := os.ReadDir(fc.dirPath)
	if err != nil {
		return err
	}
	type entry struct {
		name string
		info os.FileInfo
	}
	var entries []entry
	var total int64
	for _, de := range dirEntries {
		if de.IsDir() || len(de.Name()) != hex.EncodedLen(len(Key{})) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		entries = append(entries, entry{de.Name(), info})
	}
	if total <= fc.sizeLimit {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].info.ModTime().Before(entries[j].info.ModTime())
	})
	var errs error
	for _, e := range entries {
		if total <= fc.sizeLimit {
			break
		}
		if e.name == keep {
			continue
		}
		if err := os.Remove(path.Join(fc.dirPath, e.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
			continue
		}
		total -= e.info.Size()
		fc.logger.Debug("evict", zap.String("key", e.name[:16]), zap.String("size", units.BytesSize(float64(e.info.Size()))))
	}
	if errs != nil {
		return fmt.Errorf("codecache: evict: %w", errs)
	}
	return nil
}

// Delete implements Cache.Delete.
func (fc *fileCache) Delete(key Key) (err error) {
	fc.mux.Lock()
	defer fc.mux.Unlock()

	err = os.Remove(fc.path(key))
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return
}
