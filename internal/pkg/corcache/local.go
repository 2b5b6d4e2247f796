package corcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corfs"
)

const sep = "_"

var (
	// ErrCacheClosed is returned by every operation on an undeployed cache.
	ErrCacheClosed = errors.New("cache is closed or failed to init")
	// ErrCacheFull is returned when a write would exceed the cache size.
	ErrCacheFull = errors.New("not enough space in cache")
)

// LocalCache keeps intermediate files in memory, bounded by maxSize bytes.
type LocalCache struct {
	size    atomic.Uint64
	maxSize uint64

	mu   sync.RWMutex
	pool map[string]*bytes.Buffer
}

func NewLocalInMemoryProvider(maxSize uint64) *LocalCache {
	return &LocalCache{
		maxSize: maxSize,
		pool:    make(map[string]*bytes.Buffer),
	}
}

type cacheWriter struct {
	buf *bytes.Buffer
	lmp *LocalCache
}

func (w *cacheWriter) Write(p []byte) (n int, err error) {
	if !w.lmp.reserve(uint64(len(p))) {
		return 0, fmt.Errorf("%w: %d of %d bytes used", ErrCacheFull, w.lmp.size.Load(), w.lmp.maxSize)
	}
	w.lmp.mu.Lock()
	defer w.lmp.mu.Unlock()
	return w.buf.Write(p)
}

func (w *cacheWriter) Close() error {
	return nil
}

func (l *LocalCache) reserve(n uint64) bool {
	for {
		used := l.size.Load()
		if used+n > l.maxSize {
			return false
		}
		if l.size.CompareAndSwap(used, used+n) {
			return true
		}
	}
}

func (l *LocalCache) ListFiles(path string) ([]corfs.FileInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pool == nil {
		return nil, ErrCacheClosed
	}

	files := make([]corfs.FileInfo, 0)
	for file, buf := range l.pool {
		match, _ := filepath.Match(path, file)
		if !match && strings.HasSuffix(path, "*") {
			match = strings.HasPrefix(file, path[:len(path)-1])
		}
		if match {
			files = append(files, corfs.FileInfo{
				Name: file,
				Size: int64(buf.Len()),
			})
		}
	}
	return files, nil
}

func (l *LocalCache) Stat(path string) (corfs.FileInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pool == nil {
		return corfs.FileInfo{}, ErrCacheClosed
	}

	buf, ok := l.pool[path]
	if !ok {
		return corfs.FileInfo{}, fmt.Errorf("file %s not availible", path)
	}
	return corfs.FileInfo{
		Name: path,
		Size: int64(buf.Len()),
	}, nil
}

func (l *LocalCache) OpenReader(path string, startAt int64) (io.ReadCloser, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pool == nil {
		return nil, ErrCacheClosed
	}

	buf, ok := l.pool[path]
	if !ok {
		return nil, fmt.Errorf("file %s not availible", path)
	}
	data := buf.Bytes()
	if startAt > int64(len(data)) {
		startAt = int64(len(data))
	}
	if startAt < 0 {
		startAt = 0
	}
	return ioutil.NopCloser(bytes.NewReader(data[startAt:])), nil
}

// OpenWriter appends to the file at path, creating it if needed.
func (l *LocalCache) OpenWriter(path string) (io.WriteCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool == nil {
		return nil, ErrCacheClosed
	}
	if l.size.Load() >= l.maxSize {
		return nil, fmt.Errorf("%w: %d of %d bytes used", ErrCacheFull, l.size.Load(), l.maxSize)
	}

	buf, ok := l.pool[path]
	if !ok {
		buf = bytes.NewBuffer([]byte{})
		l.pool[path] = buf
	}
	return &cacheWriter{buf, l}, nil
}

func (l *LocalCache) Delete(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool == nil {
		return ErrCacheClosed
	}

	buf, ok := l.pool[path]
	if !ok {
		return fmt.Errorf("file %s does not exist", path)
	}
	l.size.Sub(uint64(buf.Len()))
	delete(l.pool, path)
	return nil
}

func (l *LocalCache) Join(elem ...string) string {
	return strings.Join(elem, sep)
}

func (l *LocalCache) Split(path string) []string {
	return strings.Split(path, sep)
}

func (l *LocalCache) Init() error {
	return nil
}

func (l *LocalCache) Deploy() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool == nil {
		l.pool = make(map[string]*bytes.Buffer)
	}
	return nil
}

func (l *LocalCache) Undeploy() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.size.Store(0)
	l.pool = nil
	return nil
}

// Flush writes every cached file to fs, mapping the cache separator to fs paths.
func (l *LocalCache) Flush(fs corfs.FileSystem) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pool == nil {
		return ErrCacheClosed
	}

	var errs error
	for path, buf := range l.pool {
		w, err := fs.OpenWriter(fs.Join(l.Split(path)...))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		_, err = w.Write(buf.Bytes())
		errs = multierr.Append(errs, err)
		errs = multierr.Append(errs, w.Close())
	}
	return errs
}

func (l *LocalCache) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.size.Store(0)
	l.pool = make(map[string]*bytes.Buffer)
	return nil
}
