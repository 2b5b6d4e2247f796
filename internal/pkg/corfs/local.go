package corfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// LocalFileSystem provides a FileSystem backed by a local (or in-memory) afero filesystem
type LocalFileSystem struct {
	fs afero.Fs
}

// NewMemFileSystem returns a LocalFileSystem that keeps all files in memory.
func NewMemFileSystem() *LocalFileSystem {
	return &LocalFileSystem{fs: afero.NewMemMapFs()}
}

// Init initializes the filesystem.
func (l *LocalFileSystem) Init() error {
	if l.fs == nil {
		l.fs = afero.NewOsFs()
	}
	return nil
}

// ListFiles lists files that match pathGlob. Matched directories are listed recursively.
func (l *LocalFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	globbedFiles, err := afero.Glob(l.fs, pathGlob)
	if err != nil {
		return nil, err
	}

	matchedFiles := make([]FileInfo, 0, len(globbedFiles))
	for _, file := range globbedFiles {
		fInfo, err := l.fs.Stat(file)
		if err != nil {
			continue
		}
		if !fInfo.IsDir() {
			matchedFiles = append(matchedFiles, FileInfo{Name: file, Size: fInfo.Size()})
			continue
		}

		err = afero.Walk(l.fs, file, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				matchedFiles = append(matchedFiles, FileInfo{Name: path, Size: info.Size()})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(matchedFiles, func(i, j int) bool {
		return matchedFiles[i].Name < matchedFiles[j].Name
	})
	return matchedFiles, nil
}

// OpenReader opens a reader to the file at filePath. The reader
// is initially seeked to "startAt" bytes into the file.
func (l *LocalFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	file, err := l.fs.Open(filePath)
	if err != nil {
		return nil, err
	}
	if startAt > 0 {
		if _, err = file.Seek(startAt, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

// OpenWriter opens a writer to the file at filePath, creating missing directories.
func (l *LocalFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := l.fs.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return l.fs.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// Stat returns information about the file at filePath.
func (l *LocalFileSystem) Stat(filePath string) (FileInfo, error) {
	fInfo, err := l.fs.Stat(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: filePath, Size: fInfo.Size()}, nil
}

// Delete deletes the file at filePath.
func (l *LocalFileSystem) Delete(filePath string) error {
	return l.fs.Remove(filePath)
}

// Join joins file path elements
func (l *LocalFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}
