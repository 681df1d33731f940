package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
)

const scopePattern = "upload-*"

// StorageInterface defines how we store files
type StorageInterface interface {
	NewScope() (*TempScope, error)
	Promote(tempPath, uploadID, filename string) (string, error)
	ReadFile(uploadID, filename string) (io.ReadCloser, error)
}

// FilesystemStorage stages uploads in temporary directories under tempRoot
// and, when basePath is set, keeps a durable copy of each upload in its own
// directory, basePath/<upload id>/<filename>.
type FilesystemStorage struct {
	basePath string // e.g., "./data/upload"; empty disables promotion
	tempRoot string // empty means os.TempDir()

	mu     sync.Mutex
	active map[string]struct{} // scope dirs not yet released
}

func NewFilesystemStorage(basePath, tempRoot string) (*FilesystemStorage, error) {
	if basePath != "" {
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("create upload dir %s: %w", basePath, err)
		}
	}
	if tempRoot != "" {
		if err := os.MkdirAll(tempRoot, 0o700); err != nil {
			return nil, fmt.Errorf("create temp root %s: %w", tempRoot, err)
		}
	}
	return &FilesystemStorage{
		basePath: basePath,
		tempRoot: tempRoot,
		active:   make(map[string]struct{}),
	}, nil
}

// Durable reports whether promoted copies are kept.
func (fs *FilesystemStorage) Durable() bool {
	return fs.basePath != ""
}

// SafeFilename reduces name to its final path element and rejects names
// that cannot be stored.
func SafeFilename(name string) (string, error) {
	cleaned := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	switch cleaned {
	case "", ".", "..", "/":
		return "", apperrors.NewValidationError("filename", name, "is not a valid file name")
	}
	if strings.HasPrefix(cleaned, ".") && strings.HasSuffix(cleaned, ".partial") {
		return "", apperrors.NewValidationError("filename", name, "is reserved")
	}
	return cleaned, nil
}

// TempScope is a temporary directory that holds one upload in flight.
type TempScope struct {
	dir   string
	owner *FilesystemStorage
}

// NewScope creates a fresh temporary directory. Callers must defer Release.
func (fs *FilesystemStorage) NewScope() (*TempScope, error) {
	dir, err := os.MkdirTemp(fs.tempRoot, scopePattern)
	if err != nil {
		return nil, apperrors.NewIOError("mkdir_temp", "failed to create temporary directory", err)
	}
	fs.mu.Lock()
	fs.active[filepath.Clean(dir)] = struct{}{}
	fs.mu.Unlock()
	return &TempScope{dir: dir, owner: fs}, nil
}

func (fs *FilesystemStorage) isActive(dir string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.active[filepath.Clean(dir)]
	return ok
}

func (s *TempScope) Dir() string {
	return s.dir
}

// Create opens filename inside the scope for writing.
func (s *TempScope) Create(filename string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(s.dir, filename), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, apperrors.NewIOError("create_temp", "failed to create temporary file", err)
	}
	return f, nil
}

// Release removes the directory and everything in it. It is safe to call
// more than once.
func (s *TempScope) Release() error {
	if s == nil || s.dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return apperrors.NewIOError("release_temp", "failed to remove temporary directory", err)
	}
	if s.owner != nil {
		s.owner.mu.Lock()
		delete(s.owner.active, filepath.Clean(s.dir))
		s.owner.mu.Unlock()
	}
	return nil
}

// Promote copies tempPath byte for byte into basePath/<uploadID>/<filename>
// and returns the final path. The copy is written to a uniquely named
// hidden partial file and renamed, so the final name only ever holds a
// complete file. Returns "" when promotion is disabled.
func (fs *FilesystemStorage) Promote(tempPath, uploadID, filename string) (string, error) {
	if !fs.Durable() {
		return "", nil
	}
	dirName, err := SafeFilename(uploadID)
	if err != nil || dirName != uploadID {
		return "", apperrors.NewValidationError("upload_id", uploadID, "is not a valid directory name")
	}

	src, err := os.Open(tempPath)
	if err != nil {
		return "", apperrors.NewIOError("promote_open", "failed to open staged upload", err)
	}
	defer src.Close()

	dir := filepath.Join(fs.basePath, dirName)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", apperrors.NewIOError("promote_mkdir", "failed to create upload directory", err)
	}
	finalPath := filepath.Join(dir, filename)

	dst, err := os.CreateTemp(dir, "."+filename+".*.partial")
	if err != nil {
		os.Remove(dir)
		return "", apperrors.NewIOError("promote_create", "failed to create upload file", err)
	}
	partialPath := dst.Name()
	fail := func(op, msg string, err error) (string, error) {
		os.RemoveAll(dir)
		return "", apperrors.NewIOError(op, msg, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fail("promote_copy", "failed to copy upload", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fail("promote_sync", "failed to flush upload", err)
	}
	if err := dst.Close(); err != nil {
		return fail("promote_close", "failed to close upload", err)
	}
	if err := os.Chmod(partialPath, 0o644); err != nil {
		return fail("promote_chmod", "failed to finalize upload", err)
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		return fail("promote_rename", "failed to finalize upload", err)
	}
	return finalPath, nil
}

// ReadFile opens the promoted copy of one upload.
func (fs *FilesystemStorage) ReadFile(uploadID, filename string) (io.ReadCloser, error) {
	dirName, err := SafeFilename(uploadID)
	if err != nil {
		return nil, err
	}
	if dirName != uploadID {
		return nil, apperrors.NewValidationError("upload_id", uploadID, "is not a valid directory name")
	}
	name, err := SafeFilename(filename)
	if err != nil {
		return nil, err
	}
	if name != filename {
		return nil, apperrors.NewValidationError("filename", filename, "is not a valid file name")
	}
	return os.Open(filepath.Join(fs.basePath, dirName, name))
}

// SweepStale removes upload scopes under the temp root that were last
// modified before cutoff and are not held by a live upload. It returns how
// many were removed. Without a dedicated temp root nothing is swept, since
// the shared system temp directory may hold other programs' files.
func (fs *FilesystemStorage) SweepStale(cutoff time.Time) (int, error) {
	if fs.tempRoot == "" {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(fs.tempRoot, scopePattern))
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.IsDir() || fs.isActive(dir) || !lastActivity(dir, info.ModTime()).Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// lastActivity is the newest modification time of dir and its entries. A
// file still being written keeps its scope alive.
func lastActivity(dir string, latest time.Time) time.Time {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return latest
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}
