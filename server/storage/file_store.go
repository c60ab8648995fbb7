package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("violation image not found")
	ErrInvalidName = errors.New("invalid violation file name")
)

const (
	filePrefix = "violation_"
	fileExt    = ".jpg"
)

// FileStore writes violation snapshots as violation_<unix>.jpg under one directory.
// Two saves in the same second get a short random suffix instead of overwriting.
type FileStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
	suffix func() string
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("violations directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create violations directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		suffix: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes data and returns the file name (not the full path) and the timestamp
// encoded in it.
func (s *FileStore) Save(data []byte) (string, time.Time, error) {
	at := s.now()
	name := fmt.Sprintf("%s%d%s", filePrefix, at.Unix(), fileExt)

	err := s.writeExclusive(name, data)
	if errors.Is(err, os.ErrExist) {
		name = fmt.Sprintf("%s%d_%s%s", filePrefix, at.Unix(), s.suffix(), fileExt)
		s.logger.Debug("Violation file name taken, using suffix", zap.String("file", name))
		err = s.writeExclusive(name, data)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to save violation image: %w", err)
	}
	return name, at, nil
}

func (s *FileStore) writeExclusive(name string, data []byte) error {
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	return f.Close()
}

// Path resolves a stored file name to its full path. Names that are not plain
// violation_*.jpg files are rejected.
func (s *FileStore) Path(name string) (string, error) {
	if !ValidName(name) {
		return "", ErrInvalidName
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

// List returns stored file names, newest first.
func (s *FileStore) List(limit int) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read violations directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

func ValidName(name string) bool {
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return false
	}
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt) && len(name) > len(filePrefix)+len(fileExt)
}
