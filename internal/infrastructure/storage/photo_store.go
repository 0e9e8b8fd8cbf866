package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"camstream/internal/core/domain"
	"camstream/pkg/validation"

	"go.uber.org/zap"
)

const (
	photoPrefix     = "photo_"
	photoTimeLayout = "20060102_150405"
	maxCollisions   = 1000
)

// FileStore keeps captured photos as flat files in one directory.
type FileStore struct {
	basePath string
	logger   *zap.SugaredLogger
}

func NewFileStore(basePath string, logger *zap.SugaredLogger) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create photos directory: %w", err)
	}
	return &FileStore{
		basePath: basePath,
		logger:   logger,
	}, nil
}

func (s *FileStore) Dir() string { return s.basePath }

// Save writes data under photo_YYYYMMDD_HHMMSS.jpg, adding _N when that
// name exists. Existing files are never overwritten.
func (s *FileStore) Save(ctx context.Context, capturedAt time.Time, data io.Reader) (*domain.Photo, error) {
	base := photoPrefix + capturedAt.Format(photoTimeLayout)

	var (
		file *os.File
		name string
		err  error
	)
	for n := 0; n < maxCollisions; n++ {
		name = base + ".jpg"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.jpg", base, n)
		}
		file, err = os.OpenFile(filepath.Join(s.basePath, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil || !errors.Is(err, fs.ErrExist) {
			break
		}
	}
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: no free filename for %s", domain.ErrResourceConflict, base)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create photo file: %w", err)
	}

	path := file.Name()
	size, err := io.Copy(file, data)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write photo data: %w", err)
	}

	return &domain.Photo{
		Filename:   name,
		Path:       path,
		Size:       size,
		CapturedAt: capturedAt,
	}, nil
}

// Open returns the photo contents. The caller closes the reader.
func (s *FileStore) Open(ctx context.Context, filename string) (io.ReadCloser, *domain.Photo, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, domain.ErrPhotoNotFound
		}
		return nil, nil, fmt.Errorf("failed to open photo: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat photo: %w", err)
	}
	return file, photoFromInfo(path, info), nil
}

// List returns stored photos, newest first.
func (s *FileStore) List(ctx context.Context) ([]*domain.Photo, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read photos directory: %w", err)
	}

	photos := make([]*domain.Photo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || validation.ValidatePhotoFilename(entry.Name()) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		photos = append(photos, photoFromInfo(filepath.Join(s.basePath, entry.Name()), info))
	}

	sort.Slice(photos, func(i, j int) bool {
		if !photos[i].CapturedAt.Equal(photos[j].CapturedAt) {
			return photos[i].CapturedAt.After(photos[j].CapturedAt)
		}
		return photos[i].Filename > photos[j].Filename
	})
	return photos, nil
}

func (s *FileStore) Delete(ctx context.Context, filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrPhotoNotFound
		}
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return nil
}

// Prune deletes the oldest photos so that at most keep remain.
func (s *FileStore) Prune(ctx context.Context, keep int) (int, error) {
	photos, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 0 || len(photos) <= keep {
		return 0, nil
	}

	removed := 0
	for _, p := range photos[keep:] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnw("failed to prune photo", "filename", p.Filename, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Infow("pruned old photos", "removed", removed, "kept", keep)
	}
	return removed, nil
}

// resolve validates filename and joins it to the base path.
func (s *FileStore) resolve(filename string) (string, error) {
	if err := validation.ValidatePhotoFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filename), nil
}

func photoFromInfo(path string, info fs.FileInfo) *domain.Photo {
	return &domain.Photo{
		Filename:   info.Name(),
		Path:       path,
		Size:       info.Size(),
		CapturedAt: info.ModTime(),
	}
}
