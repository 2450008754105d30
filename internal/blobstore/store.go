// Package blobstore keeps post images on a filesystem keyed by image reference.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	ErrInvalidRef       = errors.New("blobstore: invalid image reference")
	ErrUnsupportedImage = errors.New("blobstore: unsupported image extension")
	ErrTooLarge         = errors.New("blobstore: image exceeds size limit")
	ErrEmptyImage       = errors.New("blobstore: image is empty")
	ErrNotFound         = errors.New("blobstore: image not found")
)

var refPattern = regexp.MustCompile(`^[0-9]+_[0-9a-fA-F-]{36}\.(jpg|jpeg|png|gif|webp)$`)

var allowedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Config configures a Store.
type Config struct {
	Fs       afero.Fs
	Dir      string
	MaxBytes int64
	Logger   *zap.Logger
}

// Store writes, opens and deletes image blobs under a single directory.
type Store struct {
	fs       afero.Fs
	dir      string
	maxBytes int64
	logger   *zap.Logger
}

// New creates the image directory if needed and returns a Store.
func New(cfg Config) (*Store, error) {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("blobstore: directory required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("blobstore: max bytes must be positive")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{fs: fs, dir: dir, maxBytes: cfg.MaxBytes, logger: logger}, nil
}

// NewImageRef returns a fresh reference "<ownerID>_<uuid><ext>" for an allowed extension.
func NewImageRef(ownerID int64, ext string) (string, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if _, ok := allowedExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedImage, ext)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(ownerID, 10) + "_" + id.String() + ext, nil
}

// ValidateRef rejects anything that is not a reference produced by NewImageRef.
func ValidateRef(ref string) error {
	if !refPattern.MatchString(ref) {
		return ErrInvalidRef
	}
	return nil
}

// ContentType maps a reference to its image MIME type.
func ContentType(ref string) string {
	if contentType, ok := allowedExtensions[strings.ToLower(path.Ext(ref))]; ok {
		return contentType
	}
	return "application/octet-stream"
}

// Write stores the content of r under ref. The blob becomes visible only once fully written.
func (s *Store) Write(ref string, r io.Reader) (int64, error) {
	if err := ValidateRef(ref); err != nil {
		return 0, err
	}
	tmp, err := afero.TempFile(s.fs, s.dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	written, copyErr := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		err = copyErr
	case closeErr != nil:
		err = closeErr
	case written > s.maxBytes:
		err = ErrTooLarge
	case written == 0:
		err = ErrEmptyImage
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, err
	}
	if err := s.fs.Rename(tmpName, s.pathFor(ref)); err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, err
	}
	s.logger.Debug("image stored", zap.String("image_ref", ref), zap.Int64("bytes", written))
	return written, nil
}

// Open returns the blob for ref and its size.
func (s *Store) Open(ref string) (afero.File, int64, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, 0, err
	}
	file, err := s.fs.Open(s.pathFor(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Delete removes the blob for ref. A missing blob is not an error.
func (s *Store) Delete(ref string) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	if err := s.fs.Remove(s.pathFor(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) pathFor(ref string) string {
	return path.Join(s.dir, ref)
}
