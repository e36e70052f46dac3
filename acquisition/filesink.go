package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// FileSink writes objects to a local directory, e.g. a mounted evidence share.
type FileSink struct {
	dir string
	log *slog.Logger
}

// NewFileSink creates a sink rooted at dir, creating it if needed.
func NewFileSink(dir string, log *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	return &FileSink{dir: dir, log: log}, nil
}

func (s *FileSink) path(object string) string {
	return filepath.Join(s.dir, object)
}

func (s *FileSink) CreateUpload(_ context.Context, object string) (Upload, error) {
	staging := s.path(object) + ".partial"
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return &fileUpload{f: f, staging: staging, final: s.path(object), log: s.log}, nil
}

// PutObject writes data to a temporary file and renames it into place.
func (s *FileSink) PutObject(_ context.Context, object string, data []byte) error {
	tmp := s.path(object) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, s.path(object)); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (s *FileSink) Open(_ context.Context, object string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(object))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrResourceNotFound, s.Location(object))
	}
	return f, err
}

func (s *FileSink) Delete(_ context.Context, object string) error {
	err := os.Remove(s.path(object))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileSink) Location(object string) string {
	return "file://" + s.path(object)
}

func (s *FileSink) Limits() PartLimits {
	return PartLimits{MinSize: 1}
}

type fileUpload struct {
	f       *os.File
	staging string
	final   string
	log     *slog.Logger
}

func (u *fileUpload) WritePart(_ context.Context, _ int, offset int64, data []byte) error {
	_, err := u.f.WriteAt(data, offset)
	return err
}

func (u *fileUpload) Complete(_ context.Context) error {
	if err := u.f.Sync(); err != nil {
		return err
	}
	if err := u.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(u.staging, u.final); err != nil {
		return fmt.Errorf("failed to rename image: %w", err)
	}
	u.log.Debug("Completed file upload", slog.String("path", u.final))
	return nil
}

func (u *fileUpload) Abort(_ context.Context) error {
	u.f.Close()
	err := os.Remove(u.staging)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (u *fileUpload) Resumable() bool {
	return true
}
