package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// recordDirs maps record types to their namespace directory or key prefix.
var recordDirs = map[interfaces.RecordType]string{
	interfaces.ManifestRecord: "manifests",
	interfaces.CopyRecord:     "copies",
	interfaces.InstanceRecord: "instances",
}

func recordDir(recordType interfaces.RecordType) (string, error) {
	dir, ok := recordDirs[recordType]
	if !ok {
		return "", fmt.Errorf("%w: unsupported record type %v", interfaces.ErrInvalidRequest, recordType)
	}
	return dir, nil
}

// verifyRecord checks data against the identifier it was fetched by.
func verifyRecord(id interfaces.ContentID, data []byte) error {
	if got := interfaces.ComputeID(data); got != id {
		return fmt.Errorf("%w: record %s hashes to %s", interfaces.ErrRecordCorrupted, id, got)
	}
	return nil
}

// FileStore keeps records on the local file system, one directory per record type.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a store under baseDir, creating the record type
// directories if they don't exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	for _, dir := range recordDirs {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads a record. Returns ErrContentNotFound if the file doesn't exist.
func (b *FileStore) Fetch(ctx context.Context, id interfaces.ContentID, recordType interfaces.RecordType) ([]byte, error) {
	filePath, err := b.recordPath(id, recordType)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := verifyRecord(id, data); err != nil {
		b.log.Error("Custody record does not match its identifier", slog.String("path", filePath), "err", err)
		return nil, err
	}

	b.log.Debug("Fetched record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes a record and returns its content identifier. Records are
// written to a temporary file first so a reader never sees a partial record.
func (b *FileStore) Store(ctx context.Context, data []byte, recordType interfaces.RecordType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath, err := b.recordPath(id, recordType)
	if err != nil {
		return id, err
	}

	if _, err := os.Stat(filePath); err == nil {
		return id, nil
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o440); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return id, fmt.Errorf("failed to rename file: %w", err)
	}

	b.log.Debug("Stored record in file",
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

// Available checks that the base directory exists.
func (b *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileStore) LocationURI() string {
	return b.locationURI
}

func (b *FileStore) recordPath(id interfaces.ContentID, recordType interfaces.RecordType) (string, error) {
	dir, err := recordDir(recordType)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, dir, id.String()), nil
}
