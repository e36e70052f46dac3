package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// Device is a source of known size, read at absolute offsets.
type Device interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type fileDevice struct {
	*os.File
	size int64
}

func (d *fileDevice) Size() int64 {
	return d.size
}

// OpenDevice opens a block device or image file read-only.
func OpenDevice(path string) (Device, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: device %s", interfaces.ErrResourceNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", interfaces.ErrAcquisitionIntegrity, path, err)
	}
	// Block devices report a zero Stat size; seeking to the end works for both.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: sizing %s: %w", interfaces.ErrAcquisitionIntegrity, path, err)
	}
	return &fileDevice{File: f, size: size}, nil
}

// ResolveDevice returns the first path matching a glob such as
// /dev/disk/by-id/nvme-Amazon_Elastic_Block_Store_vol0abc*. Paths without
// glob metacharacters are returned as is.
func ResolveDevice(pattern string) (string, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern, nil
	}
	devices, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: device pattern %q: %w", interfaces.ErrInvalidRequest, pattern, err)
	} else if len(devices) == 0 {
		return "", fmt.Errorf("%w: no devices matched %q", interfaces.ErrResourceNotFound, pattern)
	}
	return devices[0], nil
}

// SignalCompletion runs the completion command, typically a poweroff, so the
// caller can observe the terminal state from outside the instance.
func SignalCompletion(ctx context.Context, command []string, log *slog.Logger) error {
	if len(command) == 0 {
		return nil
	}
	log.Info("Signalling completion", slog.String("command", strings.Join(command, " ")))
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("completion command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
