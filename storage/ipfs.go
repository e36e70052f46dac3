package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// IPFSStore keeps records in the mutable file system of an IPFS node, under
// /<root>/<record type>/<id>. Writing a record also pins its content.
type IPFSStore struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore creates a store talking to the node API at host:port.
func NewIPFSStore(host, port, root string, timeout time.Duration, log *slog.Logger) *IPFSStore {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	root = "/" + strings.Trim(root, "/")

	return &IPFSStore{
		shell:       shell.NewShellWithClient(apiURL, &http.Client{Timeout: timeout}),
		host:        host,
		port:        port,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, root, timeout),
	}
}

// Fetch reads a record. Returns ErrBackendUnavailable if the node is down.
func (b *IPFSStore) Fetch(ctx context.Context, id interfaces.ContentID, recordType interfaces.RecordType) ([]byte, error) {
	start := time.Now()
	filePath, err := b.recordPath(id, recordType)
	if err != nil {
		return nil, err
	}

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, filePath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			b.log.Debug("Record not found in IPFS",
				slog.String("path", filePath),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("path", filePath),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if err := verifyRecord(id, data); err != nil {
		return nil, err
	}

	b.log.Debug("Fetched record from IPFS",
		slog.String("path", filePath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store writes a record and returns its content identifier.
func (b *IPFSStore) Store(ctx context.Context, data []byte, recordType interfaces.RecordType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath, err := b.recordPath(id, recordType)
	if err != nil {
		return id, err
	}

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}
	err = b.shell.FilesWrite(ctx, filePath, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write record to IPFS: %w", err)
	}

	b.log.Debug("Stored record in IPFS",
		slog.String("ipfsCID", cid),
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

func (b *IPFSStore) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

func (b *IPFSStore) LocationURI() string {
	return b.locationURI
}

func (b *IPFSStore) recordPath(id interfaces.ContentID, recordType interfaces.RecordType) (string, error) {
	dir, err := recordDir(recordType)
	if err != nil {
		return "", err
	}
	return path.Join(b.root, dir, id.String()), nil
}
