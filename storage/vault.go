package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// VaultStore keeps records in a HashiCorp Vault KV v2 mount.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a store under mountPath/dataPath. The client is
// expected to carry its token, typically from VAULT_TOKEN.
func NewVaultStore(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultStore {
	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(client.Address(), "https://"), "http://"), mountPath, dataPath),
	}
}

func (b *VaultStore) secretPath(id interfaces.ContentID, recordType interfaces.RecordType) (string, error) {
	dir, err := recordDir(recordType)
	if err != nil {
		return "", err
	}
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/%s/%s", b.mountPath, dir, id), nil
	}
	return fmt.Sprintf("%s/data/%s/%s/%s", b.mountPath, b.dataPath, dir, id), nil
}

// Fetch reads a record through the KV v2 API.
func (b *VaultStore) Fetch(ctx context.Context, id interfaces.ContentID, recordType interfaces.RecordType) ([]byte, error) {
	start := time.Now()
	path, err := b.secretPath(id, recordType)
	if err != nil {
		return nil, err
	}

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		b.log.Debug("Record not found in Vault", slog.String("path", path))
		return nil, interfaces.ErrContentNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}
	if err := verifyRecord(id, []byte(content)); err != nil {
		return nil, err
	}

	b.log.Debug("Fetched record from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return []byte(content), nil
}

// Store writes a record through the KV v2 API.
func (b *VaultStore) Store(ctx context.Context, data []byte, recordType interfaces.RecordType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	path, err := b.secretPath(id, recordType)
	if err != nil {
		return id, err
	}

	_, err = b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": string(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return id, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Info("Stored record in Vault",
		slog.String("contentID", id.String()),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

func (b *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultStore) LocationURI() string {
	return b.locationURI
}
