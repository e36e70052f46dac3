package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/vault/api"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	awsprovider "github.com/ruteri/cloud-evidence-backend/providers/aws"
)

// RecordStoreFactory creates record stores from location URIs.
type RecordStoreFactory struct {
	log *slog.Logger
}

// NewRecordStoreFactory creates a new factory.
func NewRecordStoreFactory(log *slog.Logger) *RecordStoreFactory {
	return &RecordStoreFactory{log: log}
}

// StoreFor creates a record store from a location.
//
// Supported schemes:
//   - file:///var/lib/evidence/records
//   - s3://bucket/prefix?region=us-east-1&profile=custody&endpoint=http://localhost:9000
//   - ipfs://localhost:5001/evidence?timeout=30s
//   - vault://vault.example.com:8200/secret/evidence?tls_cert=/etc/cert.pem&tls_key=/etc/key.pem
func (sf *RecordStoreFactory) StoreFor(location interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating record store", slog.String("uri", location.String()))

	switch strings.ToLower(location.Scheme) {
	case "file":
		return sf.createFileStore(location)
	case "s3":
		return sf.createS3Store(location)
	case "ipfs":
		return sf.createIPFSStore(location)
	case "vault":
		return sf.createVaultStore(location)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiStore aggregates every location that yields a valid store.
// Returns an error if none does.
func (sf *RecordStoreFactory) CreateMultiStore(locations []interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	stores := make([]interfaces.RecordStore, 0, len(locations))

	for _, location := range locations {
		store, err := sf.StoreFor(location)
		if err != nil {
			sf.log.Warn("Failed to create record store",
				"err", err,
				slog.String("locationURI", location.String()))
			continue
		}
		stores = append(stores, store)
	}

	if len(stores) == 0 {
		return nil, fmt.Errorf("%w: no valid record stores created", interfaces.ErrInvalidLocationURI)
	}

	return NewMultiRecordStore(stores, sf.log), nil
}

func (sf *RecordStoreFactory) createFileStore(location interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, location)
	}
	return NewFileStore(path, sf.log)
}

func (sf *RecordStoreFactory) createS3Store(location interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, location)
	}
	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	sess, err := awsprovider.NewSession(awsprovider.SessionOptions{
		Profile:  location.GetParam("profile"),
		Region:   region,
		Endpoint: location.GetParam("endpoint"),
	})
	if err != nil {
		return nil, err
	}

	return NewS3Store(s3.New(sess), location.Host, location.Path, location.String(), sf.log), nil
}

func (sf *RecordStoreFactory) createIPFSStore(location interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	host, port, found := strings.Cut(location.Host, ":")
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", interfaces.ErrInvalidLocationURI, location)
	}
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := location.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout: %w", interfaces.ErrInvalidLocationURI, err)
		}
		timeout = parsed
	}

	return NewIPFSStore(host, port, location.Path, timeout, sf.log), nil
}

func (sf *RecordStoreFactory) createVaultStore(location interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	parts := strings.SplitN(strings.Trim(location.Path, "/"), "/", 2)
	if location.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: vault location needs host and mount path", interfaces.ErrInvalidLocationURI)
	}
	mountPath := parts[0]
	dataPath := ""
	if len(parts) > 1 {
		dataPath = parts[1]
	}

	scheme := "https"
	if location.GetParamBool("insecure") {
		scheme = "http"
	}

	config := api.DefaultConfig()
	config.Address = fmt.Sprintf("%s://%s", scheme, location.Host)

	certPath, keyPath := location.GetParam("tls_cert"), location.GetParam("tls_key")
	if certPath != "" || keyPath != "" {
		if err := config.ConfigureTLS(&api.TLSConfig{
			ClientCert: certPath,
			ClientKey:  keyPath,
			CACert:     location.GetParam("tls_ca"),
		}); err != nil {
			return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	return NewVaultStore(client, mountPath, dataPath, sf.log), nil
}
