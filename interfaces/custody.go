package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is the SHA-256 hash of a custody record.
type ContentID [32]byte

// NewContentIDFromHex parses a 64 character hex string, with or without 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id ContentID
	copy(id[:], hashBytes)
	return id, nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// RecordType is the custody record namespace.
type RecordType int

const (
	// ManifestRecord holds an AcquisitionManifest.
	ManifestRecord RecordType = iota
	// CopyRecord holds a VolumeCopyResult.
	CopyRecord
	// InstanceRecord holds a provisioned analysis instance.
	InstanceRecord
)

// String returns type name.
func (rt RecordType) String() string {
	switch rt {
	case ManifestRecord:
		return "manifest"
	case CopyRecord:
		return "copy"
	case InstanceRecord:
		return "instance"
	default:
		return "unknown"
	}
}

// ParseRecordType is the inverse of RecordType.String.
func ParseRecordType(s string) (RecordType, error) {
	switch s {
	case "manifest":
		return ManifestRecord, nil
	case "copy":
		return CopyRecord, nil
	case "instance":
		return InstanceRecord, nil
	default:
		return 0, fmt.Errorf("%w: unknown record type %q", ErrInvalidRequest, s)
	}
}

// RecordStoreLocation represents URI for a custody record store.
type RecordStoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewRecordStoreLocation creates a new store location from a URI string with validation.
func NewRecordStoreLocation(uri string) (RecordStoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return RecordStoreLocation{}, fmt.Errorf("%w: %w", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return RecordStoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return RecordStoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc RecordStoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc RecordStoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc RecordStoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned when a record cannot be found in the store.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a record store is not accessible.
	ErrBackendUnavailable = errors.New("record store unavailable")

	// ErrRecordCorrupted is returned when a fetched record does not hash to its identifier.
	ErrRecordCorrupted = errors.New("custody record corrupted")

	// ErrInvalidLocationURI is returned when a store location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid record store location URI")
)

// RecordStore keeps content-addressed custody records.
type RecordStore interface {
	// Fetch retrieves a record by content ID and type.
	Fetch(ctx context.Context, id ContentID, recordType RecordType) ([]byte, error)

	// Store saves a record and returns its content ID.
	Store(ctx context.Context, data []byte, recordType RecordType) (ContentID, error)

	// Available checks if the store is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this store.
	LocationURI() string
}

// RecordStoreFactory creates record stores.
type RecordStoreFactory interface {
	// StoreFor creates a store from URI. Supports file://, s3://, ipfs://, vault://
	StoreFor(location RecordStoreLocation) (RecordStore, error)

	// CreateMultiStore creates an aggregated store that writes to every location.
	CreateMultiStore(locations []RecordStoreLocation) (RecordStore, error)
}
