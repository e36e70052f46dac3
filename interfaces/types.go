package interfaces

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ProviderKind selects the cloud implementation behind an Account.
type ProviderKind string

const (
	ProviderAWS    ProviderKind = "aws"
	ProviderMemory ProviderKind = "memory"
)

// Account is an opaque credential handle for one cloud account.
// Profile is interpreted by the provider (e.g. a shared credentials profile).
type Account struct {
	Provider ProviderKind `json:"provider" yaml:"provider"`
	Profile  string       `json:"profile,omitempty" yaml:"profile"`
}

// String returns a loggable representation of the account.
func (a Account) String() string {
	if a.Profile == "" {
		return string(a.Provider) + "/default"
	}
	return string(a.Provider) + "/" + a.Profile
}

// IsZero reports whether the account was left unset.
func (a Account) IsZero() bool {
	return a.Provider == "" && a.Profile == ""
}

// RegionOf returns the region a zone belongs to. Zones follow the
// "<region><letter>" convention (us-east-2b -> us-east-2); anything else is
// treated as a region on its own.
func RegionOf(zone string) string {
	if len(zone) < 2 {
		return zone
	}
	last := rune(zone[len(zone)-1])
	prev := rune(zone[len(zone)-2])
	if unicode.IsLetter(last) && unicode.IsDigit(prev) {
		return zone[:len(zone)-1]
	}
	return zone
}

// VolumeCopyRequest asks for a copy of a volume (or of an instance boot
// volume) into a destination account and zone.
type VolumeCopyRequest struct {
	Source          Account           `json:"source"`
	Destination     Account           `json:"destination"`
	SourceZone      string            `json:"source_zone"`
	DestinationZone string            `json:"destination_zone,omitempty"`
	VolumeID        string            `json:"volume_id,omitempty"`
	InstanceID      string            `json:"instance_id,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// WithDefaults fills the destination fields from the source ones.
func (r VolumeCopyRequest) WithDefaults() VolumeCopyRequest {
	if r.Destination.IsZero() {
		r.Destination = r.Source
	}
	if r.Destination.Provider == "" {
		r.Destination.Provider = r.Source.Provider
	}
	if r.DestinationZone == "" {
		r.DestinationZone = r.SourceZone
	}
	return r
}

// Validate checks the request invariants. It expects WithDefaults to have been applied.
func (r VolumeCopyRequest) Validate() error {
	if (r.VolumeID == "") == (r.InstanceID == "") {
		return fmt.Errorf("%w: exactly one of volume_id or instance_id must be set", ErrInvalidRequest)
	}
	if r.Source.Provider == "" {
		return fmt.Errorf("%w: source provider is required", ErrInvalidRequest)
	}
	if r.SourceZone == "" {
		return fmt.Errorf("%w: source zone is required", ErrInvalidRequest)
	}
	if r.Destination.Provider != r.Source.Provider {
		return fmt.Errorf("%w: cannot copy from %s to %s", ErrInvalidRequest, r.Source.Provider, r.Destination.Provider)
	}
	return nil
}

// SourceRef returns the reference the caller asked to copy.
func (r VolumeCopyRequest) SourceRef() string {
	if r.VolumeID != "" {
		return r.VolumeID
	}
	return r.InstanceID
}

// CrossRegion reports whether source and destination zones live in different regions.
func (r VolumeCopyRequest) CrossRegion() bool {
	return RegionOf(r.SourceZone) != RegionOf(r.DestinationZone)
}

// EncryptionState records how the destination volume is encrypted.
type EncryptionState string

const (
	EncryptionUnencrypted EncryptionState = "unencrypted"
	EncryptionInherited   EncryptionState = "inherited"
	EncryptionReEncrypted EncryptionState = "re-encrypted"
)

// VolumeCopyResult is the immutable outcome of a successful copy.
type VolumeCopyResult struct {
	VolumeID   string          `json:"volume_id"`
	AccountID  string          `json:"account_id"`
	Zone       string          `json:"zone"`
	Encryption EncryptionState `json:"encryption"`
	KeyID      string          `json:"key_id,omitempty"`
	SourceRef  string          `json:"source_ref"`
	Token      string          `json:"idempotency_token"`
}

// VolumeState mirrors the provider volume lifecycle.
type VolumeState string

const (
	VolumeCreating  VolumeState = "creating"
	VolumeAvailable VolumeState = "available"
	VolumeInUse     VolumeState = "in-use"
	VolumeDeleting  VolumeState = "deleting"
	VolumeDeleted   VolumeState = "deleted"
	VolumeError     VolumeState = "error"
)

// Stable reports whether the volume can be snapshotted.
func (s VolumeState) Stable() bool {
	return s == VolumeAvailable || s == VolumeInUse
}

// Volume describes a block volume.
type Volume struct {
	ID        string
	Zone      string
	SizeGB    int64
	State     VolumeState
	Encrypted bool
	KeyID     string
	Tags      map[string]string
}

// Snapshot describes a point-in-time snapshot of a volume.
type Snapshot struct {
	ID        string
	Region    string
	VolumeID  string
	Encrypted bool
	KeyID     string
	Tags      map[string]string
}

// InstanceState mirrors the provider instance lifecycle.
type InstanceState string

const (
	InstancePending    InstanceState = "pending"
	InstanceRunning    InstanceState = "running"
	InstanceStopping   InstanceState = "stopping"
	InstanceStopped    InstanceState = "stopped"
	InstanceTerminated InstanceState = "terminated"
)

// Instance describes a compute instance.
type Instance struct {
	ID           string
	Name         string
	Zone         string
	State        InstanceState
	BootVolumeID string
	// Devices maps device paths to attached volume IDs.
	Devices map[string]string
}

// KeyState is the lifecycle state of an EphemeralKey.
type KeyState string

const (
	KeyCreated KeyState = "created"
	KeyGranted KeyState = "granted"
	KeyRevoked KeyState = "revoked"
	KeyDeleted KeyState = "deleted"
)

// Outstanding reports whether a key in this state still needs revocation or deletion.
func (s KeyState) Outstanding() bool {
	return s == KeyCreated || s == KeyGranted || s == KeyRevoked
}

// EphemeralKey is a one-shot encryption key used for a single cross-account transfer.
type EphemeralKey struct {
	ID           string    `json:"id"`
	OwnerAccount string    `json:"owner_account"`
	Grants       []string  `json:"grants"`
	CreatedAt    time.Time `json:"created_at"`
	State        KeyState  `json:"state"`
}

// ShareToken is a time-bounded credential for one staged object.
type ShareToken struct {
	ID                 string    `json:"id"`
	Container          string    `json:"container"`
	Object             string    `json:"object"`
	URL                string    `json:"-"`
	SourceAccount      string    `json:"source_account"`
	DestinationAccount string    `json:"destination_account"`
	Region             string    `json:"region"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Expired reports whether the token validity window has passed.
func (t ShareToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// DigestAlgorithm names a digest computed during acquisition.
type DigestAlgorithm string

const (
	DigestMD5    DigestAlgorithm = "md5"
	DigestSHA1   DigestAlgorithm = "sha1"
	DigestSHA256 DigestAlgorithm = "sha256"
	DigestSHA512 DigestAlgorithm = "sha512"
	DigestSHA3   DigestAlgorithm = "sha3-256"
	DigestBLAKE3 DigestAlgorithm = "blake3"
)

// ParseDigestAlgorithms parses a comma separated algorithm list.
func ParseDigestAlgorithms(s string) ([]DigestAlgorithm, error) {
	var algs []DigestAlgorithm
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		switch alg := DigestAlgorithm(part); alg {
		case DigestMD5, DigestSHA1, DigestSHA256, DigestSHA512, DigestSHA3, DigestBLAKE3:
			algs = append(algs, alg)
		default:
			return nil, fmt.Errorf("%w: unknown digest algorithm %q", ErrInvalidRequest, part)
		}
	}
	if len(algs) == 0 {
		return nil, fmt.Errorf("%w: at least one digest algorithm is required", ErrInvalidRequest)
	}
	return algs, nil
}

// JobState is the lifecycle state of an AcquisitionJob.
type JobState string

const (
	JobPending   JobState = "pending"
	JobStreaming JobState = "streaming"
	JobVerified  JobState = "verified"
	JobFailed    JobState = "failed"
)

// AcquisitionJob describes one bit-level acquisition of a block device.
type AcquisitionJob struct {
	Device      string
	Destination string
	Algorithms  []DigestAlgorithm
	// Offset and Length select a byte range; Length 0 means up to the end of the device.
	Offset    int64
	Length    int64
	ChunkSize int
}

// AcquisitionManifest is the integrity record of a completed acquisition.
type AcquisitionManifest struct {
	Device      string                     `json:"device"`
	ImageObject string                     `json:"image_object"`
	Digests     map[DigestAlgorithm]string `json:"digests"`
	LogObjects  map[DigestAlgorithm]string `json:"log_objects"`
	Offset      int64                      `json:"offset"`
	TotalBytes  int64                      `json:"total_bytes"`
	StartedAt   time.Time                  `json:"started_at"`
	FinishedAt  time.Time                  `json:"finished_at"`
}

// Tags written on every resource created for an evidence copy.
const (
	// TagToken carries the idempotency token on the source snapshot and the
	// destination volume of a copy.
	TagToken = "evidence-token"
	// TagParentToken carries the idempotency token on intermediate snapshots.
	TagParentToken = "evidence-parent-token"
	// TagSource carries the reference the copy was requested for.
	TagSource = "evidence-source"
)
