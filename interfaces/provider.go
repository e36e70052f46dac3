package interfaces

import (
	"context"
	"time"
)

// Capabilities describes which cross-boundary primitives a provider offers.
type Capabilities struct {
	// NativeCrossBoundaryCopy is set when snapshots can be shared with another
	// account and copied to another region by the provider itself. Providers
	// without it move snapshot data through a transient container.
	NativeCrossBoundaryCopy bool
}

// CopySnapshotInput parameterizes BlockStorage.CopySnapshot. The copy is
// created in the region of the BlockStorage it is invoked on.
type CopySnapshotInput struct {
	SnapshotID   string
	SourceRegion string
	// KeyID re-encrypts the copy under the given key when set.
	KeyID string
	Tags  map[string]string
}

// CreateVolumeInput parameterizes BlockStorage.CreateVolume.
type CreateVolumeInput struct {
	SnapshotID string
	Zone       string
	Encrypted  bool
	// KeyID selects the key of the new volume; empty means the account default.
	KeyID       string
	ClientToken string
	Tags        map[string]string
}

// BlockStorage manages volumes and snapshots in one account and region.
type BlockStorage interface {
	// AccountID returns the provider account identifier behind the credentials.
	AccountID(ctx context.Context) (string, error)

	GetVolume(ctx context.Context, volumeID string) (*Volume, error)

	// FindSnapshot returns the snapshot tagged with the idempotency token, or nil.
	FindSnapshot(ctx context.Context, token string) (*Snapshot, error)
	CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error)
	CopySnapshot(ctx context.Context, in CopySnapshotInput) (*Snapshot, error)
	ShareSnapshot(ctx context.Context, snapshotID, accountID string) error
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	CreateVolume(ctx context.Context, in CreateVolumeInput) (*Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error

	// KeyShareable reports whether resources encrypted under keyID can be
	// handed to another account without re-encryption.
	KeyShareable(ctx context.Context, keyID string) (bool, error)
}

// KeyService manages customer managed encryption keys.
type KeyService interface {
	CreateKey(ctx context.Context, description string, tags map[string]string) (string, error)
	// GrantKey allows principal (an account id) to use the key.
	GrantKey(ctx context.Context, keyID, principal string) error
	RevokeKey(ctx context.Context, keyID, principal string) error
	// DeleteKey destroys the key. Providers may implement this as scheduled deletion.
	DeleteKey(ctx context.Context, keyID string) error
}

// ObjectStore manages transient storage containers.
type ObjectStore interface {
	CreateContainer(ctx context.Context, name string) error
	// DeleteContainer removes every object in the container and then the container.
	DeleteContainer(ctx context.Context, name string) error
	// IssueToken returns a URL granting time-bounded access to one object.
	IssueToken(ctx context.Context, container, object string, ttl time.Duration) (string, time.Time, error)
	RevokeToken(ctx context.Context, container, object string) error
}

// SnapshotTransfer stages snapshot data through a share token. It is only
// provided when Capabilities.NativeCrossBoundaryCopy is false.
type SnapshotTransfer interface {
	// ExportSnapshot writes the snapshot data to the token object (source side).
	ExportSnapshot(ctx context.Context, snapshotID string, token ShareToken) error
	// ImportSnapshot creates a snapshot from the token object (destination side).
	ImportSnapshot(ctx context.Context, token ShareToken, tags map[string]string) (*Snapshot, error)
}

// InstanceSpec parameterizes Compute.RunInstance.
type InstanceSpec struct {
	Name           string
	Zone           string
	ImageID        string
	CPUCores       int
	BootDiskSizeGB int64
	UserData       string
	ClientToken    string
	Tags           map[string]string
}

// Compute manages instances in one account and region.
type Compute interface {
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	// FindInstance returns the non-terminated instance with the given name, or nil.
	FindInstance(ctx context.Context, name string) (*Instance, error)
	RunInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)
	AttachVolume(ctx context.Context, instanceID, volumeID, device string) error
	// ConsoleOutput returns the boot diagnostics of the instance.
	ConsoleOutput(ctx context.Context, instanceID string) (string, error)
	TerminateInstance(ctx context.Context, instanceID string) error
}

// Provider bundles the collaborator APIs for one account and region.
type Provider struct {
	Kind         ProviderKind
	Region       string
	Capabilities Capabilities

	Storage  BlockStorage
	Keys     KeyService
	Objects  ObjectStore
	Transfer SnapshotTransfer
	Compute  Compute
}

// Connector opens a Provider for an account in a region.
type Connector interface {
	Connect(ctx context.Context, account Account, region string) (*Provider, error)
}
