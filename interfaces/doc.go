// Package interfaces defines the data model, the cloud collaborator contracts
// and the error taxonomy shared by the evidence replication components.
//
// # Data Model
//
// VolumeCopyRequest and VolumeCopyResult describe one evidence copy between
// accounts, regions or zones. EphemeralKey and ShareToken are the two
// short-lived security resources created while a copy is in flight.
// AcquisitionJob and AcquisitionManifest describe a bit-level acquisition of a
// block device onto object storage.
//
// # Collaborators
//
// Provider bundles the per-account, per-region collaborator APIs:
//
//   - BlockStorage: volumes and snapshots
//   - KeyService: customer managed encryption keys
//   - ObjectStore: transient containers and time-bounded access tokens
//   - SnapshotTransfer: export/import of snapshot data through a container
//   - Compute: instances, attachments and boot diagnostics
//
// A Connector turns an opaque Account handle plus a region into a Provider.
//
// # Errors
//
// Every failure surfaced by the core is classified by one of the sentinel
// errors in this package (ErrInvalidRequest, ErrResourceNotFound, ErrProvider,
// ErrKeyInUse, ErrTimeout, ErrProvisionTimeout, ErrAcquisitionIntegrity, ...).
// Remote failures are carried by *ProviderError which records whether the
// failure is worth retrying.
//
// # Custody Records
//
// RecordStore provides content-addressed storage for chain-of-custody records
// (acquisition manifests, copy results, instance handles) across pluggable
// backends.
package interfaces
