// Package aws implements the provider collaborator interfaces on top of
// aws-sdk-go: EBS volumes and snapshots through EC2, ephemeral keys through
// KMS, share containers through S3 and analysis instances through EC2.
//
// AWS copies snapshots across accounts and regions natively, so providers
// created here advertise NativeCrossBoundaryCopy and have no
// SnapshotTransfer.
//
// Every SDK error is converted by WrapError into an
// *interfaces.ProviderError carrying the matching sentinel error.
package aws
