// Package storage keeps chain-of-custody records in content-addressed stores.
//
// A record is an opaque JSON document (an acquisition manifest, a volume copy
// result or an analysis instance handle) identified by the SHA-256 hash of its
// bytes. Records are namespaced by interfaces.RecordType and never change
// once written: storing the same document twice yields the same identifier,
// and a fetched record is re-hashed before it is returned.
//
// # Store URI Format
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - file:///var/lib/evidence/custody
//   - s3://bucket-name/prefix?region=us-west-2&profile=custody
//   - ipfs://ipfs.example.com:5001/evidence?timeout=30s
//   - vault://vault.example.com:8200/secret/evidence?tls=true
//
// Several locations can be combined with RecordStoreFactory.CreateMultiStore,
// which writes every record to each available store and reads from the first
// store holding it.
package storage
