// Package kms manages ephemeral encryption keys used for cross-account
// evidence transfers.
//
// An ephemeral key is created for exactly one copy operation, granted to the
// destination principal, and revoked and deleted before the operation
// returns. Keys are never cached or reused, even for the same account pair.
//
// The Manager is the only component allowed to grant or delete ephemeral keys:
//
//	key, err := m.CreateAndGrant(ctx, ownerAccount, destinationAccount)
//	...
//	m.Track(key, snapshotID)   // snapshot encrypted under key
//	m.Release(key, snapshotID) // snapshot re-encrypted downstream or deleted
//	err = m.Dispose(ctx, key)  // revoke + delete
//
// Delete fails with interfaces.ErrKeyInUse while tracked resources still
// reference the key. A key transitions to Deleted exactly once; further
// Delete calls are no-ops.
//
// Every state transition is written to a KeyLedger. The ledger outlives the
// process (see OpenLedger for the sqlite and mysql backends) so keys left
// behind by a crashed process can be destroyed with SweepOutstanding.
package kms
