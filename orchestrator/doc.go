// Package orchestrator copies a volume, or the boot volume of an instance,
// into a destination account and zone.
//
// A copy runs the steps
//
//	resolve -> snapshot -> [re-encrypt] -> [share] -> [transfer] -> materialize -> cleanup
//
// strictly in sequence. Same-account, same-region copies skip the bracketed
// steps. Providers with native cross-boundary copy share and copy snapshots
// themselves (nativeSteps); other providers stage snapshot data through a
// sharebroker channel (stagedSteps).
//
// Every resource created by a step registers its release on a cleanup stack
// that runs on every exit path, on a fresh bounded context, so a cancelled or
// timed out copy still releases its intermediate snapshots, share tokens and
// ephemeral keys. Failures are returned as *CopyError naming the failed step,
// with cleanup failures attached as secondary information.
//
// Copies are idempotent on a token derived from the source reference, the
// destination account and the destination zone. Concurrent identical calls
// within a process share one execution; calls that reuse a token with
// different parameters fail with interfaces.ErrConflict.
package orchestrator
