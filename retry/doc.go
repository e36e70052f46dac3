// Package retry runs remote calls under a bounded retry policy.
//
// Every remote call made by the copy orchestrator, the instance provisioner
// and the acquisition uploader goes through an Executor. Only operations the
// caller marks idempotent are repeated. Terminal conditions (not found,
// invalid request, authorization failures, source integrity errors) are
// returned after the first attempt. Retryable conditions are throttling,
// transient provider failures and network timeouts.
//
// When the attempt budget is exhausted the last error is returned wrapped in
// an *ExhaustedError, which matches interfaces.ErrTimeout.
package retry
