/*
Package httpserver implements the HTTP API of the evidence service.

It exposes the volume copy orchestrator and the analysis instance
provisioner to investigators and automation, and records every completed
operation as a chain-of-custody record.

# Endpoints

  - POST /api/v1/volume-copies - Copy a volume or an instance boot volume
  - POST /api/v1/analysis-instances - Start an analysis instance, returning initial SSH credentials
  - GET /api/v1/analysis-instances/{id}/ready?zone=&account=&timeout= - Wait for the bootstrap to finish
  - DELETE /api/v1/analysis-instances/{id}?zone=&account= - Terminate an analysis instance
  - GET /api/v1/custody/{type}/{id} - Fetch a custody record (type is manifest, copy or instance)
  - POST /api/v1/admin/sweep-keys - Release ephemeral keys leaked by interrupted copies
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Accounts in query parameters are either an alias from the accounts file
or "<provider>/<profile>".

# Errors

Failures are returned as {"error": "..."} with the status derived from the
error taxonomy:

	400 invalid request
	404 resource or record not found
	409 idempotency or attachment conflict
	423 key still in use
	502 provider failure or failed bootstrap
	503 no capacity or custody store unavailable
	504 retries exhausted, deadline passed or instance not ready in time

A copy that succeeded but could not release every intermediate resource is
returned with status 200 and the cleanup failure in "warnings".

# Metrics

Prometheus metrics are served on a separate listener (--metrics-addr).
*/
package httpserver
