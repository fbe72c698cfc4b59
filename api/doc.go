// Package api provides the request and response types for the CostGuard
// sidecar HTTP API.
//
// # API Overview
//
// CostGuard exposes the guard's run lifecycle hooks over HTTP so that
// non-Go agent runtimes can participate in cost admission and adaptive
// routing:
//   - Run lifecycle hooks (admit, iteration, model, tool, end)
//   - Budget usage queries
//   - Policy reload
//   - Health monitoring and metrics
//
// # Authentication
//
// When authentication is enabled, endpoints require either the X-API-Key
// header or an Authorization: Bearer JWT, depending on configuration:
//
//	X-API-Key: your-api-key
//
// Health, readiness, version, and metrics endpoints are always exempt.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Hook Endpoints
//
// All hook endpoints accept POST with a JSON body and respond with the
// guard's decision wrapped in the standard response envelope:
//
//	POST /v1/hooks/admit
//	POST /v1/hooks/before_iteration
//	POST /v1/hooks/after_iteration
//	POST /v1/hooks/before_model
//	POST /v1/hooks/after_model
//	POST /v1/hooks/before_tool
//	POST /v1/hooks/after_tool
//	POST /v1/hooks/end
//
// A decision is data, not an error: a rejecting or halting decision is
// returned with HTTP 200. Non-2xx statuses indicate malformed requests
// or daemon-side failures.
package api
