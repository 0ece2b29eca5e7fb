// Package status serves a read-only HTTP view of a running session.
//
// Endpoints:
//
//	GET /health        liveness, always 200
//	GET /ready         200 when the session is authenticated, 503 otherwise
//	GET /status        connection state, counters and build version
//	GET /prices        latest quote per streamed instrument
//	GET /prices?id=X   quote for one identifier, 404 if not streamed
package status
