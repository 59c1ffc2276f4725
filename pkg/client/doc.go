// Package client is a Go client for the engine's JSON/HTTP API. Server
// error kinds survive the round trip, so callers can branch with the
// errdefs predicates exactly as they would in-process.
package client
