// Package memory provides an in-memory implementation of the storage
// interfaces.
//
// This package implements TokenStore, ClientStore, and FlowStore using Go
// maps with mutex protection. It is suitable for development, testing, and
// single-instance deployments where persistence is not required; a restart
// drops all tokens and sessions, and clients recover by re-authorizing.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic take semantics for authorization codes and refresh tokens
//   - Lazy deletion of expired access tokens on read
//   - Background sweep of expired entries at a configurable interval
//   - Optional OpenTelemetry instrumentation via SetInstrumentation
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	server, _ := gate.NewServer(store, store, store, config, logger)
package memory
