// Package util provides small helpers shared across the mcp-gate library.
//
// These utilities handle string manipulation and formatting operations that
// don't fit into domain-specific packages, most notably safe truncation of
// secrets for logging.
package util
