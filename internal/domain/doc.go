// Package domain defines the core relay types and contracts.
//
// Concept-oriented files (errors.go, connection.go, transport.go) hold shared types and
// the interfaces the relay core and its adapters agree on. No implementation code - just contracts.
package domain
