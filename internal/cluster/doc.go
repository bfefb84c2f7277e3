// Package cluster holds the pieces every process of the data plane shares:
// the static address book, JSON-over-HTTP request helpers and a health
// monitor for peers.
//
// # Address book
//
// Ranks are dense and start at 0. The book is loaded once at startup and is
// never mutated; a malformed book is a configuration error and the process
// exits.
//
//	{"0": "10.0.0.1:7000", "1": "10.0.0.2:7000"}
//
// # Requests
//
// PostJSON and GetJSON always run under a deadline. When the caller's context
// has none, DefaultTimeout applies, so a peer that stopped answering turns
// into an error instead of a hang.
//
// # Health monitoring
//
// HealthMonitor probes GET /health on every peer. After three consecutive
// failures the peer is marked unhealthy and the registered callback runs;
// store clients use it to cancel in-flight requests.
package cluster
