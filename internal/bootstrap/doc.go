// Package bootstrap provisions a remote agent over a plain shell before the
// RPC protocol is reachable there.
//
// Ownership boundary:
// - shell transports (ssh session, local sh)
// - marker-delimited command exchange with bounded waits
// - arch detection, directory setup, binary transfer, launch, liveness probe
package bootstrap
