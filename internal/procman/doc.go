// Package procman owns managed OS processes on one host.
//
// Ownership boundary:
// - the record registry and its pid index
//
// - spawning, stopping and reaping children
//
// - the installer handshake over the installer's stdin/stdout
//
// - the port pool and package activation
//
// Record lifecycle:
// - created -> (installing -> created) -> running -> stopping -> stopped
//
// - running -> failed on a non-zero unsolicited exit
//
// - destroy only when no OS process is alive
//
// Every method runs on the reactor goroutine. Child exits are observed by
// one waiter goroutine per child and handed back with reactor.Post.
package procman
