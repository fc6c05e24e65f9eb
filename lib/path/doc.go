// Package path builds and maintains the client's onion paths.
//
// A path is an ordered list of distinct snodes; index 0 is the guard, the
// only hop the client talks to directly. Guards are tested with a stats
// request before use. Paths are persisted through the route store so a
// restarted client reuses them.
//
// Failures are reported back by the request executor. A failing guard
// discards its path at once, a downstream failure only degrades it, and a
// snode that keeps failing is swapped for an unused one.
package path
