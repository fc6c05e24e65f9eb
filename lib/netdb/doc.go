// Package netdb maintains the client's view of the service node network: the
// snode pool that paths and swarm lookups draw from, how it is refreshed from
// seed nodes or from the network itself, and per-snode failure tracking.
//
// # Snode Pool
//
// The pool is loaded from the route store at startup and refreshed when it
// holds fewer than the minimum number of snodes or is older than the refresh
// interval. A large enough pool is refreshed by asking three random members
// and keeping the snodes all three agree on; a small one goes to the seed
// nodes. Concurrent refreshes share one in-flight fetch.
//
// # Thread Safety
//
// SnodePool and PeerTracker are safe for concurrent use.
//
// # Usage Example
//
//	pool := netdb.NewSnodePool(routeStore, netdb.DefaultPoolConfig())
//	pool.SetRefresher(netdb.NewSeedRefresher(httpClient, netdb.DefaultSeedNodes))
//	if err := pool.Load(ctx); err != nil {
//	    log.Warn(err)
//	}
//	snodes, err := pool.Snodes(ctx)
package netdb
