// Package memoryhost provides an in-memory rooms.Host implementation suitable
// for tests, development, and single-process servers. All state is ephemeral and
// discarded on process exit. Several rooms.Manager instances sharing one Host
// behave like several server processes sharing one store, which is how the
// relay path is exercised without a network.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Expiry            : lazy on access plus a periodic sweep
//	Pub/sub ordering  : per subscription FIFO
//	Concurrency       : safe (one RWMutex over keys, one over subscriptions)
//
// Example:
//
//	host := memoryhost.New()
//	defer host.Close()
//	mgr, _ := rooms.NewManager(host)
//
// For multi-node deployments use redishost.
package memoryhost
