// Package locks provides Redis-backed leases used to keep scheduler replicas
// from running the same periodic job at the same time.
//
// A lease is a SET NX key with a TTL holding a random token; release only
// deletes the key while it still holds that token.
package locks
