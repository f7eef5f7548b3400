// Package cache implements the three tier cache behind the @cache operators
// and the cache handler.
//
// L1 is a bounded in-process LRU with per-entry expiry. L2 is a shared
// remote backend (Redis in production) reached through a circuit breaker so
// an unreachable L2 degrades to a fall-through instead of a stall. L3 is the
// authoritative store. Reads go top down and populate the tiers above the
// one that answered; writes go top down to the requested depth, either
// synchronously or with the authoritative write queued (write-behind).
package cache
