// Package governance holds the runtime safety controls the engine leans on:
// a circuit breaker that lets the cache skip an unreachable shared tier, a
// keyed token bucket limiter behind the ratelimit handler, and the backoff
// schedule used when a handler asks for a retry.
package governance
