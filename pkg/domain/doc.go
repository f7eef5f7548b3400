// Package domain holds the types every layer of the directive runtime
// shares: values and their types, expressions, compiled directives, the
// per-invocation execution context, error kinds and the capability
// interfaces (cache backends, authorities, query executors, secret
// providers, audit sinks) that infrastructure packages implement.
//
// It imports only the standard library. Packages such as operators,
// directive, cache, storage and engine depend on domain, never the reverse.
package domain
