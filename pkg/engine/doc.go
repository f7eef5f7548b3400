// Package engine runs compiled directive tables.
//
// Architecture:
//
// store.go            - Atomic table snapshots with generation numbers and subscribers
// executor.go         - Pipeline executor (ordering, deadlines, retries, failure policies)
// handler_registry.go - Named handlers and their aliases, validated against a table
// reload.go           - Compile-and-swap of directive sources, all or nothing
// watcher.go          - fsnotify driven reloads of a source file or directory
// scheduler.go        - Cron directives scheduled from the live table
// http_handler.go     - HTTP surface routing requests to route and api directives
// engine_factory.go   - Service wiring every component from configuration
//
// Built-in handlers live in the handlers subpackage; the handler contract and
// outcomes live in runtime.
package engine
