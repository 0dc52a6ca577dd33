// Package router maintains the in-memory route table: a mapping from
// normalized paths to content payloads, each served on demand as a
// lazily evaluated, single-use byte stream.
//
// Payloads are a closed variant (bytes, text, JSON object, deferred
// producer, streaming source) fixed at construction. Get returns a
// fresh [Stream] per call; a deferred producer is invoked at most once
// per Stream, on the first Read. Set and Remove notify registered
// watchers synchronously after the table write completes, which the
// HTTP layer and metrics use for cache invalidation and gauges.
package router
