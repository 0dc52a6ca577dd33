// Package manifest manages the lifecycle of route manifests.
//
// A manifest is a JSON document published to S3 under its own SHA256
// hash, with the current hash advertised through an SSM parameter. It
// lists every route the server should expose: inline text payloads are
// registered directly, S3-backed payloads are registered as deferred
// producers that stream the object on first read.
//
// The core components are:
//   - [Loader]: fetches and verifies manifests from S3/SSM, optionally
//     checking a detached KMS signature
//   - [Applier]: diffs a manifest against the route table and applies
//     the adds, overwrites, and removals
//   - [Watcher]: polls SSM for hash changes and hot-swaps manifests
//
// Loading enforces a maximum manifest size and constant-time hash
// comparison before anything reaches the route table.
package manifest
