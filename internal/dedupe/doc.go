// ABOUTME: Package documentation for the dedupe cache.
// ABOUTME: Explains what the client dedupes and why.

// Package dedupe provides a TTL-based seen-key cache.
//
// The gateway client uses it in two places:
//
//   - resolved chat run ids, so late events for a run that already
//     resolved are recognized and dropped quietly instead of being logged
//     as unknown runs
//   - chat.message broadcast ids, so messages replayed by the gateway
//     after a reconnect are delivered to the host at most once
//
// Entries expire after a TTL and the cache is capped in size; pruning
// happens lazily on writes.
package dedupe
