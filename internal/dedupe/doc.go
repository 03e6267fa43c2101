// Package dedupe remembers which message was stored for a client-supplied
// idempotency key, so a retried send within the TTL window returns the
// original message instead of creating a second one.
package dedupe
