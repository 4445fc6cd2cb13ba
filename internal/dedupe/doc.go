// Package dedupe provides a small TTL cache that remembers which stored
// message a client draft id was assigned to. A hit lets a retried send load
// the original message by primary key instead of attempting an insert; a
// miss falls through to the store's unique index.
package dedupe
