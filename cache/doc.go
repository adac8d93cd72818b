// Package cache provides an in-memory TTL cache.
//
// The adapter registry keeps provider model lists here so discovery calls
// hit providers at most once per TTL.
package cache
