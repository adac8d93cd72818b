// Package fanout delivers stream events to every subscriber connection of a
// session.
//
// A Manager owns the connection table and the session index. Delivery is
// best-effort and independent per connection: a failing subscriber is
// counted and eventually dropped without delaying the others. Run drives the
// heartbeat and cleanup loops until its context is done.
package fanout
