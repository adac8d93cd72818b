// Package stream defines the normalized event model shared by every provider
// stream and every subscriber connection.
//
// An Event is a tagged union: exactly one payload (token, final, meter, error
// or status) attributed to a single pane. Events serialize to a stable,
// self-describing wire shape:
//
//	{"type":"token","pane_id":"p1","timestamp":"2024-05-01T10:00:00Z","data":{"text":"Hel","position":0}}
//
// The Stream interface is the pull iterator that adapters return. Recv yields
// events in production order and returns io.EOF after the final event; Close
// cancels the producer and releases its transport.
package stream
