// Package relay connects provider adapters to session subscribers.
//
// For each pane it resolves the adapter from a "provider:model" id, opens the
// stream through the resilient executor, checks that every event belongs to
// the pane and broadcasts it to the session. Run fans one conversation out
// to many panes at once.
package relay
