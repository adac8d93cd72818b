// Package adapter defines the provider capability the relay streams from.
//
// An Adapter turns a conversation into a stream of normalized events for one
// pane and lists the models it serves. A Registry holds adapters by provider
// name and caches their model lists.
package adapter
