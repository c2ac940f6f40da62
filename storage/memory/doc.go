// Package memory provides in-process implementations of storage.TokenCache,
// storage.FlowStore and storage.SessionStore.
//
// Records live in sync.Map instances keyed per entry, so operations on
// different accounts never contend on a shared lock. Every write replaces
// the stored pointer with a freshly copied record; readers always receive
// copies. A background goroutine purges expired flows and sessions and
// abandoned token entries; call Stop to end it.
package memory
