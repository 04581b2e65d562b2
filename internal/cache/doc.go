// Package cache defines the disk-backed response store used by the network
// interception layer. Entries live under StoragePath/responses/<namespace>/
// and are addressed by a hash of the request method and full URL, so the
// store never has to reason about URL path layout. Writes use temp file +
// rename; whole namespaces are dropped when a new version activates.
package cache
