// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the origin registry that maps request paths to the static or audio
// origin. Proxy handlers and management routes live in sibling packages and
// are injected through AppOptions, so keep exports narrow and accept explicit
// dependencies.
package server
