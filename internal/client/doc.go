// Package client holds HTTP clients for services cruse talks to.
//
// ThreadClient speaks the gateway thread API and satisfies store.Store, so
// the chat orchestrator can persist to a shared gateway instead of a local
// database. Non-2xx responses become *APIError, which unwraps to
// store.ErrNotFound (404), store.ErrDuplicateThread (409) or ErrUnauthorized
// (401).
//
// Directory reads the agent server's GET {apiBase}/list endpoint and supplies
// the agent metadata sent during theme negotiation.
package client
