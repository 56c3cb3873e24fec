// Package gateway serves the cruse thread store over HTTP.
//
// # Overview
//
// The gateway owns a store.Store and exposes it as a small JSON API so that
// several chat sessions, possibly on different machines, share one history.
// The cruse chat command talks to it through internal/client when
// store.url is configured.
//
// # HTTP API
//
// All routes live under /api/v1/cruse:
//
//	POST   /threads                     {title, agent_name?}
//	GET    /threads?agent_name=X&limit=N
//	GET    /threads/{id}                thread with messages
//	PATCH  /threads/{id}                {title}
//	DELETE /threads/{id}
//	POST   /threads/{id}/messages       {sender, origin?, text, widget?, created_at?}
//	GET    /threads/{id}/messages?limit=100&offset=0
//	GET    /threads/{id}/export?format=md|html
//
// Errors are JSON objects of the form {"detail": "..."}; unknown threads
// answer 404 {"detail": "Thread not found"}.
//
// GET /health answers "OK" while the store is reachable.
//
// # Authentication
//
// When auth.jwt_secret is set, thread routes require an HS256 bearer token
// (see cruse token). /health stays open.
//
// # gRPC
//
// When server.grpc_addr is set the gateway also serves the standard
// grpc.health.v1 service, reporting SERVING for "" and HealthService until
// shutdown.
package gateway
