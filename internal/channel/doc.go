// Package channel provides websocket message channels to agent servers.
//
// # Targets
//
// A Target names one logical endpoint: an agent and a session on a server.
// Its URL is
//
//	{protocol}://{host}:{port}{path}/chat/{agentId}/{sessionId}
//
// Regenerating the session ID therefore yields a fresh channel that can never
// observe traffic addressed to the previous session.
//
// # Conn
//
// Dial opens exactly one physical connection and starts a read loop that
// hands each text frame to the registered handlers in receipt order. Send
// JSON-encodes a payload and reports success as a bool; it never panics and
// returns false unless the connection is Open. Failures after opening move the
// connection to Failed and are exposed through Err() as a string. Nothing
// reconnects automatically.
//
// # Manager
//
// Manager keeps at most one connection per Role:
//
//   - Open(ctx, role, target, opts): close the role's old connection, then dial
//   - Get(role): current connection for a role
//   - Close(role) / CloseAll(): close and cancel in-flight dials
//
// A dial that completes after its role was closed or reopened is discarded
// with ErrSuperseded, so a slow handshake for an old session cannot replace
// the channel of a newer one.
package channel
