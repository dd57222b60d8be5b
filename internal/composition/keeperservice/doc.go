// Package keeperservice owns one keeper process: it builds the owner loop,
// the connection manager, the event router, the call machine, the
// notification presenter, the resource guard and the keep-alive ticker, and
// exposes them to the host through contracts.KeeperService.
//
// Responsibilities:
// - Wire components together and hand host commands off to the owner loop.
// - Translate component results into categorized errors and hub events.
//
// Non-responsibilities:
// - Transport framing (internal/realtime/socketio).
// - JSON-RPC decoding and authorization (internal/adapters/rpc).
package keeperservice
