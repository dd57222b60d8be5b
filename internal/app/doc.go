// Package app holds the host-facing runtime of the keeper: the event hub the
// RPC stream drains, the process logger, and HostBridge, which turns
// notifier, ringer, call UI and lock requests into hub events for the host
// application to render.
//
// Nothing here speaks JSON-RPC or Socket.IO; adapters do.
package app
