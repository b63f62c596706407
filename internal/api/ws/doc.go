// Package ws streams kernel events over WebSocket.
//
// A connection subscribes to the event bus and forwards every event it
// can keep up with; a slow client loses events for its own buffer only,
// never stalling the kernel. Frames are sonic-encoded JSON.
//
// Message Types (Client → Server):
//   - ping: keep-alive ping
//
// Message Types (Server → Client):
//   - system: connection established
//   - event: one kernel event (dispatch, block, wake, send, receive,
//     alloc, free, oom)
//   - pong: ping reply
//   - error: unrecognized client frame
//
// Example Usage:
//
//	handler := ws.NewHandler(kernel.Events(), metrics, logger)
//	router.GET("/stream", handler.HandleConnection)
package ws
