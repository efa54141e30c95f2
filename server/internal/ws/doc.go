// Package ws implements the WebSocket hub for the extwatch server.
//
// Hub polls the history store every interval and, when a run it has not
// seen before appears, broadcasts a run event to every connected client and
// hands the same event to an optional callback (the alert engine).
//
// New(store, interval, onRun) creates a Hub.
// Hub.Run(ctx) starts the poll loop; it blocks until ctx is cancelled, then
// closes all active connections. The first poll treats the newest stored run
// as new.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket, sends the most
// recent run event immediately on connect, then streams later ones.
//
// Message format sent to clients:
//
//	{
//	  "event": "run",
//	  "data":  { "run": { /* RunInfo */ }, "trend": { /* TrendSummary */ } }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The server mounts the hub at /ws/stream.
package ws
