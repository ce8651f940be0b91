// Package chathttp exposes rooms and chat over HTTP: a small JSON API to create
// and inspect rooms, and a WebSocket endpoint that carries chat messages.
//
// Routes
//
//	POST /api/rooms/create      create a room ({"expiryMinutes": n} optional)
//	POST /api/rooms             same as above
//	GET  /api/rooms/{roomID}    fetch a room, 404 once it has expired
//	GET  /api/schema/message    JSON Schema of the WebSocket message shape
//	GET  /ws                    WebSocket upgrade
//	GET  /healthz               200 when the room store answers
//
// Every WebSocket connection gets a buffered outbound queue drained by its own
// writer goroutine, so a slow reader never holds up delivery to others. The
// reader goroutine feeds frames to chat.Engine and runs the disconnect path
// when the socket goes away.
//
// Example:
//
//	h, _ := chathttp.NewHandler(mgr, engine, chathttp.WithLogger(log))
//	http.ListenAndServe(":8080", h)
package chathttp
