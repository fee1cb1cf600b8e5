// Package monitor serves the local status endpoint and the WebSocket attach
// front end.
//
// All routes are mounted on a chi router:
//
//	GET    /health
//	GET    /api/v1/stats
//	GET    /api/v1/logs?lines=N
//	GET    /api/v1/history?profile=&session_id=&event_type=&since=&limit=&offset=
//	GET    /api/v1/sessions
//	GET    /api/v1/sessions/{id}
//	DELETE /api/v1/sessions/{id}
//	POST   /api/v1/sessions/{id}/reconnect
//	GET    /api/v1/sessions/{id}/transitions
//	GET    /api/v1/sessions/{id}/events
//	GET    /api/v1/sessions/{id}/attach   (WebSocket)
//
// Any number of WebSocket viewers may attach to one session next to the
// launcher's own terminal. Their keystrokes go through the session's single
// input queue, so input from several front ends is serialised, never
// interleaved mid-event.
//
// # Log Prefixes
//
// The monitor logs at the [monitor] prefix.
package monitor
