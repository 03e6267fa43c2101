// Package api exposes conversations and messages over HTTP/JSON.
//
// All /api routes require a bearer token (see package auth); the caller's id is
// the acting user for every operation. Domain errors map to statuses:
//
//	NOT_FOUND            404
//	NOT_A_PARTICIPANT    403
//	INVALID_PARTICIPANT  409
//	VALIDATION           400
//
// Other failures are 500 with no detail. Error bodies are {"error", "code"}.
//
// GET /api/events streams notification events for the caller as server-sent
// events, one frame per event with the event type as the SSE event name.
package api
