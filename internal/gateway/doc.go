// Package gateway runs the switchboard server.
//
// # Overview
//
// The Gateway owns the project store, the session registry, the event
// broadcaster, and one HTTP server. The server listens on a TCP address or,
// when tailscale is enabled, on port 80 of a tsnet node.
//
// # HTTP Surface
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (project store reachable)
//   - GET /api/state - Full registry snapshot as JSON
//   - GET /ws - Operator WebSocket channel
//   - POST /mcp/<token> - Tool endpoint for the running coordinator
//
// # Operator Channel
//
// On connect the server writes the snapshot events (sessions, questions,
// escalations, activity_log, chat_history, coordinator_status, projects),
// then every live event in registry order. Clients send commands as JSON
// objects with a "type" field:
//
//	{"type": "start_session", "project": "webapp", "path": "/src/webapp", "task": "..."}
//	{"type": "answer", "question_id": "...", "answers": {"Which?": "A"}}
//	{"type": "directive", "text": "...", "attachments": [{"media_type": "image/png", "data": "..."}]}
//
// Any command may carry a "request_id". A request_id seen within the dedupe
// window is ignored, which makes resending after a reconnect safe. Malformed,
// unknown, or failed commands are answered on the same connection with a
// command_error event and never affect other observers.
package gateway
