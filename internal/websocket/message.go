// Package websocket implements the real-time pub/sub hub that pushes backup
// events to connected dashboard clients. It uses gorilla/websocket under the
// hood and exposes a topic-based broadcast API consumed by the notification
// service and the API handlers.
//
// Topic naming convention:
//
//	events:<user_id>  backup events for a user
//	run:<uuid>        status updates for a specific run
//	worker:<uuid>     liveness transitions for a worker
package websocket

// MessageType identifies the kind of event carried by a Message. Clients
// dispatch on this field.
type MessageType string

const (
	// MsgEvent is sent when a new backup event is recorded for the
	// subscribed user.
	MsgEvent MessageType = "event"

	// MsgRunStatus is sent when a run transitions between states
	// (pending → running → success | failed).
	MsgRunStatus MessageType = "run.status"

	// MsgWorkerStatus is sent when a worker's liveness classification
	// changes (online, degraded, offline).
	MsgWorkerStatus MessageType = "worker.status"

	// MsgPing keeps the connection alive and lets clients detect stale
	// connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"event","topic":"events:018f...","payload":{"message":"Backup completed"}}
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}
