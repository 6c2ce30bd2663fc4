package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/ws.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter. The events:<user_id> topic is always added automatically from
// the `user` query parameter so the dashboard receives its own event stream
// without listing it.
//
// Example connection URL:
//
//	ws://host/api/ws?user=<uuid>&topics=run:uuid1,worker:uuid2
type WSHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/ws. It builds the topic list, upgrades the
// connection and starts the client read/write pumps. The handler blocks
// until the connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user"))
	if err != nil {
		ErrBadRequest(w, "user query parameter must be a uuid")
		return
	}

	topics := resolveTopics(r, userID)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("user_id", userID.String()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("user_id", userID.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics builds the final topic list for a client connection: the
// user's own event channel plus any explicit topics from the `topics`
// query parameter (comma-separated). Unknown topic strings are harmless;
// the client simply never receives messages for them.
func resolveTopics(r *http.Request, userID uuid.UUID) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	add("events:" + userID.String())

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}

	return topics
}
