package handlers

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/console-relay/backend/internal/auth"
	"github.com/console-relay/backend/internal/session"
	"github.com/console-relay/backend/internal/ws"
)

// WebSocketHandler accepts browser connections and hands each one to the
// session manager.
type WebSocketHandler struct {
	sessionManager *session.Manager
	upgrader       *websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler accepting the given
// browser origins.
func NewWebSocketHandler(sessionManager *session.Manager, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		upgrader:       ws.NewUpgrader(allowedOrigins),
	}
}

// Connect handles GET /ws. Authentication happens after the upgrade so a
// failure reaches the browser as a close frame with the reason.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	credential := auth.CredentialFromRequest(c.Request)
	header := c.Request.Header.Clone()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	p, err := h.sessionManager.Serve(c.Request.Context(), raw, credential, header)
	if err != nil {
		log.Printf("Session %s: not started: %v", p.ID(), err)
		return
	}
	log.Printf("Session %s: relaying for user %s", p.ID(), p.UserID())
}

// RegisterRoutes registers the WebSocket route on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}
