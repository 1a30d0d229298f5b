// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/console-relay/backend/internal/auth"
	"github.com/console-relay/backend/internal/deploy"
	"github.com/console-relay/backend/internal/model"
	"github.com/console-relay/backend/internal/session"
	"github.com/console-relay/backend/internal/watcher"
)

// maxPollTimeout bounds the timeout a client may ask for on a long poll.
const maxPollTimeout = 5 * time.Minute

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
	pollTimeout    time.Duration
}

// NewSessionHandler creates a new SessionHandler. pollTimeout is used for
// change polls that do not ask for a timeout.
func NewSessionHandler(sessionManager *session.Manager, pollTimeout time.Duration) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		pollTimeout:    pollTimeout,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	UpstreamURL  string `json:"upstreamUrl"`
	Origin       string `json:"origin"`
	State        string `json:"state"`
	Live         bool   `json:"live"`
	CloseReason  string `json:"closeReason,omitempty"`
	MessagesUp   int64  `json:"messagesUp"`
	MessagesDown int64  `json:"messagesDown"`
	Transcript   bool   `json:"transcript"`
	Duration     string `json:"duration"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// ChangesResponse is one batch of watcher changes.
type ChangesResponse struct {
	Changes []watcher.Change `json:"changes"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	end := time.Now()
	if !s.State.IsLive() && !s.UpdatedAt.IsZero() {
		end = s.UpdatedAt
	}
	return &SessionResponse{
		ID:           s.ID,
		UserID:       s.UserID,
		UpstreamURL:  s.UpstreamURL,
		Origin:       s.Origin,
		State:        string(s.State),
		Live:         s.State.IsLive(),
		CloseReason:  s.CloseReason,
		MessagesUp:   s.MessagesUp,
		MessagesDown: s.MessagesDown,
		Transcript:   s.TranscriptPath != "",
		Duration:     formatDuration(end.Sub(s.CreatedAt)),
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// getUserID extracts the user ID set by AuthMiddleware.
func getUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendSessionError maps the errors session lookups share onto responses.
func sendSessionError(c *gin.Context, sessionID string, err error, action string) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
	case errors.Is(err, model.ErrForbidden):
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to session denied")
	case errors.Is(err, model.ErrSessionClosed):
		sendError(c, http.StatusConflict, "SESSION_NOT_RELAYING", "Session "+sessionID+" is not relaying")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to "+action+": "+err.Error())
	}
}

// List handles GET /api/sessions - lists the user's sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sessions, err := h.sessionManager.List(c.Request.Context(), getUserID(c), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSessionResponse(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.sessionManager.Session(c.Request.Context(), sessionID, getUserID(c))
	if err != nil {
		sendSessionError(c, sessionID, err, "get session")
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Delete handles DELETE /api/sessions/:id - closes a live session.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.sessionManager.Close(sessionID, getUserID(c), "closed by user"); err != nil {
		sendSessionError(c, sessionID, err, "close session")
		return
	}

	c.Status(http.StatusNoContent)
}

// Changes handles GET /api/sessions/:id/changes - long-polls the session's
// watcher for the listener's next batch.
func (h *SessionHandler) Changes(c *gin.Context) {
	sessionID := c.Param("id")

	timeout := h.pollTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "timeout must be a positive duration")
			return
		}
		timeout = min(d, maxPollTimeout)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	changes, err := h.sessionManager.Changes(ctx, sessionID, getUserID(c), c.Query("listener"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, ChangesResponse{Changes: changes})
	case errors.Is(err, model.ErrListenerRequired):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "listener is required")
	case errors.Is(err, watcher.ErrAlreadyWaiting):
		sendError(c, http.StatusConflict, "ALREADY_WAITING", "Listener "+c.Query("listener")+" is already waiting")
	case errors.Is(err, context.DeadlineExceeded):
		c.Status(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		sendSessionError(c, sessionID, err, "poll changes")
	}
}

// Deploy handles POST /api/sessions/:id/deploy - submits the request body as
// a deployment spec through the session's upstream link.
func (h *SessionHandler) Deploy(c *gin.Context) {
	sessionID := c.Param("id")

	spec, err := c.GetRawData()
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	result, err := h.sessionManager.Deploy(c.Request.Context(), sessionID, getUserID(c), spec)
	switch {
	case err == nil:
	case errors.Is(err, deploy.ErrEmptySpec):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		sendError(c, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "Deployment got no answer in time")
		return
	default:
		sendSessionError(c, sessionID, err, "deploy")
		return
	}

	if !result.OK {
		log.Printf("Session %s: deployment rejected: %s", sessionID, result.Error)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "DEPLOY_REJECTED",
				Message: result.Error,
			},
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Transcript handles GET /api/sessions/:id/transcript - downloads the
// session's frame transcript.
func (h *SessionHandler) Transcript(c *gin.Context) {
	sessionID := c.Param("id")

	path, err := h.sessionManager.Transcript(c.Request.Context(), sessionID, getUserID(c))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "TRANSCRIPT_NOT_FOUND", "Transcript not found for session "+sessionID)
			return
		}
		sendSessionError(c, sessionID, err, "get transcript")
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".jsonl")
	c.File(path)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
// The group must already run AuthMiddleware.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/changes", h.Changes)
		sessions.POST("/:id/deploy", h.Deploy)
		sessions.GET("/:id/transcript", h.Transcript)
	}
}

const userIDKey = "userID"

// AuthMiddleware authenticates the request credential and stores the user
// ID in the context.
func AuthMiddleware(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		desc, err := authenticator.Authenticate(c.Request.Context(), auth.CredentialFromRequest(c.Request))
		if err != nil {
			code := "UNAUTHORIZED"
			if errors.Is(err, auth.ErrExpiredCredential) {
				code = "TOKEN_EXPIRED"
			}
			sendError(c, http.StatusUnauthorized, code, err.Error())
			c.Abort()
			return
		}
		c.Set(userIDKey, desc.UserID)
		c.Next()
	}
}
