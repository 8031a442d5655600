package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/bastionhq/bastiond/internal/authz"
	"github.com/bastionhq/bastiond/internal/bridge"
	"github.com/bastionhq/bastiond/internal/config"
	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/middleware"
	"github.com/bastionhq/bastiond/internal/registry"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// SessionRegistry is set from main.go during init.
var SessionRegistry *registry.Registry

// InitiateSession validates a connection request, checks authorization,
// allocates a session and returns the endpoint the client must open its
// websocket against. The SSH connection is opened only once the client
// actually connects, so abandoned initiations cost nothing but a
// registry entry swept later.
func InitiateSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	targetID, ok := urlParamUint(r, "targetId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid target ID")
		return
	}

	target, err := database.GetTarget(targetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve target")
		return
	}

	allowed, err := authz.CanConnect(user.ID, target.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Authorization check failed")
		return
	}
	if !allowed {
		log.Printf("SECURITY: user %d denied connection to target %d (%s/%s)", user.ID, target.ID, target.Site, target.Name)
		writeError(w, http.StatusForbidden, "Permission denied")
		return
	}

	sess := SessionRegistry.Create(target.ID, user.ID)
	log.Printf("Session %s initiated: user %d -> target %d (%s/%s)", sess.ID, user.ID, target.ID, target.Site, target.Name)

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID,
		"endpoint":   fmt.Sprintf("/ws/connect/%d/%s/", target.ID, sess.ID),
	})
}

// ConnectSession upgrades the transport connection and hands it to the
// bridge engine. The target and session identifiers must match a
// pending registry entry owned by the caller, or the connection is
// rejected and closed immediately.
func ConnectSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	targetID, ok := urlParamUint(r, "targetId")
	if !ok {
		http.Error(w, "Invalid target ID", http.StatusBadRequest)
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept session websocket: %v", err)
		return
	}

	sess, err := SessionRegistry.Claim(targetID, sessionID)
	if err != nil {
		clientConn.Close(4004, "Session not found")
		return
	}
	if sess.OwnerUserID != user.ID {
		// Claim already consumed the entry; drop it so the leaked
		// descriptor cannot be retried.
		SessionRegistry.Remove(sess.ID)
		clientConn.Close(4004, "Session not found")
		return
	}

	b := &bridge.Bridge{
		Session:        sess,
		Registry:       SessionRegistry,
		Vault:          Vault,
		ConnectTimeout: config.Cfg.SSHConnectTimeout,
	}
	b.Run(r.Context(), bridge.NewWebSocketTransport(clientConn))
}

// ListSessions returns a snapshot of the registry for the admin UI.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := SessionRegistry.List()

	type sessionResponse struct {
		ID        string `json:"id"`
		TargetID  uint   `json:"target_id"`
		UserID    uint   `json:"user_id"`
		State     string `json:"state"`
		CreatedAt string `json:"created_at"`
	}

	resp := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = sessionResponse{
			ID:        s.ID,
			TargetID:  s.TargetID,
			UserID:    s.OwnerUserID,
			State:     string(s.State()),
			CreatedAt: s.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": resp})
}
