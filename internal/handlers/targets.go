package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bastionhq/bastiond/internal/authz"
	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/middleware"
	"gorm.io/gorm"
)

type createTargetRequest struct {
	Site          string `json:"site"`
	Name          string `json:"name"`
	ConnectUser   string `json:"connect_user"`
	Host          string `json:"host"`
	CredentialID  uint   `json:"credential_id"`
	ProxyTargetID *uint  `json:"proxy_target_id,omitempty"`
}

// ListTargets returns every target for admins, and the permitted set
// for everyone else.
func ListTargets(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	if user.Role == "admin" {
		targets, err := database.ListTargets()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list targets")
			return
		}
		writeJSON(w, http.StatusOK, targets)
		return
	}

	targets, err := authz.PermittedTargets(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list targets")
		return
	}
	if targets == nil {
		targets = []database.Target{}
	}
	writeJSON(w, http.StatusOK, targets)
}

func CreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Site == "" || req.Name == "" || req.ConnectUser == "" || req.Host == "" || req.CredentialID == 0 {
		writeError(w, http.StatusBadRequest, "site, name, connect_user, host and credential_id are required")
		return
	}

	if _, err := database.GetCredential(req.CredentialID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusBadRequest, "Referenced credential does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve credential")
		return
	}

	var count int64
	database.DB.Model(&database.Target{}).Where("site = ? AND name = ?", req.Site, req.Name).Count(&count)
	if count > 0 {
		writeError(w, http.StatusConflict, "A target with this site and name already exists")
		return
	}

	target := database.Target{
		Site:          req.Site,
		Name:          req.Name,
		ConnectUser:   req.ConnectUser,
		Host:          req.Host,
		CredentialID:  req.CredentialID,
		ProxyTargetID: req.ProxyTargetID,
	}
	if err := database.DB.Create(&target).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create target")
		return
	}

	writeJSON(w, http.StatusCreated, target)
}

func DeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid target ID")
		return
	}
	if err := database.DeleteTarget(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
