package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/vault"
)

// Vault is set from main.go during init.
var Vault *vault.Vault

type createCredentialRequest struct {
	Name string `json:"name"`
	// Key is the plaintext private key material. It is vault-encrypted
	// before persisting and never echoed back.
	Key string `json:"key"`
}

func ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := database.ListCredentials()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "Name and key are required")
		return
	}

	id, err := Vault.Store(req.Name, req.Key)
	if err != nil {
		if errors.Is(err, vault.ErrDuplicateName) {
			writeError(w, http.StatusConflict, "A credential with this name already exists")
			return
		}
		log.Printf("Credential upload failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "name": req.Name})
}

func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid credential ID")
		return
	}
	if err := database.DB.Delete(&database.Credential{}, id).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
