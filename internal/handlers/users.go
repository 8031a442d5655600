package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bastionhq/bastiond/internal/auth"
	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/middleware"
)

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if req.Role != "admin" {
		req.Role = "user"
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	user := &database.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already taken")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	if me := middleware.GetUser(r); me != nil && me.ID == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}
	if err := database.DeleteUser(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	SessionStore.DeleteByUserID(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
