package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bastionhq/bastiond/internal/database"
	"gorm.io/gorm"
)

type createRoleRequest struct {
	Name string `json:"name"`
}

type rolePermissionsRequest struct {
	TargetIDs []uint `json:"target_ids"`
}

type userRolesRequest struct {
	RoleIDs []uint `json:"role_ids"`
}

func ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := database.ListRoles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list roles")
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "Role name is required")
		return
	}

	var count int64
	database.DB.Model(&database.Role{}).Where("name = ?", req.Name).Count(&count)
	if count > 0 {
		writeError(w, http.StatusConflict, "A role with this name already exists")
		return
	}

	role := database.Role{Name: req.Name}
	if err := database.DB.Create(&role).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create role")
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

// GetRole returns a role together with its permitted target IDs.
func GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid role ID")
		return
	}

	role, err := database.GetRole(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Role not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load role")
		return
	}

	targetIDs, err := database.GetPermittedTargetIDs([]uint{role.ID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load permissions")
		return
	}
	if targetIDs == nil {
		targetIDs = []uint{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         role.ID,
		"name":       role.Name,
		"created_at": role.CreatedAt,
		"target_ids": targetIDs,
	})
}

func DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid role ID")
		return
	}
	if err := database.DeleteRole(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete role")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// UpdateRolePermissions replaces the permitted target set of a role.
// Takes effect on the next connection attempt; nothing is cached.
func UpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid role ID")
		return
	}
	if _, err := database.GetRole(id); err != nil {
		writeError(w, http.StatusNotFound, "Role not found")
		return
	}

	var req rolePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := database.SetRolePermissions(id, req.TargetIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update permissions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// GetUserRoles returns the IDs of the roles bound to a user.
func GetUserRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	roleIDs, err := database.GetRoleIDsForUser(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load role bindings")
		return
	}
	if roleIDs == nil {
		roleIDs = []uint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"role_ids": roleIDs})
}

// SetUserRoles replaces the role set bound to a user.
func SetUserRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUint(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	if _, err := database.GetUserByID(id); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	var req userRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := database.SetUserRoles(id, req.RoleIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update roles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
