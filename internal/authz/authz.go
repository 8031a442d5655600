// Package authz decides whether a user may connect to a target.
//
// Permission is the union of permitted targets across every role bound
// to the user. There is no deny override: absence of any authorizing
// role means deny. Evaluation hits the database on every call so that
// role and permission edits take effect on the next connection attempt.
package authz

import (
	"fmt"

	"github.com/bastionhq/bastiond/internal/database"
)

// CanConnect reports whether any role bound to the user permits the target.
func CanConnect(userID, targetID uint) (bool, error) {
	roleIDs, err := database.GetRoleIDsForUser(userID)
	if err != nil {
		return false, fmt.Errorf("load role bindings: %w", err)
	}
	if len(roleIDs) == 0 {
		return false, nil
	}

	var count int64
	err = database.DB.Model(&database.RolePermission{}).
		Where("role_id IN ? AND target_id = ?", roleIDs, targetID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check permissions: %w", err)
	}
	return count > 0, nil
}

// PermittedTargets returns every target the user may connect to.
func PermittedTargets(userID uint) ([]database.Target, error) {
	roleIDs, err := database.GetRoleIDsForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("load role bindings: %w", err)
	}
	targetIDs, err := database.GetPermittedTargetIDs(roleIDs)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	if len(targetIDs) == 0 {
		return nil, nil
	}

	var targets []database.Target
	if err := database.DB.Where("id IN ?", targetIDs).Order("site, name").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	return targets, nil
}
