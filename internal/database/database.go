package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bastionhq/bastiond/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Credential{}, &Target{}, &Role{}, &RolePermission{}, &RoleBinding{}, &User{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func DeleteUser(id uint) error {
	DB.Where("user_id = ?", id).Delete(&RoleBinding{})
	return DB.Delete(&User{}, id).Error
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Target helpers

func GetTarget(id uint) (*Target, error) {
	var t Target
	if err := DB.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func ListTargets() ([]Target, error) {
	var targets []Target
	if err := DB.Order("site, name").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

func DeleteTarget(id uint) error {
	DB.Where("target_id = ?", id).Delete(&RolePermission{})
	return DB.Delete(&Target{}, id).Error
}

// Credential helpers

func GetCredential(id uint) (*Credential, error) {
	var c Credential
	if err := DB.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListCredentials() ([]Credential, error) {
	var creds []Credential
	if err := DB.Order("name").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// Role helpers

func GetRole(id uint) (*Role, error) {
	var r Role
	if err := DB.First(&r, id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func ListRoles() ([]Role, error) {
	var roles []Role
	if err := DB.Order("name").Find(&roles).Error; err != nil {
		return nil, err
	}
	return roles, nil
}

func DeleteRole(id uint) error {
	DB.Where("role_id = ?", id).Delete(&RolePermission{})
	DB.Where("role_id = ?", id).Delete(&RoleBinding{})
	return DB.Delete(&Role{}, id).Error
}

// GetRoleIDsForUser returns the IDs of every role bound to the user.
func GetRoleIDsForUser(userID uint) ([]uint, error) {
	var bindings []RoleBinding
	if err := DB.Where("user_id = ?", userID).Find(&bindings).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, len(bindings))
	for i, b := range bindings {
		ids[i] = b.RoleID
	}
	return ids, nil
}

// SetUserRoles replaces the full role set bound to a user.
func SetUserRoles(userID uint, roleIDs []uint) error {
	DB.Where("user_id = ?", userID).Delete(&RoleBinding{})
	for _, rid := range roleIDs {
		if err := DB.Create(&RoleBinding{UserID: userID, RoleID: rid}).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetPermittedTargetIDs returns the target IDs granted by any of the roles.
func GetPermittedTargetIDs(roleIDs []uint) ([]uint, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var perms []RolePermission
	if err := DB.Where("role_id IN ?", roleIDs).Find(&perms).Error; err != nil {
		return nil, err
	}
	seen := make(map[uint]bool, len(perms))
	var ids []uint
	for _, p := range perms {
		if !seen[p.TargetID] {
			seen[p.TargetID] = true
			ids = append(ids, p.TargetID)
		}
	}
	return ids, nil
}

// SetRolePermissions replaces the full permitted target set of a role.
func SetRolePermissions(roleID uint, targetIDs []uint) error {
	DB.Where("role_id = ?", roleID).Delete(&RolePermission{})
	for _, tid := range targetIDs {
		if err := DB.Create(&RolePermission{RoleID: roleID, TargetID: tid}).Error; err != nil {
			return err
		}
	}
	return nil
}
