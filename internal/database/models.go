package database

import "time"

// Credential is an SSH private key encrypted at rest. The ciphertext is
// only ever produced by the vault; plaintext never touches the database.
// Credentials are immutable after upload, except for deletion.
type Credential struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"uniqueIndex;not null;size:255" json:"name"`
	Ciphertext string    `gorm:"type:text;not null" json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Target is a registered remote host reachable via SSH.
type Target struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Site        string `gorm:"not null;size:255;uniqueIndex:idx_target_site_name" json:"site"`
	Name        string `gorm:"not null;size:255;uniqueIndex:idx_target_site_name" json:"name"`
	ConnectUser string `gorm:"not null;size:255" json:"connect_user"`
	Host        string `gorm:"not null;size:255" json:"host"`

	// CredentialID is resolved lazily at connect time, never cached.
	CredentialID uint `gorm:"not null" json:"credential_id"`

	// ProxyTargetID optionally names another target to hop through.
	// Persisted and exposed over the API but not consulted by the bridge.
	ProxyTargetID *uint `json:"proxy_target_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Role is a named set of permitted targets.
type Role struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null;size:255" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RolePermission grants a role access to a target.
type RolePermission struct {
	RoleID   uint `gorm:"primaryKey" json:"role_id"`
	TargetID uint `gorm:"primaryKey" json:"target_id"`
}

// RoleBinding assigns a role to a user. A user may hold several roles;
// effective permissions are the union across all of them.
type RoleBinding struct {
	UserID uint `gorm:"primaryKey" json:"user_id"`
	RoleID uint `gorm:"primaryKey" json:"role_id"`
}

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
