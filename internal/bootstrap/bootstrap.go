// Package bootstrap seeds the database from a declarative YAML file at
// startup so a fresh deployment can come up with its credentials,
// targets and roles in place. Seeding is idempotent: records are
// matched by natural key and only created when missing, except role
// permissions which are applied declaratively.
package bootstrap

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/vault"
	"gopkg.in/yaml.v3"
)

type File struct {
	Credentials []CredentialSeed `yaml:"credentials"`
	Targets     []TargetSeed     `yaml:"targets"`
	Roles       []RoleSeed       `yaml:"roles"`
	Bindings    []BindingSeed    `yaml:"bindings"`
}

type CredentialSeed struct {
	Name    string `yaml:"name"`
	KeyFile string `yaml:"key_file"`
}

type TargetSeed struct {
	Site        string `yaml:"site"`
	Name        string `yaml:"name"`
	ConnectUser string `yaml:"connect_user"`
	Host        string `yaml:"host"`
	Credential  string `yaml:"credential"`
}

type RoleSeed struct {
	Name string `yaml:"name"`
	// Targets are "site/name" references.
	Targets []string `yaml:"targets"`
}

type BindingSeed struct {
	User  string   `yaml:"user"`
	Roles []string `yaml:"roles"`
}

// Apply loads the seed file and reconciles the database against it.
func Apply(path string, v *vault.Vault) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bootstrap file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse bootstrap file: %w", err)
	}

	if err := applyCredentials(f.Credentials, v); err != nil {
		return err
	}
	if err := applyTargets(f.Targets); err != nil {
		return err
	}
	if err := applyRoles(f.Roles); err != nil {
		return err
	}
	if err := applyBindings(f.Bindings); err != nil {
		return err
	}

	log.Printf("Bootstrap applied from %s", path)
	return nil
}

func applyCredentials(seeds []CredentialSeed, v *vault.Vault) error {
	for _, seed := range seeds {
		var count int64
		database.DB.Model(&database.Credential{}).Where("name = ?", seed.Name).Count(&count)
		if count > 0 {
			continue
		}

		key, err := os.ReadFile(seed.KeyFile)
		if err != nil {
			return fmt.Errorf("bootstrap credential %q: read key file: %w", seed.Name, err)
		}
		if _, err := v.Store(seed.Name, string(key)); err != nil {
			return fmt.Errorf("bootstrap credential %q: %w", seed.Name, err)
		}
		log.Printf("Bootstrap: credential %q created", seed.Name)
	}
	return nil
}

func applyTargets(seeds []TargetSeed) error {
	for _, seed := range seeds {
		var count int64
		database.DB.Model(&database.Target{}).Where("site = ? AND name = ?", seed.Site, seed.Name).Count(&count)
		if count > 0 {
			continue
		}

		var cred database.Credential
		if err := database.DB.Where("name = ?", seed.Credential).First(&cred).Error; err != nil {
			return fmt.Errorf("bootstrap target %s/%s: credential %q not found", seed.Site, seed.Name, seed.Credential)
		}

		target := database.Target{
			Site:         seed.Site,
			Name:         seed.Name,
			ConnectUser:  seed.ConnectUser,
			Host:         seed.Host,
			CredentialID: cred.ID,
		}
		if err := database.DB.Create(&target).Error; err != nil {
			return fmt.Errorf("bootstrap target %s/%s: %w", seed.Site, seed.Name, err)
		}
		log.Printf("Bootstrap: target %s/%s created", seed.Site, seed.Name)
	}
	return nil
}

func applyRoles(seeds []RoleSeed) error {
	for _, seed := range seeds {
		var role database.Role
		err := database.DB.Where("name = ?", seed.Name).First(&role).Error
		if err != nil {
			role = database.Role{Name: seed.Name}
			if err := database.DB.Create(&role).Error; err != nil {
				return fmt.Errorf("bootstrap role %q: %w", seed.Name, err)
			}
			log.Printf("Bootstrap: role %q created", seed.Name)
		}

		var targetIDs []uint
		for _, ref := range seed.Targets {
			site, name, ok := strings.Cut(ref, "/")
			if !ok {
				return fmt.Errorf("bootstrap role %q: target reference %q is not site/name", seed.Name, ref)
			}
			var target database.Target
			if err := database.DB.Where("site = ? AND name = ?", site, name).First(&target).Error; err != nil {
				return fmt.Errorf("bootstrap role %q: target %q not found", seed.Name, ref)
			}
			targetIDs = append(targetIDs, target.ID)
		}
		if err := database.SetRolePermissions(role.ID, targetIDs); err != nil {
			return fmt.Errorf("bootstrap role %q: set permissions: %w", seed.Name, err)
		}
	}
	return nil
}

func applyBindings(seeds []BindingSeed) error {
	for _, seed := range seeds {
		user, err := database.GetUserByUsername(seed.User)
		if err != nil {
			return fmt.Errorf("bootstrap binding: user %q not found", seed.User)
		}

		for _, roleName := range seed.Roles {
			var role database.Role
			if err := database.DB.Where("name = ?", roleName).First(&role).Error; err != nil {
				return fmt.Errorf("bootstrap binding for %q: role %q not found", seed.User, roleName)
			}

			var count int64
			database.DB.Model(&database.RoleBinding{}).Where("user_id = ? AND role_id = ?", user.ID, role.ID).Count(&count)
			if count == 0 {
				if err := database.DB.Create(&database.RoleBinding{UserID: user.ID, RoleID: role.ID}).Error; err != nil {
					return fmt.Errorf("bootstrap binding %q -> %q: %w", seed.User, roleName, err)
				}
				log.Printf("Bootstrap: bound user %q to role %q", seed.User, roleName)
			}
		}
	}
	return nil
}
