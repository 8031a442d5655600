package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/bastiond.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/bastiond.log"`

	// VaultKey is the base64 fernet key used to encrypt credentials at
	// rest. Any code path that touches credentials refuses to start
	// without it.
	VaultKey string `envconfig:"VAULT_KEY" default:""`

	// BootstrapPath points at an optional YAML seed file applied at startup.
	BootstrapPath string `envconfig:"BOOTSTRAP_PATH" default:""`

	AuthDisabled bool `envconfig:"AUTH_DISABLED" default:"false"`

	// Bridge session settings
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
	PendingSessionTTL time.Duration `envconfig:"PENDING_SESSION_TTL" default:"5m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("BASTIOND", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
