package config

import (
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":3003"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/ssh-service.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/ssh-service.log"`

	// SSH transport settings
	KeepaliveInterval   time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	KeepaliveCountMax   int           `envconfig:"KEEPALIVE_COUNT_MAX" default:"3"`
	ConnectTimeout      time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	DefaultTerminalType string        `envconfig:"DEFAULT_TERMINAL_TYPE" default:"xterm-256color"`
	DefaultCols         int           `envconfig:"DEFAULT_COLS" default:"80"`
	DefaultRows         int           `envconfig:"DEFAULT_ROWS" default:"24"`
	KnownHostsFile      string        `envconfig:"KNOWN_HOSTS_FILE" default:""`
	AgentSocket         string        `envconfig:"AGENT_SOCKET" default:""`
	AllowedTargets      string        `envconfig:"ALLOWED_TARGETS" default:""`

	// Client channel settings
	PingInterval        time.Duration `envconfig:"PING_INTERVAL" default:"25s"`
	PingTimeout         time.Duration `envconfig:"PING_TIMEOUT" default:"60s"`
	MaxInputMessageSize int           `envconfig:"MAX_INPUT_MESSAGE_SIZE" default:"65536"`
	InputRateLimit      int           `envconfig:"INPUT_RATE_LIMIT" default:"200"`
	AllowedClients      string        `envconfig:"ALLOWED_CLIENTS" default:""`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Profile store settings
	HistoryRetention     time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`
	HistoryPruneSchedule string        `envconfig:"HISTORY_PRUNE_SCHEDULE" default:"@every 1h"`
	ProfilesSeedFile     string        `envconfig:"PROFILES_SEED_FILE" default:""`
	AuditRetention       time.Duration `envconfig:"AUDIT_RETENTION" default:"2160h"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHSVC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// AgentSocketPath returns the configured agent socket, falling back to the
// SSH_AUTH_SOCK exposed by the environment.
func (s Settings) AgentSocketPath() string {
	if s.AgentSocket != "" {
		return s.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}
