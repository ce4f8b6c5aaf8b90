package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Cloud API
	CloudBaseURL string   `envconfig:"CLOUD_BASE_URL" default:"https://api.digitalocean.com/v2"`
	CloudToken   string   `envconfig:"CLOUD_TOKEN" default:""`
	ProxyAllow   []string `envconfig:"PROXY_ALLOW" default:"/account,/droplet,/widgets,/users,/me"`

	// SSH
	SSHPrivateKey     string        `envconfig:"SSH_PRIVATE_KEY" default:""`
	SSHPrivateKeyPath string        `envconfig:"SSH_PRIVATE_KEY_PATH" default:""`
	SSHPort           int           `envconfig:"SSH_PORT" default:"22"`
	SSHDefaultUser    string        `envconfig:"SSH_DEFAULT_USER" default:"root"`
	SSHDialTimeout    time.Duration `envconfig:"SSH_DIAL_TIMEOUT" default:"15s"`
	SSHKeepalive      time.Duration `envconfig:"SSH_KEEPALIVE" default:"30s"`

	// Terminal session settings
	TerminalType        string        `envconfig:"TERMINAL_TYPE" default:"xterm-256color"`
	TerminalCols        int           `envconfig:"TERMINAL_COLS" default:"120"`
	TerminalRows        int           `envconfig:"TERMINAL_ROWS" default:"32"`
	InputDebounce       time.Duration `envconfig:"INPUT_DEBOUNCE" default:"10ms"`
	StreamKeepalive     time.Duration `envconfig:"STREAM_KEEPALIVE" default:"15s"`
	MarkerPhrase        string        `envconfig:"MARKER_PHRASE" default:"Success! vLLM version:"`
	MarkerWindow        int           `envconfig:"MARKER_WINDOW" default:"8000"`
	TerminalHistorySize int           `envconfig:"TERMINAL_HISTORY_SIZE" default:"65536"`
	TerminalRecording   bool          `envconfig:"TERMINAL_RECORDING" default:"false"`
	SessionIdleTimeout  time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	ReaperSchedule      string        `envconfig:"REAPER_SCHEDULE" default:"@every 1m"`

	// Provisioning
	ProvisionScriptPath string `envconfig:"PROVISION_SCRIPT_PATH" default:"buildvllm.sh"`
	ProvisionUser       string `envconfig:"PROVISION_USER" default:"amd"`
	CommandAllowlist    string `envconfig:"COMMAND_ALLOWLIST" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PANEL", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
