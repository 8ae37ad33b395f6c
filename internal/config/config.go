package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultServerURL        = "http://localhost:7200"
	DefaultWSPath           = "/chat/ws/"
	DefaultMaxReconnects    = 5
	DefaultReconnectBase    = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultTranscriptPath   = "sagechat.db"
	DefaultLogDir           = "logs"
)

// Config holds application configuration
type Config struct {
	ServerURL string `toml:"server_url"` // http(s) base URL of the backend
	WSPath    string `toml:"ws_path"`    // path prefix of the chat socket, token is appended
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
	SessionID string `toml:"session_id"` // resume an existing server session
	Debug     bool   `toml:"debug"`

	// Reconnection policy
	MaxReconnects    int           `toml:"max_reconnects"`
	ReconnectBase    time.Duration `toml:"-"`
	HandshakeTimeout time.Duration `toml:"-"`

	ReconnectBaseRaw    string `toml:"reconnect_base"`
	HandshakeTimeoutRaw string `toml:"handshake_timeout"`

	// Local storage
	TranscriptPath string `toml:"transcript_path"`
	LogDir         string `toml:"log_dir"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		ServerURL:        DefaultServerURL,
		WSPath:           DefaultWSPath,
		MaxReconnects:    DefaultMaxReconnects,
		ReconnectBase:    DefaultReconnectBase,
		HandshakeTimeout: DefaultHandshakeTimeout,
		TranscriptPath:   DefaultTranscriptPath,
		LogDir:           DefaultLogDir,
	}
}

// Load reads a TOML config file on top of the defaults, expanding ${VAR}
// references before decoding.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}

func (c *Config) parseDurations() error {
	if c.ReconnectBaseRaw != "" {
		d, err := time.ParseDuration(c.ReconnectBaseRaw)
		if err != nil {
			return fmt.Errorf("invalid reconnect_base %q: %w", c.ReconnectBaseRaw, err)
		}
		c.ReconnectBase = d
	}
	if c.HandshakeTimeoutRaw != "" {
		d, err := time.ParseDuration(c.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("invalid handshake_timeout %q: %w", c.HandshakeTimeoutRaw, err)
		}
		c.HandshakeTimeout = d
	}
	return nil
}

// Validate checks that required fields are present and usable.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server_url must include a host")
	}
	if c.MaxReconnects <= 0 {
		return fmt.Errorf("max_reconnects must be positive, got %d", c.MaxReconnects)
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect_base must be positive")
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative")
	}
	return nil
}

// ResolveToken returns the bearer token, reading TokenFile when Token is
// empty. Falls back to $SAGE_TOKEN and then ~/.config/sagechat/token.
func (c *Config) ResolveToken() string {
	if c.Token != "" {
		return c.Token
	}
	if tok := os.Getenv("SAGE_TOKEN"); tok != "" {
		return tok
	}

	path := c.TokenFile
	if path == "" {
		path = DefaultTokenPath()
		if path == "" {
			return ""
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// DefaultTokenPath is where a login token is stored when no token file is
// configured. Empty when no home or XDG config directory can be found.
func DefaultTokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "sagechat", "token")
}

// WebSocketURL derives the chat socket URL: ws for http, wss for https, with
// the token as the final path segment.
func (c *Config) WebSocketURL(token string) (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server_url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	prefix := c.WSPath
	if prefix == "" {
		prefix = DefaultWSPath
	}
	base := strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(prefix, "/") + "/"
	u.Path = base + token
	u.RawPath = base + url.PathEscape(token)
	u.RawQuery = ""
	return u.String(), nil
}
