// Package config loads cumments' runtime configuration from the
// environment (optionally via a .env file), the way the pack's
// hackclub-news service does: godotenv.Load() followed by plain
// os.Getenv with defaults. Every variable is read under the
// CUMMENTS_ prefix with §-style sections joined by a double
// underscore, per spec.md §6.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Mode selects how cumments talks to the homeserver.
type Mode string

const (
	ModeBot        Mode = "bot"
	ModeAppService Mode = "appservice"
)

// Config is every environment-tunable cumments needs to boot.
type Config struct {
	ServerHost        string
	ServerPort        int
	ServerCORSOrigins []string

	DatabaseURL string

	MatrixMode          Mode
	MatrixHomeserverURL string
	MatrixUser          string // bot-mode mxid
	MatrixToken         string // bot-mode access token
	MatrixServerName    string // configured server name; empty triggers well-known discovery
	MatrixASToken       string // application service -> homeserver token
	MatrixHSToken       string // homeserver -> application service token (appservice mode only)
	MatrixListenPort    int    // appservice transaction listener, may differ from ServerPort
	MatrixBotLocalpart  string // loaded only; ghost localparts always use the fixed "cumments_" prefix (domain.GhostLocalpart)

	SecurityGlobalSalt  string
	SecurityPowDifficulty int
	SecurityPowTTL        time.Duration

	LogFilePath string
	LogLevel    string
}

// Load reads Config from the environment. A .env file in the working
// directory is loaded first if present; real environment variables
// always win since godotenv.Load never overwrites an already-set
// variable.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServerHost:         env("CUMMENTS_SERVER__HOST", "0.0.0.0"),
		DatabaseURL:        env("CUMMENTS_DATABASE__URL", "sqlite://data/cumments.db"),
		MatrixMode:         Mode(env("CUMMENTS_MATRIX__MODE", string(ModeAppService))),
		MatrixHomeserverURL: env("CUMMENTS_MATRIX__HOMESERVER_URL", ""),
		MatrixUser:         env("CUMMENTS_MATRIX__USER", ""),
		MatrixToken:        env("CUMMENTS_MATRIX__TOKEN", ""),
		MatrixServerName:   env("CUMMENTS_MATRIX__SERVER_NAME", ""),
		MatrixASToken:      env("CUMMENTS_MATRIX__AS_TOKEN", ""),
		MatrixHSToken:      env("CUMMENTS_MATRIX__HS_TOKEN", ""),
		MatrixBotLocalpart: env("CUMMENTS_MATRIX__BOT_LOCALPART", "cumments"),
		SecurityGlobalSalt: env("CUMMENTS_SECURITY__GLOBAL_SALT", ""),
		LogFilePath:        env("CUMMENTS_LOG_FILE", ""),
		LogLevel:           env("CUMMENTS_LOG_LEVEL", "info"),
	}
	cfg.ServerCORSOrigins = splitCSV(env("CUMMENTS_SERVER__CORS_ORIGINS", "*"))

	var err error
	if cfg.ServerPort, err = envInt("CUMMENTS_SERVER__PORT", 3000); err != nil {
		return Config{}, err
	}
	if cfg.MatrixListenPort, err = envInt("CUMMENTS_MATRIX__LISTEN_PORT", cfg.ServerPort); err != nil {
		return Config{}, err
	}
	if cfg.SecurityPowDifficulty, err = envInt("CUMMENTS_SECURITY__POW_DIFFICULTY", 20); err != nil {
		return Config{}, err
	}
	ttlSec, err := envInt("CUMMENTS_SECURITY__POW_TTL_SEC", 600)
	if err != nil {
		return Config{}, err
	}
	cfg.SecurityPowTTL = time.Duration(ttlSec) * time.Second

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MatrixHomeserverURL == "" {
		return errors.New("CUMMENTS_MATRIX__HOMESERVER_URL is required")
	}
	if c.SecurityGlobalSalt == "" {
		return errors.New("CUMMENTS_SECURITY__GLOBAL_SALT is required")
	}
	switch c.MatrixMode {
	case ModeBot:
		if c.MatrixUser == "" || c.MatrixToken == "" {
			return errors.New("CUMMENTS_MATRIX__USER and CUMMENTS_MATRIX__TOKEN are required in bot mode")
		}
	case ModeAppService:
		if c.MatrixASToken == "" || c.MatrixHSToken == "" {
			return errors.New("CUMMENTS_MATRIX__AS_TOKEN and CUMMENTS_MATRIX__HS_TOKEN are required in appservice mode")
		}
	default:
		return errors.Errorf("unknown CUMMENTS_MATRIX__MODE %q", c.MatrixMode)
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
