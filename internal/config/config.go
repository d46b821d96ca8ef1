package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type EngineConfig struct {
	Path              string        `yaml:"path"`
	Args              []string      `yaml:"args"`
	Dir               string        `yaml:"dir"`
	HashMB            int           `yaml:"hash_mb"`
	Threads           int           `yaml:"threads"`
	Color             string        `yaml:"color"`
	InitialMoveTimeMS int           `yaml:"initial_movetime_ms"`
	SearchMoveTimeMS  int           `yaml:"search_movetime_ms"`
	SearchDepth       int           `yaml:"search_depth"`
	SearchNodes       int           `yaml:"search_nodes"`
	InitTimeout       time.Duration `yaml:"init_timeout"`
	DestroyGrace      time.Duration `yaml:"destroy_grace"`
}

type BoardConfig struct {
	BaseURL      string        `yaml:"base_url"`
	WSURL        string        `yaml:"ws_url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type AppConfig struct {
	Engine EngineConfig `yaml:"engine"`
	Board  BoardConfig  `yaml:"board"`

	RedisURL      string `yaml:"redis_url"`
	DatabaseURL   string `yaml:"database_url"`
	OpsAddr       string `yaml:"ops_addr"`
	SessionTTLSec int    `yaml:"session_ttl_sec"`
}

func defaults() *AppConfig {
	return &AppConfig{
		Engine: EngineConfig{
			Color:             "black",
			InitialMoveTimeMS: 1000,
			SearchMoveTimeMS:  2000,
			InitTimeout:       5 * time.Second,
			DestroyGrace:      2 * time.Second,
		},
		Board: BoardConfig{
			Timeout:      5 * time.Second,
			Retries:      3,
			PingInterval: 30 * time.Second,
		},
		OpsAddr:       ":9090",
		SessionTTLSec: 3600,
	}
}

// Load reads defaults, then the YAML file named by ENGINE_BRIDGE_CONFIG, then
// environment variables. Later sources win.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("ENGINE_BRIDGE_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Engine.Path = envString("ENGINE_PATH", cfg.Engine.Path)
	if v := strings.TrimSpace(os.Getenv("ENGINE_ARGS")); v != "" {
		cfg.Engine.Args = strings.Fields(v)
	}
	cfg.Engine.Dir = envString("ENGINE_DIR", cfg.Engine.Dir)
	cfg.Engine.HashMB = envInt("ENGINE_HASH_MB", cfg.Engine.HashMB)
	cfg.Engine.Threads = envInt("ENGINE_THREADS", cfg.Engine.Threads)
	cfg.Engine.Color = envString("ENGINE_COLOR", cfg.Engine.Color)
	cfg.Engine.InitialMoveTimeMS = envInt("ENGINE_INITIAL_MOVETIME_MS", cfg.Engine.InitialMoveTimeMS)
	cfg.Engine.SearchMoveTimeMS = envInt("ENGINE_SEARCH_MOVETIME_MS", cfg.Engine.SearchMoveTimeMS)
	cfg.Engine.SearchDepth = envInt("ENGINE_SEARCH_DEPTH", cfg.Engine.SearchDepth)
	cfg.Engine.SearchNodes = envInt("ENGINE_SEARCH_NODES", cfg.Engine.SearchNodes)
	cfg.Engine.InitTimeout = envDuration("ENGINE_INIT_TIMEOUT", cfg.Engine.InitTimeout)
	cfg.Engine.DestroyGrace = envDuration("ENGINE_DESTROY_GRACE", cfg.Engine.DestroyGrace)

	cfg.Board.BaseURL = envString("BOARD_BASE_URL", cfg.Board.BaseURL)
	cfg.Board.WSURL = envString("BOARD_WS_URL", cfg.Board.WSURL)
	cfg.Board.Token = envString("BOARD_TOKEN", cfg.Board.Token)
	cfg.Board.Timeout = envDuration("BOARD_TIMEOUT", cfg.Board.Timeout)
	cfg.Board.Retries = envInt("BOARD_RETRIES", cfg.Board.Retries)
	cfg.Board.PingInterval = envDuration("BOARD_PING_INTERVAL", cfg.Board.PingInterval)

	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.OpsAddr = envString("OPS_ADDR", cfg.OpsAddr)
	cfg.SessionTTLSec = envInt("SESSION_TTL_SEC", cfg.SessionTTLSec)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Engine.Path) == "" {
		return errors.New("ENGINE_PATH is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Engine.Color)) {
	case "white", "black":
		c.Engine.Color = strings.ToLower(strings.TrimSpace(c.Engine.Color))
	default:
		return fmt.Errorf("ENGINE_COLOR must be white or black, got %q", c.Engine.Color)
	}
	if c.Engine.HashMB < 0 || c.Engine.Threads < 0 {
		return errors.New("ENGINE_HASH_MB and ENGINE_THREADS must not be negative")
	}
	if c.Engine.InitialMoveTimeMS <= 0 || c.Engine.SearchMoveTimeMS <= 0 {
		return errors.New("engine movetimes must be positive")
	}
	if c.Engine.SearchDepth < 0 || c.Engine.SearchNodes < 0 {
		return errors.New("ENGINE_SEARCH_DEPTH and ENGINE_SEARCH_NODES must not be negative")
	}
	return nil
}

// RequireBoard checks the settings the remote board mode needs.
func (c *AppConfig) RequireBoard() error {
	if strings.TrimSpace(c.Board.BaseURL) == "" {
		return errors.New("BOARD_BASE_URL is required")
	}
	if strings.TrimSpace(c.Board.WSURL) == "" {
		return errors.New("BOARD_WS_URL is required")
	}
	return nil
}

func (c *AppConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

func (c *AppConfig) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envString(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	// bare numbers are milliseconds
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
