package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/counselcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Hub      Hub      `json:"hub"`
	Call     Call     `json:"call"`
	Chat     Chat     `json:"chat"`
	Viewer   Viewer   `json:"viewer"`
}

// Identity is the signed-in user. An empty UserID means nobody is signed in
// and no call or chat subscription is started.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"` // counselor | student
}

// Backend names accepted by store.backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendHub    = "hub"
)

type Store struct {
	// Backend is where the document store lives. A peer normally uses "hub";
	// a hub uses "sqlite" or "mongo".
	Backend string `json:"backend"`

	// SQLite directory, relative to the instance directory.
	DataDir string `json:"data_dir"`

	MongoURI          string `json:"mongo_uri"`
	MongoDatabase     string `json:"mongo_database"`
	MongoTransactions bool   `json:"mongo_transactions"`

	// Optional Redis change bus so several hub instances can share one
	// MongoDB. Empty means in-process fan-out only.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisChannel  string `json:"redis_channel"`
}

type Hub struct {
	// ListenAddr is where "counselcall hub" serves the store.
	ListenAddr string `json:"listen_addr"`

	// URL is the hub a peer connects to, e.g. ws://10.0.0.5:8790/ws.
	URL string `json:"url"`

	// Token must match on both sides when set.
	Token string `json:"token"`

	WriteRatePerSec float64 `json:"write_rate_per_sec"`
	WriteBurst      int     `json:"write_burst"`
	MaxBackoffSec   int     `json:"max_backoff_seconds"`
}

type Call struct {
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	STUNServers    []string `json:"stun_servers"`

	// ReceiveOnlyFallback joins calls without local media when no device
	// can be opened.
	ReceiveOnlyFallback bool `json:"receive_only_fallback"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveSec           int `json:"keepalive_seconds"`
	KeyframeIntervalSec    int `json:"keyframe_interval_seconds"`

	VideoBitRate int `json:"video_bitrate"`
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
}

type Chat struct {
	SendRatePerSec float64 `json:"send_rate_per_sec"`
	SendBurst      int     `json:"send_burst"`
}

type Viewer struct {
	HTTPAddr       string   `json:"http_addr"`
	Debug          bool     `json:"debug"`
	AllowedOrigins []string `json:"allowed_origins"` // dashboards served from elsewhere
	LogBufferSize  int      `json:"log_buffer_size"`
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:       BackendHub,
			DataDir:       "data",
			MongoDatabase: "counselcall",
			RedisChannel:  "counselcall:changes",
		},
		Hub: Hub{
			ListenAddr:      ":8790",
			URL:             "ws://127.0.0.1:8790/ws",
			WriteRatePerSec: 50,
			WriteBurst:      100,
			MaxBackoffSec:   10,
		},
		Call: Call{
			RingTimeoutSec:         45,
			STUNServers:            []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 5,
			FailedTimeoutSec:       25,
			KeepAliveSec:           2,
			KeyframeIntervalSec:    3,
			VideoBitRate:           1_500_000,
			MaxWidth:               640,
			MaxHeight:              480,
		},
		Chat: Chat{
			SendRatePerSec: 5,
			SendBurst:      10,
		},
		Viewer: Viewer{
			HTTPAddr:      "127.0.0.1:8791",
			LogBufferSize: 2000,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if r := c.Identity.Role; r != "" && r != "counselor" && r != "student" {
		return errors.New("identity.role must be counselor or student")
	}

	// Store
	switch c.Store.Backend {
	case BackendMemory, BackendHub:
	case BackendSQLite:
		if strings.TrimSpace(c.Store.DataDir) == "" {
			return errors.New("store.data_dir is required for the sqlite backend")
		}
	case BackendMongo:
		if strings.TrimSpace(c.Store.MongoURI) == "" {
			return errors.New("store.mongo_uri is required for the mongo backend")
		}
		if strings.TrimSpace(c.Store.MongoDatabase) == "" {
			return errors.New("store.mongo_database is required for the mongo backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, sqlite, mongo, hub (got %q)", c.Store.Backend)
	}
	if c.Store.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.Store.RedisAddr); err != nil {
			return fmt.Errorf("store.redis_addr: %w", err)
		}
		if strings.TrimSpace(c.Store.RedisChannel) == "" {
			return errors.New("store.redis_channel is required with store.redis_addr")
		}
	}

	// Hub
	if c.Store.Backend == BackendHub {
		if err := validateHubURL(c.Hub.URL); err != nil {
			return fmt.Errorf("hub.url: %w", err)
		}
	}
	if c.Hub.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.Hub.ListenAddr); err != nil {
			return fmt.Errorf("hub.listen_addr: %w", err)
		}
	}
	if c.Hub.WriteRatePerSec < 0 {
		return errors.New("hub.write_rate_per_sec must be >= 0")
	}
	if c.Hub.MaxBackoffSec < 0 {
		return errors.New("hub.max_backoff_seconds must be >= 0")
	}

	// Call
	if c.Call.RingTimeoutSec < 5 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 5..600")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}
	if c.Call.DisconnectedTimeoutSec < 0 || c.Call.FailedTimeoutSec < 0 || c.Call.KeepAliveSec < 0 {
		return errors.New("call ICE timeouts must be >= 0")
	}
	if c.Call.KeyframeIntervalSec < 0 {
		return errors.New("call.keyframe_interval_seconds must be >= 0")
	}
	if c.Call.VideoBitRate < 0 || c.Call.MaxWidth < 0 || c.Call.MaxHeight < 0 {
		return errors.New("call video limits must be >= 0")
	}

	// Chat
	if c.Chat.SendRatePerSec < 0 {
		return errors.New("chat.send_rate_per_sec must be >= 0")
	}

	// Viewer
	if c.Viewer.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.LogBufferSize < 0 {
		return errors.New("viewer.log_buffer_size must be >= 0")
	}

	return nil
}

func validateHubURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides without
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(path); err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv(os.LookupEnv)

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := loadDotEnv(path); err != nil {
		return Config{}, false, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
