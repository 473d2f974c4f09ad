package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "COUNSELCALL_"

// loadDotEnv loads a .env file next to the config file into the process
// environment. Variables already set win over the file.
func loadDotEnv(configPath string) error {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	err := godotenv.Load(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides fields from COUNSELCALL_* variables. Secrets and
// deployment addresses are meant to come from here rather than the JSON file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("USER_ID", &c.Identity.UserID)
	str("USER_NAME", &c.Identity.Name)
	str("USER_EMAIL", &c.Identity.Email)
	str("USER_ROLE", &c.Identity.Role)

	str("STORE_BACKEND", &c.Store.Backend)
	str("DATA_DIR", &c.Store.DataDir)
	str("MONGO_URI", &c.Store.MongoURI)
	str("MONGO_DATABASE", &c.Store.MongoDatabase)
	boolean("MONGO_TRANSACTIONS", &c.Store.MongoTransactions)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("REDIS_PASSWORD", &c.Store.RedisPassword)

	str("HUB_LISTEN", &c.Hub.ListenAddr)
	str("HUB_URL", &c.Hub.URL)
	str("HUB_TOKEN", &c.Hub.Token)

	integer("RING_TIMEOUT", &c.Call.RingTimeoutSec)
	boolean("RECEIVE_ONLY", &c.Call.ReceiveOnlyFallback)
	if v, ok := lookup(EnvPrefix + "STUN_SERVERS"); ok {
		c.Call.STUNServers = splitList(v)
	}

	str("VIEWER_ADDR", &c.Viewer.HTTPAddr)
	boolean("DEBUG", &c.Viewer.Debug)
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		c.Viewer.AllowedOrigins = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
