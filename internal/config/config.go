// Package config loads sift settings from defaults, an optional config
// file, SIFT_ environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/sift/internal/cache"
	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/std"
)

// EnvPrefix prefixes every environment override, e.g. SIFT_JOURNAL_PATH.
const EnvPrefix = "SIFT"

// Config holds application configuration.
type Config struct {
	Journal    JournalConfig `mapstructure:"journal"`
	Admin      AdminConfig   `mapstructure:"admin"`
	Log        LogConfig     `mapstructure:"log"`
	Indexes    []IndexConfig `mapstructure:"indexes"`
	MaxCascade int           `mapstructure:"max_cascade"`
}

// JournalConfig selects where commits are journaled. RedisAddr wins over
// Path; with neither set nothing is journaled.
type JournalConfig struct {
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// AdminConfig holds the admin HTTP server settings. An empty Addr
// disables the server.
type AdminConfig struct {
	Addr     string `mapstructure:"addr"`
	ReadOnly bool   `mapstructure:"read_only"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IndexConfig declares a cache indexer keyed by a dotted message field.
type IndexConfig struct {
	Name  string `mapstructure:"name"`
	Field string `mapstructure:"field"`
}

// Index returns the cache indexer ic declares.
func (ic IndexConfig) Index() cache.Index {
	return cache.Index{Name: ic.Name, Keys: cache.FieldIndexer(ic.Field)}
}

// FlagKeys maps command-line flag names to config keys.
var FlagKeys = map[string]string{
	"journal":     "journal.path",
	"redis":       "journal.redis_addr",
	"admin":       "admin.addr",
	"log-level":   "log.level",
	"log-format":  "log.format",
	"max-cascade": "max_cascade",
}

// Load reads configuration. path names a config file (yaml, toml or
// json); when empty, $SIFT_CONFIG is used, and then ./sift.yaml if it
// exists. Flags in flags that were set on the command line override
// everything else; flags is optional.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("journal.path", "")
	v.SetDefault("journal.redis_addr", "")
	v.SetDefault("journal.redis_password", "")
	v.SetDefault("journal.redis_db", 0)
	v.SetDefault("journal.redis_prefix", "sift:journal:")
	v.SetDefault("admin.addr", "")
	v.SetDefault("admin.read_only", false)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	v.SetDefault("max_cascade", engine.DefaultMaxCascade)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("sift")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	if err := ValidateIndexes(c.Indexes); err != nil {
		return err
	}
	if c.MaxCascade < 1 {
		return fmt.Errorf("max_cascade must be positive, got %d", c.MaxCascade)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ValidateIndexes checks that every indexer has a name and a field, and
// that no name is reused or collides with a state key the extensions own.
func ValidateIndexes(indexes []IndexConfig) error {
	seen := make(map[string]bool, len(indexes))
	for i, ic := range indexes {
		if ic.Name == "" || ic.Field == "" {
			return fmt.Errorf("indexes[%d]: name and field are required", i)
		}
		if cache.Reserved(ic.Name) || ic.Name == std.KeyConfig {
			return fmt.Errorf("indexes[%d]: name %q is reserved", i, ic.Name)
		}
		if seen[ic.Name] {
			return fmt.Errorf("indexes[%d]: duplicate name %q", i, ic.Name)
		}
		seen[ic.Name] = true
	}
	return nil
}

// IndexList returns the configured indexers in order.
func (c Config) IndexList() []cache.Index {
	out := make([]cache.Index, len(c.Indexes))
	for i, ic := range c.Indexes {
		out[i] = ic.Index()
	}
	return out
}
