package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is shared by the relay and the office client; each reads the keys
// it needs.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	RelayURL        string        `mapstructure:"relay_url"`
	ActorID         string        `mapstructure:"actor_id"`
	DisplayName     string        `mapstructure:"display_name"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	NoAnswerTimeout time.Duration `mapstructure:"no_answer_timeout"`
	WarnInterval    time.Duration `mapstructure:"warn_interval"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, then OFFICE_* environment
// variables, then command-line flags, later sources winning.
func Load(args []string) (*Config, error) {
	v, err := newViper(args)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadWatched is Load plus a callback fired with the re-read config whenever
// the config file changes on disk.
func LoadWatched(args []string, onChange func(*Config)) (*Config, error) {
	v, err := newViper(args)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if fileExists(v.ConfigFileUsed()) {
		v.OnConfigChange(func(e fsnotify.Event) {
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			next, err := decode(v)
			if err != nil {
				log.Error().Err(err).Str("module", "config").Msg("reload")
				return
			}
			log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
			onChange(next)
		})
		v.WatchConfig()
	}
	return cfg, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func newViper(args []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "desk-call-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("no_answer_timeout", "20s")
	v.SetDefault("warn_interval", "10s")
	v.SetDefault("send_timeout", "5s")

	v.SetEnvPrefix("OFFICE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("deskcall", pflag.ContinueOnError)
	fs.Int("port", 0, "relay listen port")
	fs.String("mode", "", "gin mode: debug or release")
	fs.String("log-level", "", "zerolog level")
	fs.String("relay-url", "", "relay websocket url")
	fs.String("actor", "", "actor id used for direct calls")
	fs.String("name", "", "display name shown in desks")
	fs.StringSlice("ice-server", nil, "ICE server url, repeatable")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for key, flag := range map[string]string{
		"port":         "port",
		"mode":         "mode",
		"log_level":    "log-level",
		"relay_url":    "relay-url",
		"actor_id":     "actor",
		"display_name": "name",
		"ice_servers":  "ice-server",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
