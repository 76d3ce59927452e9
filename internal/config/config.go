package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	SignalURL      string        `mapstructure:"signal_url"`
	InsecureTLS    bool          `mapstructure:"insecure_tls"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	ReadLimit      int64         `mapstructure:"read_limit"`

	RoomID string `mapstructure:"room_id"`
	UserID string `mapstructure:"user_id"`

	MicrophonePath    string        `mapstructure:"microphone_path"`
	MicrophoneLoop    bool          `mapstructure:"microphone_loop"`
	OutputDir         string        `mapstructure:"output_dir"`
	MeterInterval     time.Duration `mapstructure:"meter_interval"`
	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	ICEServers        []string      `mapstructure:"ice_servers"`

	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.SignalURL == "" {
		errs = append(errs, errors.New("signal_url is required"))
	}
	if c.SpeakingThreshold < 0 {
		errs = append(errs, errors.New("speaking_threshold must not be negative"))
	}
	if c.JoinRateLimit <= 0 {
		errs = append(errs, errors.New("join_rate_limit must be positive"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("secret", "voice-client-secret")
	v.SetDefault("signal_url", "ws://localhost:3016/ws")
	v.SetDefault("insecure_tls", false)
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("room_id", "")
	v.SetDefault("user_id", "")
	v.SetDefault("microphone_path", "./media/mic.ogg")
	v.SetDefault("microphone_loop", true)
	v.SetDefault("output_dir", "./out")
	v.SetDefault("meter_interval", "100ms")
	v.SetDefault("speaking_threshold", 10)
	v.SetDefault("ice_servers", []string{})
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "1m")
}

// fileName resolves the config file: explicit path, then CONFIG_FILE, then
// config/config.<CONFIG_ENV>.yaml. The bool reports whether the file was asked for explicitly.
func fileName(path string) (string, bool) {
	if path != "" {
		return path, true
	}
	if f := os.Getenv("CONFIG_FILE"); f != "" {
		return f, true
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env), false
}

func newViper(path string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	name, explicit := fileName(path)
	v.SetConfigFile(name)
	if err := v.ReadInConfig(); err != nil {
		if explicit {
			return nil, false, fmt.Errorf("read config %s: %w", name, err)
		}
		log.Warn().Str("module", "config").Str("file", name).Msg("config file not found, using defaults")
		return v, false, nil
	}
	log.Info().Str("module", "config").Str("file", name).Msg("config loaded")
	return v, true, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads the config file at path (or the one selected by the environment)
// and applies VOICE_* overrides.
func Load(path string) (*Config, error) {
	v, _, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("signal", cfg.SignalURL).Msg("config ready")
	return cfg, nil
}

// LoadAndWatch is Load plus hot reload: onChange receives every valid
// version of the file written after the first load.
func LoadAndWatch(path string, onChange func(*Config)) (*Config, error) {
	v, found, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("config reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
