package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Store     StoreConfig     `mapstructure:"store"`
	Signal    SignalConfig    `mapstructure:"signal"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Call      CallConfig      `mapstructure:"call"`
	Peer      PeerConfig      `mapstructure:"peer"`
	Media     MediaConfig     `mapstructure:"media"`
}

// StoreConfig: an empty Path keeps sessions in memory only.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type SignalConfig struct {
	SendBuffer   int    `mapstructure:"send_buffer"`
	Backpressure string `mapstructure:"backpressure"`
	DropBudget   int    `mapstructure:"drop_budget"`
	// LeaveGrace is how long a participant may stay disconnected before the
	// hub removes it from its sessions; negative keeps it forever.
	LeaveGrace time.Duration `mapstructure:"leave_grace"`
}

type RateLimitConfig struct {
	PublishPerInterval int           `mapstructure:"publish_per_interval"`
	Interval           time.Duration `mapstructure:"interval"`
}

type ICEConfig struct {
	STUNServers         []string      `mapstructure:"stun_servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type CallConfig struct {
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
}

type PeerConfig struct {
	HubURL      string `mapstructure:"hub_url"`
	Participant string `mapstructure:"participant"`
	DisplayName string `mapstructure:"display_name"`
	Room        string `mapstructure:"room"`

	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	// ReconnectAttempts: 0 retries forever, negative never reconnects.
	ReconnectAttempts int `mapstructure:"reconnect_attempts"`
}

// MediaConfig.Source is "microphone" or "silence".
type MediaConfig struct {
	Source string `mapstructure:"source"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("store.path", "")
	v.SetDefault("signal.send_buffer", 256)
	v.SetDefault("signal.backpressure", "disconnect")
	v.SetDefault("signal.drop_budget", 16)
	v.SetDefault("signal.leave_grace", "15s")
	v.SetDefault("rate_limit.publish_per_interval", 200)
	v.SetDefault("rate_limit.interval", "10s")

	v.SetDefault("ice.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "15s")
	v.SetDefault("ice.keepalive_interval", "2s")

	v.SetDefault("call.negotiation_timeout", "30s")
	v.SetDefault("call.health_interval", "1s")

	v.SetDefault("peer.hub_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.display_name", "User")
	v.SetDefault("peer.room", "lobby")
	v.SetDefault("peer.reconnect_min_delay", "250ms")
	v.SetDefault("peer.reconnect_max_delay", "10s")
	v.SetDefault("peer.reconnect_attempts", 0)
	v.SetDefault("media.source", "microphone")
}

// New prepares a viper instance reading config/config.<CONFIG_ENV>.yaml with
// VOICE_* environment overrides.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	return v
}

func Load() (*Config, error) {
	return LoadFrom(New())
}

// LoadFrom reads the config file of v, if any, and decodes the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	fileName := v.ConfigFileUsed()
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %q\n", cfg.Mode, cfg.Port, cfg.Store.Path)
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Call.NegotiationTimeout <= 0 {
		return fmt.Errorf("call.negotiation_timeout must be positive")
	}
	if c.Call.HealthInterval <= 0 {
		return fmt.Errorf("call.health_interval must be positive")
	}
	if c.Peer.ReconnectMaxDelay < c.Peer.ReconnectMinDelay {
		return fmt.Errorf("peer.reconnect_max_delay must not be below peer.reconnect_min_delay")
	}
	switch c.Media.Source {
	case "microphone", "silence":
	default:
		return fmt.Errorf("media.source %q: want microphone or silence", c.Media.Source)
	}
	return nil
}
