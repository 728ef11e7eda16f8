package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. BROADCASTER_SOCKET_URL.
const EnvPrefix = "BROADCASTER"

// Config holds the application configuration.
type Config struct {
	SocketURL     string        `mapstructure:"socket_url"`
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	Admin         bool          `mapstructure:"admin"`
	Chat          bool          `mapstructure:"chat"`
	Nickname      string        `mapstructure:"nickname"`
	Mesh          bool          `mapstructure:"mesh"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	ChatWindow    int           `mapstructure:"chat_window"`
	ChatHistory   int           `mapstructure:"chat_history"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	RecordDir     string        `mapstructure:"record_dir"`
	Publish       string        `mapstructure:"publish"`
	PublishFPS    int           `mapstructure:"publish_fps"`
	RestartEvery  time.Duration `mapstructure:"restart_every"`
	Layer         string        `mapstructure:"layer"`
	MaxJoins      int           `mapstructure:"max_joins"`
	LogLevel      string        `mapstructure:"log_level"`
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("broadcaster", pflag.ContinueOnError)
	// callers print usage
	fs.Usage = func() {}
	fs.String("config", "", "optional config file (yaml, toml or json)")
	fs.String("socket-url", "", "signaling socket endpoint, e.g. ws://localhost:4000/socket")
	fs.String("base-url", "", "HTTP base of the WHIP/WHEP and admin API, e.g. http://localhost:4000")
	fs.String("token", "", "bearer token for WHIP ingest and admin requests")
	fs.Bool("admin", false, "use admin chat credentials (requires --token)")
	fs.Bool("chat", false, "join the chat channel")
	fs.String("nickname", "", "join the chat under this nickname")
	fs.Bool("mesh", false, "answer offers on the peer signalling channel")
	fs.Duration("stats-interval", time.Second, "stats sampling period")
	fs.Int("chat-window", 20, "visible chat height in messages")
	fs.Int("chat-history", 4, "chat capacity as a multiple of the visible height")
	fs.StringSlice("ice-servers", nil, "STUN/TURN urls (default stun:stun.l.google.com:19302)")
	fs.String("record-dir", "", "record every stream as <dir>/<id>.h264")
	fs.String("publish", "", "publish this H264 Annex-B file over WHIP, looping at EOF")
	fs.Int("publish-fps", 30, "frame rate of the published file")
	fs.Duration("restart-every", 2*time.Second, "minimum gap between publisher restarts after a failure")
	fs.String("layer", "", "simulcast layer (h, m or l) requested for every watched stream")
	fs.Int("max-joins", 4, "concurrent negotiations when joining (0 = unbounded)")
	fs.String("log-level", "info", "trace, debug, info, warn or error")
	return fs
}

// Load reads, lowest precedence first: flag defaults, an optional config
// file, a .env file (if present), environment variables and explicitly set
// flags. godotenv does not overwrite variables already in the environment.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	file, _ := fs.GetString("config")
	if file == "" {
		file = v.GetString("config")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ICEServers = splitList(cfg.ICEServers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required keys and ranges.
func (c *Config) Validate() error {
	if c.SocketURL == "" {
		return fmt.Errorf("%s_SOCKET_URL (or --socket-url) is required", EnvPrefix)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%s_BASE_URL (or --base-url) is required", EnvPrefix)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive, got %s", c.StatsInterval)
	}
	if c.ChatWindow <= 0 || c.ChatHistory <= 0 {
		return fmt.Errorf("chat window and history must be positive")
	}
	if c.Admin && c.Token == "" {
		return fmt.Errorf("admin mode requires a token")
	}
	if c.Publish != "" && (c.PublishFPS <= 0 || c.RestartEvery <= 0) {
		return fmt.Errorf("publish fps and restart interval must be positive")
	}
	if c.Layer != "" && !slices.Contains(domain.DefaultLayers(), c.Layer) {
		return fmt.Errorf("layer %q: want one of %v", c.Layer, domain.DefaultLayers())
	}
	if c.MaxJoins < 0 {
		return fmt.Errorf("max joins must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// splitList flattens comma separated entries, as given in env vars.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
