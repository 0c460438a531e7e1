package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/adminsync/internal/handshake"
	"github.com/danmuck/adminsync/internal/plugin"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/frame"
	"github.com/danmuck/adminsync/internal/state"
	"github.com/danmuck/adminsync/internal/transport"
)

const EnvPrefix = "ADMINSYNC_"

var ErrInvalid = errors.New("config: invalid")

type TransportConfig struct {
	MaxUnitSize     int     `toml:"max_unit_size" env:"MAX_UNIT_SIZE"`
	UnitsPerSecond  float64 `toml:"units_per_second" env:"UNITS_PER_SECOND"`
	Burst           int     `toml:"burst" env:"BURST"`
	ReassemblyTTLMs int     `toml:"reassembly_ttl_ms" env:"REASSEMBLY_TTL_MS"`
}

type HandshakeConfig struct {
	MaxConnectAttempts int  `toml:"max_connect_attempts" env:"MAX_CONNECT_ATTEMPTS"`
	RetryIntervalMs    int  `toml:"retry_interval_ms" env:"RETRY_INTERVAL_MS"`
	Jitter             bool `toml:"jitter" env:"JITTER"`
}

type ServerConfig struct {
	Name               string   `toml:"name" env:"NAME"`
	World              string   `toml:"world" env:"WORLD"`
	Port               int      `toml:"port" env:"PORT"`
	LogPrivateMessages bool     `toml:"log_private_messages" env:"LOG_PRIVATE_MESSAGES"`
	Admins             []uint64 `toml:"admins" env:"ADMINS" envSeparator:","`
	MotdHeadline       string   `toml:"motd_headline" env:"MOTD_HEADLINE"`
	MotdContent        string   `toml:"motd_content" env:"MOTD_CONTENT"`
	MotdShowInChat     bool     `toml:"motd_show_in_chat" env:"MOTD_SHOW_IN_CHAT"`
}

type StorageConfig struct {
	// Path is the SQLite file; empty keeps state in memory.
	Path string `toml:"path" env:"PATH"`
}

type AdminHTTPConfig struct {
	Enabled     bool     `toml:"enabled" env:"ENABLED"`
	Addr        string   `toml:"addr" env:"ADDR"`
	CorsOrigins []string `toml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	// Token guards /status when set.
	Token string `toml:"token" env:"TOKEN"`
}

// SimConfig drives the loopback simulator in cmd/adminsim.
type SimConfig struct {
	Clients       int     `toml:"clients" env:"CLIENTS"`
	Steps         int     `toml:"steps" env:"STEPS"`
	StepMs        int     `toml:"step_ms" env:"STEP_MS"`
	Seed          int64   `toml:"seed" env:"SEED"`
	Reorder       bool    `toml:"reorder" env:"REORDER"`
	DuplicateRate float64 `toml:"duplicate_rate" env:"DUPLICATE_RATE"`
	DropRate      float64 `toml:"drop_rate" env:"DROP_RATE"`
	Realtime      bool    `toml:"realtime" env:"REALTIME"`
	// Script lines are "<step> <player> <chat text>".
	Script []string `toml:"script" env:"SCRIPT" envSeparator:";"`
}

type Config struct {
	Mode      string          `toml:"mode" env:"MODE"`
	Player    uint64          `toml:"player" env:"PLAYER"`
	LogLevel  string          `toml:"log_level" env:"LOG_LEVEL"`
	Transport TransportConfig `toml:"transport" envPrefix:"TRANSPORT_"`
	Handshake HandshakeConfig `toml:"handshake" envPrefix:"HANDSHAKE_"`
	Server    ServerConfig    `toml:"server" envPrefix:"SERVER_"`
	Storage   StorageConfig   `toml:"storage" envPrefix:"STORAGE_"`
	AdminHTTP AdminHTTPConfig `toml:"admin_http" envPrefix:"ADMIN_HTTP_"`
	Sim       SimConfig       `toml:"sim" envPrefix:"SIM_"`
}

func Default() Config {
	tc := transport.DefaultConfig()
	hc := handshake.DefaultConfig()
	return Config{
		Mode:     plugin.ModeDedicated.String(),
		LogLevel: "info",
		Transport: TransportConfig{
			MaxUnitSize:     tc.Limits.MaxUnitSize,
			UnitsPerSecond:  tc.UnitsPerSecond,
			Burst:           tc.Burst,
			ReassemblyTTLMs: int(tc.ReassemblyTTL / time.Millisecond),
		},
		Handshake: HandshakeConfig{
			MaxConnectAttempts: hc.MaxConnectAttempts,
			RetryIntervalMs:    int(hc.Backoff.InitialDelay / time.Millisecond),
			Jitter:             hc.Backoff.Jitter,
		},
		Server: ServerConfig{
			Name:           "adminsync",
			World:          "world",
			Port:           27015,
			MotdHeadline:   "Welcome to %SERVER_NAME%",
			MotdShowInChat: true,
		},
		AdminHTTP: AdminHTTPConfig{
			Addr:        "127.0.0.1:9180",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Sim: SimConfig{
			Clients: 3,
			Steps:   600,
			StepMs:  50,
			Seed:    1,
			Reorder: true,
		},
	}
}

// Load overlays the TOML file at path (if any) and then the environment on
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := overlayFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(path string, cfg *Config) error {
	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undecoded[0], path)
	}

	set := func(key string, apply func()) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			apply()
		}
	}
	set("mode", func() { cfg.Mode = strings.TrimSpace(raw.Mode) })
	set("player", func() { cfg.Player = raw.Player })
	set("log_level", func() { cfg.LogLevel = strings.TrimSpace(raw.LogLevel) })

	set("transport.max_unit_size", func() { cfg.Transport.MaxUnitSize = raw.Transport.MaxUnitSize })
	set("transport.units_per_second", func() { cfg.Transport.UnitsPerSecond = raw.Transport.UnitsPerSecond })
	set("transport.burst", func() { cfg.Transport.Burst = raw.Transport.Burst })
	set("transport.reassembly_ttl_ms", func() { cfg.Transport.ReassemblyTTLMs = raw.Transport.ReassemblyTTLMs })

	set("handshake.max_connect_attempts", func() { cfg.Handshake.MaxConnectAttempts = raw.Handshake.MaxConnectAttempts })
	set("handshake.retry_interval_ms", func() { cfg.Handshake.RetryIntervalMs = raw.Handshake.RetryIntervalMs })
	set("handshake.jitter", func() { cfg.Handshake.Jitter = raw.Handshake.Jitter })

	set("server.name", func() { cfg.Server.Name = strings.TrimSpace(raw.Server.Name) })
	set("server.world", func() { cfg.Server.World = strings.TrimSpace(raw.Server.World) })
	set("server.port", func() { cfg.Server.Port = raw.Server.Port })
	set("server.log_private_messages", func() { cfg.Server.LogPrivateMessages = raw.Server.LogPrivateMessages })
	set("server.admins", func() { cfg.Server.Admins = raw.Server.Admins })
	set("server.motd_headline", func() { cfg.Server.MotdHeadline = raw.Server.MotdHeadline })
	set("server.motd_content", func() { cfg.Server.MotdContent = raw.Server.MotdContent })
	set("server.motd_show_in_chat", func() { cfg.Server.MotdShowInChat = raw.Server.MotdShowInChat })

	set("storage.path", func() { cfg.Storage.Path = strings.TrimSpace(raw.Storage.Path) })

	set("admin_http.enabled", func() { cfg.AdminHTTP.Enabled = raw.AdminHTTP.Enabled })
	set("admin_http.addr", func() { cfg.AdminHTTP.Addr = strings.TrimSpace(raw.AdminHTTP.Addr) })
	set("admin_http.cors_origins", func() { cfg.AdminHTTP.CorsOrigins = raw.AdminHTTP.CorsOrigins })
	set("admin_http.token", func() { cfg.AdminHTTP.Token = strings.TrimSpace(raw.AdminHTTP.Token) })

	set("sim.clients", func() { cfg.Sim.Clients = raw.Sim.Clients })
	set("sim.steps", func() { cfg.Sim.Steps = raw.Sim.Steps })
	set("sim.step_ms", func() { cfg.Sim.StepMs = raw.Sim.StepMs })
	set("sim.seed", func() { cfg.Sim.Seed = raw.Sim.Seed })
	set("sim.reorder", func() { cfg.Sim.Reorder = raw.Sim.Reorder })
	set("sim.duplicate_rate", func() { cfg.Sim.DuplicateRate = raw.Sim.DuplicateRate })
	set("sim.drop_rate", func() { cfg.Sim.DropRate = raw.Sim.DropRate })
	set("sim.realtime", func() { cfg.Sim.Realtime = raw.Sim.Realtime })
	set("sim.script", func() { cfg.Sim.Script = raw.Sim.Script })
	return nil
}

func Validate(cfg Config) error {
	if _, err := ParseMode(cfg.Mode); err != nil {
		return err
	}
	if cfg.Mode == plugin.ModeClient.String() && cfg.Player == 0 {
		return fmt.Errorf("%w: client mode needs a non-zero player", ErrInvalid)
	}
	if cfg.Transport.MaxUnitSize <= frame.HeaderLen {
		return fmt.Errorf("%w: transport.max_unit_size must exceed the %d byte unit header", ErrInvalid, frame.HeaderLen)
	}
	if cfg.Transport.UnitsPerSecond < 0 || cfg.Transport.Burst < 0 {
		return fmt.Errorf("%w: transport rate must not be negative", ErrInvalid)
	}
	if cfg.Handshake.MaxConnectAttempts < 0 || cfg.Handshake.RetryIntervalMs <= 0 {
		return fmt.Errorf("%w: handshake retry settings out of range", ErrInvalid)
	}
	for _, rate := range []float64{cfg.Sim.DuplicateRate, cfg.Sim.DropRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: sim fault rates must be within [0, 1]", ErrInvalid)
		}
	}
	if cfg.Sim.Steps <= 0 && !cfg.Sim.Realtime {
		return fmt.Errorf("%w: sim.steps <= 0 runs until interrupted and needs sim.realtime", ErrInvalid)
	}
	if cfg.AdminHTTP.Enabled && strings.TrimSpace(cfg.AdminHTTP.Addr) == "" {
		return fmt.Errorf("%w: admin_http.addr required when enabled", ErrInvalid)
	}
	return nil
}

func ParseMode(s string) (plugin.Mode, error) {
	for _, m := range []plugin.Mode{plugin.ModeOffline, plugin.ModeClient, plugin.ModeDedicated, plugin.ModeListen} {
		if strings.EqualFold(strings.TrimSpace(s), m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
}

// PluginOptions maps the file settings onto plugin.Options. Store, logger,
// and commands are left for the caller.
func (c Config) PluginOptions() plugin.Options {
	admins := make([]protocol.PlayerID, 0, len(c.Server.Admins))
	for _, id := range c.Server.Admins {
		admins = append(admins, protocol.PlayerID(id))
	}
	hc := handshake.DefaultConfig()
	hc.MaxConnectAttempts = c.Handshake.MaxConnectAttempts
	hc.Backoff.InitialDelay = time.Duration(c.Handshake.RetryIntervalMs) * time.Millisecond
	hc.Backoff.MaxDelay = hc.Backoff.InitialDelay
	hc.Backoff.Jitter = c.Handshake.Jitter
	return plugin.Options{
		Transport: transport.Config{
			Limits:         frame.Limits{MaxUnitSize: c.Transport.MaxUnitSize},
			UnitsPerSecond: c.Transport.UnitsPerSecond,
			Burst:          c.Transport.Burst,
			ReassemblyTTL:  time.Duration(c.Transport.ReassemblyTTLMs) * time.Millisecond,
		},
		Handshake: hc,
		ServerConfig: state.ServerConfig{
			ServerName:         c.Server.Name,
			WorldName:          c.Server.World,
			Port:               c.Server.Port,
			LogPrivateMessages: c.Server.LogPrivateMessages,
		},
		Motd: state.MessageOfTheDay{
			Headline:   c.Server.MotdHeadline,
			Content:    c.Server.MotdContent,
			ShowInChat: c.Server.MotdShowInChat,
		},
		Admins: admins,
	}
}
