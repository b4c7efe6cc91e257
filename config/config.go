package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Discord     DiscordConfig     `json:"discord"`
	Database    DatabaseConfig    `json:"database"`
	Permissions PermissionsConfig `json:"permissions"`
	Music       MusicConfig       `json:"music"`
	Tickets     TicketsConfig     `json:"tickets"`
	Events      EventsConfig      `json:"events"`
	Logging     LoggingConfig     `json:"logging"`
	Router      RouterConfig      `json:"router"`
	LangFile    string            `json:"lang_file"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
	Prefix  string `json:"prefix"`
}

type DatabaseConfig struct {
	Driver  string        `json:"driver"`
	SQLite  SQLiteConfig  `json:"sqlite"`
	MongoDB MongoDBConfig `json:"mongodb"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type MongoDBConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// PermissionsConfig lists role IDs.
type PermissionsConfig struct {
	AdminRoles []string `json:"admin_roles"`
	DJRoles    []string `json:"dj_roles"`
}

type MusicConfig struct {
	Enabled       bool   `json:"enabled"`
	Backend       string `json:"backend"`
	MaxQueueSize  int    `json:"max_queue_size"`
	DefaultVolume int    `json:"default_volume"`

	// IdleTimeoutSeconds is how long a stopped player stays in voice. 0 disables auto-leave.
	IdleTimeoutSeconds     int    `json:"idle_timeout_seconds"`
	MetadataPolicy         string `json:"metadata_policy"`
	MetadataTimeoutSeconds int    `json:"metadata_timeout_seconds"`
	ResolveTimeoutSeconds  int    `json:"resolve_timeout_seconds"`

	Channel    string `json:"channel"`
	LogChannel string `json:"log_channel"`

	Direct   DirectMusicConfig   `json:"direct"`
	Lavalink LavalinkMusicConfig `json:"lavalink"`
	Cache    CacheConfig         `json:"cache"`
}

type DirectMusicConfig struct {
	YTDLPPath  string `json:"ytdlp_path"`
	FFmpegPath string `json:"ffmpeg_path"`
}

type LavalinkMusicConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	Secure   bool   `json:"secure"`
}

type CacheConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type TicketsConfig struct {
	Enabled            bool   `json:"enabled"`
	ThreadChannel      string `json:"thread_channel"`
	PanelChannel       string `json:"panel_channel"`
	QueueChannel       string `json:"queue_channel"`
	StaffRole          string `json:"staff_role"`
	DefaultCloseReason string `json:"default_close_reason"`
}

type EventsConfig struct {
	Driver string     `json:"driver"`
	AMQP   AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type RouterConfig struct {
	Workers int `json:"workers"`
}

const (
	MetadataTolerate = "tolerate"
	MetadataStrict   = "strict"
)

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Discord:  DiscordConfig{Prefix: "!"},
		Database: DatabaseConfig{Driver: "sqlite", SQLite: SQLiteConfig{Path: "data/bot.db"}},
		Music: MusicConfig{
			Enabled:                true,
			Backend:                "direct",
			MaxQueueSize:           100,
			DefaultVolume:          50,
			IdleTimeoutSeconds:     120,
			MetadataPolicy:         MetadataTolerate,
			MetadataTimeoutSeconds: 8,
			ResolveTimeoutSeconds:  30,
			Direct:                 DirectMusicConfig{YTDLPPath: "yt-dlp", FFmpegPath: "ffmpeg"},
			Lavalink:               LavalinkMusicConfig{Host: "localhost", Port: 2333, Password: "youshallnotpass"},
			Cache:                  CacheConfig{Driver: "memory", TTLSeconds: 600},
		},
		Tickets: TicketsConfig{Enabled: true, DefaultCloseReason: "resolved"},
		Events:  EventsConfig{Driver: "log", AMQP: AMQPConfig{Exchange: "bot.events"}},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Router:  RouterConfig{Workers: 8},
	}
}

// Load reads the JSON file at path on top of Default, then applies .env and
// environment overrides. A missing file is not an error when the environment
// supplies the token.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

// readFile returns the file's settings on top of Default, without any
// environment overrides.
func readFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path. The file is replaced atomically.
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0755)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func applyEnv(cfg *Config) {
	cfg.Discord.Token = getEnv("DISCORD_TOKEN", cfg.Discord.Token)
	cfg.Discord.GuildID = getEnv("GUILD_ID", cfg.Discord.GuildID)
	cfg.Discord.Prefix = getEnv("COMMAND_PREFIX", cfg.Discord.Prefix)

	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.SQLite.Path = getEnv("SQLITE_PATH", cfg.Database.SQLite.Path)
	cfg.Database.MongoDB.URI = getEnv("MONGODB_URI", cfg.Database.MongoDB.URI)

	if v := getEnv("ADMIN_ROLE_ID", ""); v != "" {
		cfg.Permissions.AdminRoles = appendUnique(cfg.Permissions.AdminRoles, v)
	}
	if v := getEnv("DJ_ROLE_ID", ""); v != "" && v != "0" {
		cfg.Permissions.DJRoles = appendUnique(cfg.Permissions.DJRoles, v)
	}

	cfg.Music.Backend = getEnv("MUSIC_BACKEND", cfg.Music.Backend)
	cfg.Music.Channel = getEnv("MUSIC_CHANNEL_ID", cfg.Music.Channel)
	cfg.Music.LogChannel = getEnv("MUSIC_LOG_CHANNEL_ID", cfg.Music.LogChannel)
	cfg.Music.Direct.FFmpegPath = getEnv("FFMPEG_PATH", cfg.Music.Direct.FFmpegPath)
	cfg.Music.Direct.YTDLPPath = getEnv("YTDLP_PATH", cfg.Music.Direct.YTDLPPath)
	cfg.Music.IdleTimeoutSeconds = getEnvAsInt("MUSIC_IDLE_TIMEOUT_SECONDS", cfg.Music.IdleTimeoutSeconds)
	cfg.Music.MetadataPolicy = getEnv("MUSIC_METADATA_POLICY", cfg.Music.MetadataPolicy)
	cfg.Music.Cache.Redis.Addr = getEnv("REDIS_ADDR", cfg.Music.Cache.Redis.Addr)
	cfg.Music.Cache.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Music.Cache.Redis.Password)

	cfg.Tickets.ThreadChannel = getEnv("TICKET_CHANNEL_ID", cfg.Tickets.ThreadChannel)
	cfg.Tickets.PanelChannel = getEnv("TICKET_PANEL_CHANNEL_ID", cfg.Tickets.PanelChannel)
	cfg.Tickets.QueueChannel = getEnv("TICKET_QUEUE_CHANNEL_ID", cfg.Tickets.QueueChannel)
	cfg.Tickets.StaffRole = getEnv("TICKET_STAFF_ROLE_ID", cfg.Tickets.StaffRole)

	cfg.Events.AMQP.URL = getEnv("AMQP_URL", cfg.Events.AMQP.URL)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Router.Workers = getEnvAsInt("ROUTER_WORKERS", cfg.Router.Workers)
}

func normalize(cfg *Config) {
	if cfg.Music.MaxQueueSize <= 0 {
		cfg.Music.MaxQueueSize = 100
	}
	if cfg.Music.DefaultVolume <= 0 {
		cfg.Music.DefaultVolume = 50
	}
	if cfg.Music.DefaultVolume > 100 {
		cfg.Music.DefaultVolume = 100
	}
	if cfg.Music.IdleTimeoutSeconds < 0 {
		cfg.Music.IdleTimeoutSeconds = 0
	}
	if cfg.Music.MetadataTimeoutSeconds <= 0 {
		cfg.Music.MetadataTimeoutSeconds = 8
	}
	if cfg.Music.ResolveTimeoutSeconds <= 0 {
		cfg.Music.ResolveTimeoutSeconds = 30
	}
	cfg.Music.MetadataPolicy = strings.ToLower(strings.TrimSpace(cfg.Music.MetadataPolicy))
	if cfg.Music.MetadataPolicy != MetadataStrict {
		cfg.Music.MetadataPolicy = MetadataTolerate
	}
	if cfg.Music.Backend == "" {
		cfg.Music.Backend = "direct"
	}
	if cfg.Music.Direct.YTDLPPath == "" {
		cfg.Music.Direct.YTDLPPath = "yt-dlp"
	}
	if cfg.Music.Direct.FFmpegPath == "" {
		cfg.Music.Direct.FFmpegPath = "ffmpeg"
	}
	if cfg.Music.Lavalink.Host == "" {
		cfg.Music.Lavalink.Host = "localhost"
	}
	if cfg.Music.Lavalink.Port == 0 {
		cfg.Music.Lavalink.Port = 2333
	}
	if cfg.Music.Lavalink.Password == "" {
		cfg.Music.Lavalink.Password = "youshallnotpass"
	}
	if cfg.Music.Cache.TTLSeconds <= 0 {
		cfg.Music.Cache.TTLSeconds = 600
	}
	if cfg.Tickets.DefaultCloseReason == "" {
		cfg.Tickets.DefaultCloseReason = "resolved"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = "data/bot.db"
	}
	if cfg.Database.MongoDB.Database == "" {
		cfg.Database.MongoDB.Database = "discordbot"
	}
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "log"
	}
	if cfg.Events.AMQP.Exchange == "" {
		cfg.Events.AMQP.Exchange = "bot.events"
	}
	if cfg.Router.Workers <= 0 {
		cfg.Router.Workers = 8
	}
}

// Validate reports settings the bot cannot start without.
func (c *Config) Validate() error {
	if c.Discord.Token == "" || c.Discord.Token == "YOUR_DISCORD_BOT_TOKEN_HERE" {
		return errors.New("discord.token is not set (config file or DISCORD_TOKEN)")
	}
	switch c.Music.Backend {
	case "direct", "lavalink":
	default:
		return fmt.Errorf("unknown music backend: %q (use \"direct\" or \"lavalink\")", c.Music.Backend)
	}
	switch c.Database.Driver {
	case "sqlite", "mongodb", "none":
	default:
		return fmt.Errorf("unsupported database driver: %s (use \"sqlite\", \"mongodb\" or \"none\")", c.Database.Driver)
	}
	if c.Database.Driver == "mongodb" && c.Database.MongoDB.URI == "" {
		return errors.New("database.mongodb.uri is required for the mongodb driver")
	}
	switch c.Events.Driver {
	case "log", "amqp", "none":
	default:
		return fmt.Errorf("unsupported events driver: %s", c.Events.Driver)
	}
	if c.Events.Driver == "amqp" && c.Events.AMQP.URL == "" {
		return errors.New("events.amqp.url is required for the amqp driver")
	}
	return nil
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Music.IdleTimeoutSeconds) * time.Second
}

func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.Music.MetadataTimeoutSeconds) * time.Second
}

func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.Music.ResolveTimeoutSeconds) * time.Second
}

// Holder publishes immutable configuration snapshots. Readers take one
// snapshot per operation and never observe a half-applied reload.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
	// mu serializes writers.
	mu sync.Mutex
}

func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

func (h *Holder) Snapshot() *Config { return h.cur.Load() }

// Reload re-reads the config file. The previous snapshot stays active on error.
func (h *Holder) Reload() (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h.cur.Store(cfg)
	return cfg, nil
}

// Update applies mutate to the settings stored in the config file, writes
// the file and publishes the result as the new snapshot. Environment
// overrides still win over the file. Nothing is written when mutate or
// validation fails.
func (h *Holder) Update(mutate func(cfg *Config) error) (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.path == "" {
		return nil, errors.New("no config file to write")
	}

	raw, err := readFile(h.path)
	if err != nil {
		return nil, err
	}
	if err := mutate(raw); err != nil {
		return nil, err
	}

	next, err := clone(raw)
	if err != nil {
		return nil, err
	}
	applyEnv(next)
	normalize(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := SaveConfig(raw, h.path); err != nil {
		return nil, fmt.Errorf("save %s: %w", h.path, err)
	}
	h.cur.Store(next)
	return next, nil
}

// Reset restores the defaults of every setting the bot's commands can change.
// Connection settings stay as they are.
func (h *Holder) Reset() (*Config, error) {
	return h.Update(func(cfg *Config) error {
		def := Default()
		cfg.Permissions = def.Permissions
		cfg.Tickets = def.Tickets
		m := &cfg.Music
		m.Enabled = def.Music.Enabled
		m.MaxQueueSize = def.Music.MaxQueueSize
		m.DefaultVolume = def.Music.DefaultVolume
		m.IdleTimeoutSeconds = def.Music.IdleTimeoutSeconds
		m.MetadataPolicy = def.Music.MetadataPolicy
		m.MetadataTimeoutSeconds = def.Music.MetadataTimeoutSeconds
		m.ResolveTimeoutSeconds = def.Music.ResolveTimeoutSeconds
		m.Channel = def.Music.Channel
		m.LogChannel = def.Music.LogChannel
		return nil
	})
}

func clone(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
