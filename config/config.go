// Package config loads the server's configuration: defaults, then an
// optional TOML file, then environment variable overrides, matching an
// env-first style but extended to the hierarchical keys §6.4 names.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const appName = "pmpserver"

// ServerConfig holds `server_caption` and the transport ports.
type ServerConfig struct {
	Caption   string `koanf:"caption"`
	TCPPort   int    `koanf:"tcp_port"`
	AdminPort int    `koanf:"admin_port"`
}

// PlayerConfig holds Player/* keys.
type PlayerConfig struct {
	DefaultVolume int `koanf:"default_volume"`
}

// MediaConfig holds Media/* keys.
type MediaConfig struct {
	ScanDirectories []string `koanf:"scan_directories"`
}

// SecurityConfig holds Security/* keys.
type SecurityConfig struct {
	FixedServerPassword string `koanf:"fixedserverpassword"`
}

// DatabaseConfig holds Database/* keys. An empty Hostname and Path together
// mean "no database configured", putting the server in degraded mode (§6.4).
type DatabaseConfig struct {
	Hostname string `koanf:"hostname"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	// Path is the sqlite file used when Hostname is empty; defaults under
	// the XDG data home.
	Path string `koanf:"path"`
}

// LastfmConfig holds optional scrobbling credentials (§12). Scrobbling
// stays disabled unless all three are set.
type LastfmConfig struct {
	APIKey     string `koanf:"api_key"`
	APISecret  string `koanf:"api_secret"`
	SessionKey string `koanf:"session_key"`
}

// Config is the fully resolved server configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Player   PlayerConfig   `koanf:"player"`
	Media    MediaConfig    `koanf:"media"`
	Security SecurityConfig `koanf:"security"`
	Database DatabaseConfig `koanf:"database"`
	Lastfm   LastfmConfig   `koanf:"lastfm"`

	// PreloadDir is where the preloader stages files ahead of playback.
	// Defaults under the XDG cache home.
	PreloadDir string `koanf:"preload_dir"`
}

// DatabaseConfigured reports whether the server should attempt to open a
// real history store rather than run in degraded mode.
func (c *Config) DatabaseConfigured() bool {
	return c.Database.Hostname != "" || c.Database.Path != ""
}

// HasLastfmConfig reports whether scrobbling credentials are present.
func (c *Config) HasLastfmConfig() bool {
	return c.Lastfm.APIKey != "" && c.Lastfm.APISecret != "" && c.Lastfm.SessionKey != ""
}

// defaults returns a Config pre-populated with baseline values, before any
// file or env overlay.
func defaults() *Config {
	dbPath, err := xdg.DataFile(filepath.Join(appName, "history.db"))
	if err != nil {
		dbPath = filepath.Join(".", "data", "history.db")
	}
	preloadDir, err := xdg.CacheFile(filepath.Join(appName, "preload"))
	if err != nil {
		preloadDir = filepath.Join(".", "data", "preload")
	}

	return &Config{
		Server: ServerConfig{
			Caption:   "PMP Server",
			TCPPort:   23432,
			AdminPort: 23433,
		},
		Player:     PlayerConfig{DefaultVolume: 75},
		Database:   DatabaseConfig{Path: dbPath},
		PreloadDir: preloadDir,
	}
}

// Load builds a Config from defaults, an optional TOML file, then
// environment variable overrides.
func Load() (*Config, error) {
	cfg := defaults()

	k := koanf.New(".")
	for _, path := range configPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, err
		}
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// configPaths returns candidate TOML file locations, later ones winning.
func configPaths() []string {
	paths := []string{}
	if confFile, err := xdg.ConfigFile(filepath.Join(appName, "config.toml")); err == nil {
		paths = append(paths, confFile)
	}
	paths = append(paths, "config.toml")
	return paths
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Caption = getEnv("PMP_SERVER_CAPTION", cfg.Server.Caption)
	cfg.Server.TCPPort = getEnvAsInt("PMP_TCP_PORT", cfg.Server.TCPPort)
	cfg.Server.AdminPort = getEnvAsInt("PMP_ADMIN_PORT", cfg.Server.AdminPort)
	cfg.Player.DefaultVolume = getEnvAsInt("PMP_DEFAULT_VOLUME", cfg.Player.DefaultVolume)
	cfg.Security.FixedServerPassword = getEnv("PMP_SERVER_PASSWORD", cfg.Security.FixedServerPassword)
	cfg.Database.Hostname = getEnv("PMP_DB_HOSTNAME", cfg.Database.Hostname)
	cfg.Database.Port = getEnvAsInt("PMP_DB_PORT", cfg.Database.Port)
	cfg.Database.Username = getEnv("PMP_DB_USERNAME", cfg.Database.Username)
	cfg.Database.Password = getEnv("PMP_DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Path = getEnv("PMP_DB_PATH", cfg.Database.Path)
	cfg.PreloadDir = getEnv("PMP_PRELOAD_DIR", cfg.PreloadDir)
	cfg.Lastfm.APIKey = getEnv("PMP_LASTFM_API_KEY", cfg.Lastfm.APIKey)
	cfg.Lastfm.APISecret = getEnv("PMP_LASTFM_API_SECRET", cfg.Lastfm.APISecret)
	cfg.Lastfm.SessionKey = getEnv("PMP_LASTFM_SESSION_KEY", cfg.Lastfm.SessionKey)

	if dirs := getEnv("PMP_SCAN_DIRECTORIES", ""); dirs != "" {
		cfg.Media.ScanDirectories = strings.Split(dirs, string(os.PathListSeparator))
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultVal int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}
