package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Peer identifies a DIMSE endpoint.
type Peer struct {
	AET  string `json:"aet" validate:"required,min=1,max=16"`
	IP   string `json:"ip" validate:"required"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`
}

// Addr returns the host:port dial address for the peer.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// DimseProxySettings configures the gateway's own SCP identity and the PACS
// peers it talks to. Peers[0] is the primary SCU target.
type DimseProxySettings struct {
	ProxyServer Peer   `json:"proxyServer" validate:"required"`
	Peers       []Peer `json:"peers" validate:"required,min=1,dive"`
}

// SSLConfig mirrors the ssl block. TLS termination itself is handled by the
// router layer.
type SSLConfig struct {
	Enabled            bool   `json:"enabled"`
	Port               int    `json:"port"`
	CertPath           string `json:"certPath"`
	KeyPath            string `json:"keyPath"`
	GenerateSelfSigned bool   `json:"generateSelfSigned"`
	RedirectHTTP       bool   `json:"redirectHttp"`
}

// CORSConfig mirrors the cors block; comma-separated lists as in the legacy
// configuration format.
type CORSConfig struct {
	Origin         string `json:"origin"`
	Methods        string `json:"methods"`
	AllowedHeaders string `json:"allowedHeaders"`
	Credentials    bool   `json:"credentials"`
}

// Origins splits the configured origin list.
func (c CORSConfig) Origins() []string {
	return splitCSV(c.Origin)
}

// MethodList splits the configured method list.
func (c CORSConfig) MethodList() []string {
	return splitCSV(c.Methods)
}

// HeaderList splits the configured header list.
func (c CORSConfig) HeaderList() []string {
	return splitCSV(c.AllowedHeaders)
}

// RedisConfig locates the optional Redis backend for the QIDO cache.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// QidoCacheConfig configures the QIDO metadata cache.
type QidoCacheConfig struct {
	Enabled    bool        `json:"enabled"`
	Type       string      `json:"type" validate:"omitempty,oneof=memory redis"`
	TTLSeconds int         `json:"ttlSeconds"`
	Redis      RedisConfig `json:"redis"`
}

// TTL returns the configured cache TTL.
func (q QidoCacheConfig) TTL() time.Duration {
	if q.TTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(q.TTLSeconds) * time.Second
}

// LogConfig controls the zerolog setup.
type LogConfig struct {
	Level  string `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" validate:"omitempty,oneof=json console"`
}

// Config is the full gateway configuration.
type Config struct {
	ProxyMode          string             `json:"proxyMode" validate:"required,oneof=dimse dicomweb"`
	DimseProxySettings DimseProxySettings `json:"dimseProxySettings"`

	WebserverPort int        `json:"webserverPort" validate:"min=1,max=65535"`
	SSL           SSLConfig  `json:"ssl"`
	CORS          CORSConfig `json:"cors"`

	StoragePath           string `json:"storagePath"`
	CacheRetentionMinutes int    `json:"cacheRetentionMinutes" validate:"min=1"`
	MaxCacheSizeMB        int64  `json:"maxCacheSizeMB" validate:"min=1"`
	EnableCache           bool   `json:"enableCache"`

	UseCget       bool   `json:"useCget"`
	UseFetchLevel string `json:"useFetchLevel" validate:"omitempty,oneof=STUDY SERIES INSTANCE"`

	MaxAssociations    int  `json:"maxAssociations" validate:"min=1"`
	QidoMinChars       int  `json:"qidoMinChars" validate:"min=0"`
	QidoAppendWildcard bool `json:"qidoAppendWildcard"`

	QidoCache QidoCacheConfig `json:"qidoCache"`
	Log       LogConfig       `json:"log"`
}

// Retention returns the cache TTL.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.CacheRetentionMinutes) * time.Minute
}

// MaxCacheSizeBytes returns the cache size cap in bytes.
func (c *Config) MaxCacheSizeBytes() int64 {
	return c.MaxCacheSizeMB * 1024 * 1024
}

// Primary returns the default SCU target.
func (c *Config) Primary() Peer {
	return c.DimseProxySettings.Peers[0]
}

// PeerAETs returns the set of AE titles authorized to open inbound
// associations.
func (c *Config) PeerAETs() map[string]bool {
	out := make(map[string]bool, len(c.DimseProxySettings.Peers))
	for _, p := range c.DimseProxySettings.Peers {
		out[p.AET] = true
	}
	return out
}

func defaults() *Config {
	return &Config{
		ProxyMode:             "dimse",
		WebserverPort:         8080,
		StoragePath:           "./data",
		CacheRetentionMinutes: 60,
		MaxCacheSizeMB:        4096,
		EnableCache:           true,
		UseFetchLevel:         "INSTANCE",
		MaxAssociations:       4,
		QidoMinChars:          0,
		QidoAppendWildcard:    true,
		CORS: CORSConfig{
			Origin:         "*",
			Methods:        "GET,POST,OPTIONS",
			AllowedHeaders: "Content-Type,Accept",
		},
		QidoCache: QidoCacheConfig{Type: "memory", TTLSeconds: 60},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// searchPaths lists the candidate config files relative to the binary and the
// working directory, in lookup order.
func searchPaths() []string {
	names := []string{
		"config.json", "config.jsonc",
		filepath.Join("config", "config.json"), filepath.Join("config", "config.jsonc"),
	}
	var paths []string
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}
	paths = append(paths, names...)
	return paths
}

// Load reads the configuration file, applying defaults and .env overrides.
// The file may contain comments and trailing commas (JSONC).
func Load() (*Config, error) {
	// Optional .env for deployment overrides such as CONFIG_PATH.
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		for _, candidate := range searchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil, fmt.Errorf("no config.json or config.jsonc found (set CONFIG_PATH to override)")
	}

	return LoadFile(path)
}

// LoadFile reads and validates one configuration file.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := json.Unmarshal(jsonc.ToJSON(raw), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration beyond what JSON decoding enforces.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.ProxyMode != "dimse" {
		return fmt.Errorf("proxyMode %q: the dicomweb pass-through mode is not supported by this build", c.ProxyMode)
	}
	if len(c.DimseProxySettings.Peers) == 0 {
		return fmt.Errorf("dimseProxySettings.peers must list at least one PACS")
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
