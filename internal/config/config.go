// Package config provides configuration and secrets loading for tabulard.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the tabulard server.
type Config struct {
	// Database is the path of the embedded engine storage (a directory or a .db file)
	Database string `json:"database" yaml:"database"`

	// Port is the HTTP listen port
	Port int `json:"port" yaml:"port"`

	// Host is the HTTP listen host
	Host string `json:"host" yaml:"host"`

	// DataDir is where downloaded and relative input files live
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// StaticDir holds the built web client, served at "/" when present
	StaticDir string `json:"static_dir" yaml:"static_dir"`

	// CORSOrigins lists origins allowed to call the API
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`

	// HTTP server timeouts
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Remote object index configuration
	Index IndexConfig `json:"index" yaml:"index"`

	// Object storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Download cache configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Logging configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// IndexConfig holds remote object index configuration.
type IndexConfig struct {
	// TTL is the maximum age of a bucket index before it is rebuilt
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// Scheme prefixes every locator, e.g. "s3" gives s3://bucket/key
	Scheme string `json:"scheme" yaml:"scheme"`
}

// IngestConfig holds download cache configuration.
type IngestConfig struct {
	// CacheMaxBytes bounds the total size of cached object downloads
	CacheMaxBytes int64 `json:"cache_max_bytes" yaml:"cache_max_bytes"`

	// CacheTTL is how long a downloaded object is reused; 0 disables reuse
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: s3, local
	Type string `json:"type" yaml:"type"`

	// Path is the root directory for local storage; each bucket is a subdirectory
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`

	// SeqURL enables shipping logs to a Seq server when set
	SeqURL string `json:"seq_url" yaml:"seq_url"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Database:  "./data",
		Port:      8000,
		Host:      "0.0.0.0",
		DataDir:   "",
		StaticDir: "client/dist",
		CORSOrigins: []string{
			"http://localhost:8080",
			"http://localhost",
			"http://localhost:5173",
		},
		HTTP: HTTPConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		Index: IndexConfig{
			TTL:    600 * time.Second,
			Scheme: "s3",
		},
		Storage: StorageConfig{
			Type: "s3",
		},
		Ingest: IngestConfig{
			CacheMaxBytes: 1 << 30,
			CacheTTL:      10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve fills in paths derived from Database.
func (c *Config) Resolve() {
	if c.Database == "" {
		c.Database = "./data"
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.databaseDir(), "files")
	}
	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.databaseDir(), "buckets")
	}
	if c.Index.Scheme == "" {
		c.Index.Scheme = "s3"
	}
}

// databaseDir returns the directory holding the engine file.
func (c *Config) databaseDir() string {
	if IsDatabaseFile(c.Database) {
		return filepath.Dir(c.Database)
	}
	return c.Database
}

// IsDatabaseFile reports whether path names a database file rather than a directory.
func IsDatabaseFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3", ".duckdb":
		return true
	}
	return false
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Index.TTL <= 0 {
		return fmt.Errorf("index.ttl must be positive, got %v", c.Index.TTL)
	}

	if c.Ingest.CacheMaxBytes < 0 || c.Ingest.CacheTTL < 0 {
		return fmt.Errorf("ingest cache limits must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// DefaultConfigFile is read when no config file is named explicitly.
const DefaultConfigFile = "config.yml"

// LoadOptional loads path like LoadFromFile, but returns the defaults when
// the file does not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadFromFile(path)
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TABULARD_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TABULARD_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("TABULARD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("TABULARD_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("TABULARD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TABULARD_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("TABULARD_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}

	// Index configuration
	if v := os.Getenv("TABULARD_INDEX_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Index.TTL = d
		}
	}

	// Storage configuration
	if v := os.Getenv("TABULARD_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TABULARD_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TABULARD_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TABULARD_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	// Download cache configuration
	if v := os.Getenv("TABULARD_DOWNLOAD_CACHE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ingest.CacheMaxBytes = n
		}
	}
	if v := os.Getenv("TABULARD_DOWNLOAD_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.CacheTTL = d
		}
	}

	// Logging configuration
	if v := os.Getenv("TABULARD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TABULARD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TABULARD_SEQ_URL"); v != "" {
		cfg.Log.SeqURL = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.databaseDir(),
		c.DataDir,
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
