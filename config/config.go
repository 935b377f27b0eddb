package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"houseprice/logging"
)

// Config is the service configuration loaded from config.yaml.
type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      logging.Config `yaml:"log"`
	Model    ModelConfig    `yaml:"model"`
}

// DatasetConfig locates and decodes the raw dataset.
type DatasetConfig struct {
	Source    string       `yaml:"source"`
	Encoding  string       `yaml:"encoding"`
	CacheSize int          `yaml:"cache_size"`
	Watch     bool         `yaml:"watch"`
	Fields    FieldsConfig `yaml:"fields"`
}

// FieldsConfig holds the JSONPath selectors of the two columns.
type FieldsConfig struct {
	Feature string `yaml:"feature"`
	Label   string `yaml:"label"`
}

// DatabaseConfig points at the SQLite file. An empty path disables the store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// ModelConfig names the model and where its files go.
type ModelConfig struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`
	Seed int64  `yaml:"seed"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Source   string
	Encoding string
	Database string
	Port     int
	LogLevel string
	ModelDir string
	Seed     int64
}

// Default returns a config that runs against ./datos.json.
func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			Source:    "datos.json",
			CacheSize: 8,
			Watch:     true,
			Fields: FieldsConfig{
				Feature: "$.NumeroDeCuartosPromedio",
				Label:   "$.Precio",
			},
		},
		Database: DatabaseConfig{Path: "houseprice.db"},
		HTTP: HTTPConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
			MaxUploadBytes: 10 << 20,
		},
		Log: logging.Config{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Model: ModelConfig{
			Name: "houseprice",
			Dir:  "models",
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Source != "" {
		c.Dataset.Source = o.Source
	}
	if o.Encoding != "" {
		c.Dataset.Encoding = o.Encoding
	}
	if o.Database != "" {
		c.Database.Path = o.Database
	}
	if o.Port > 0 {
		c.HTTP.Port = o.Port
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.ModelDir != "" {
		c.Model.Dir = o.ModelDir
	}
	if o.Seed != 0 {
		c.Model.Seed = o.Seed
	}
}

// Validate verifies the config is runnable and fills optional fields.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Dataset.Source == "" {
		return errors.New("dataset.source must be set")
	}
	if c.Dataset.CacheSize < 0 {
		return fmt.Errorf("dataset.cache_size must be >= 0 (got %d)", c.Dataset.CacheSize)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in 1..65535 (got %d)", c.HTTP.Port)
	}
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		c.HTTP.MaxUploadBytes = 10 << 20
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Model.Name == "" {
		c.Model.Name = "houseprice"
	}
	if c.Model.Dir == "" {
		c.Model.Dir = "models"
	}
	return nil
}
