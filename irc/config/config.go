package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration
type Config struct {
	// Database settings
	Database struct {
		Driver string `yaml:"driver" toml:"driver" json:"driver" env:"IRC2ME_DB_DRIVER"`
		DSN    string `yaml:"dsn" toml:"dsn" json:"dsn" env:"IRC2ME_DB_DSN"`
	} `yaml:"database" toml:"database" json:"database"`

	// Gateway settings
	Gateway struct {
		RefreshInterval  int `yaml:"refresh_interval" toml:"refresh_interval" json:"refresh_interval" env:"IRC2ME_REFRESH_INTERVAL"`
		PingInterval     int `yaml:"ping_interval" toml:"ping_interval" json:"ping_interval" env:"IRC2ME_PING_INTERVAL"`
		DialTimeout      int `yaml:"dial_timeout" toml:"dial_timeout" json:"dial_timeout" env:"IRC2ME_DIAL_TIMEOUT"`
		SubscriberBuffer int `yaml:"subscriber_buffer" toml:"subscriber_buffer" json:"subscriber_buffer" env:"IRC2ME_SUBSCRIBER_BUFFER"`
	} `yaml:"gateway" toml:"gateway" json:"gateway"`

	// TLS settings for upstream connections
	TLS struct {
		InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify" json:"insecure_skip_verify" env:"IRC2ME_TLS_INSECURE"`
	} `yaml:"tls" toml:"tls" json:"tls"`

	// Proxy settings for upstream connections
	Proxy struct {
		Type     string `yaml:"type" toml:"type" json:"type" env:"IRC2ME_PROXY_TYPE"`
		Address  string `yaml:"address" toml:"address" json:"address" env:"IRC2ME_PROXY_ADDRESS"`
		Username string `yaml:"username" toml:"username" json:"username" env:"IRC2ME_PROXY_USERNAME"`
		Password string `yaml:"password" toml:"password" json:"password" env:"IRC2ME_PROXY_PASSWORD"`
	} `yaml:"proxy" toml:"proxy" json:"proxy"`

	// Admin HTTP server settings
	Admin struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"IRC2ME_ADMIN_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"IRC2ME_ADMIN_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRC2ME_ADMIN_PORT"`
	} `yaml:"admin" toml:"admin" json:"admin"`

	// Configuration source for rehashing
	Source string
}

func setDefaults(cfg *Config) {
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "irc2me.db"
	cfg.Gateway.RefreshInterval = 60
	cfg.Gateway.PingInterval = 120
	cfg.Gateway.DialTimeout = 30
	cfg.Gateway.SubscriberBuffer = 128
	cfg.Admin.Host = "127.0.0.1"
	cfg.Admin.Port = 8080
}

// Load loads configuration from a file or URL
func Load(source string) (*Config, error) {
	cfg := &Config{
		Source: source,
	}

	setDefaults(cfg)

	if source != "" {
		if err := cfg.loadFromSource(source); err != nil {
			return nil, err
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Reload reloads the configuration from the original source or a new source
func (c *Config) Reload(newSource string) error {
	if newSource != "" {
		c.Source = newSource
	}

	newCfg := &Config{}
	setDefaults(newCfg)

	if err := newCfg.loadFromSource(c.Source); err != nil {
		return err
	}

	applyEnvOverrides(newCfg)

	*c = *newCfg
	return nil
}

// loadFromSource loads configuration from a file or URL
func (c *Config) loadFromSource(source string) error {
	var data []byte
	var err error

	// Check if the source is a URL
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return fmt.Errorf("failed to load config from URL: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to load config from URL, status: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read config from URL: %v", err)
		}
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read config file: %v", err)
		}
	}

	// Determine the format based on file extension
	switch {
	case strings.HasSuffix(source, ".yaml") || strings.HasSuffix(source, ".yml"):
		err = yaml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".json"):
		err = json.Unmarshal(data, c)
	default:
		// Default to YAML
		err = yaml.Unmarshal(data, c)
	}

	if err != nil {
		return fmt.Errorf("failed to parse config: %v", err)
	}

	c.Source = source
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

// applyEnvOverridesRecursive recursively applies environment variable overrides
func applyEnvOverridesRecursive(v reflect.Value) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldValue := v.Field(i)

		// Skip unexported fields
		if field.PkgPath != "" {
			continue
		}

		envTag := field.Tag.Get("env")

		if envTag != "" {
			if envValue, exists := os.LookupEnv(envTag); exists {
				setFieldFromEnv(fieldValue, envValue)
			}
		} else if field.Type.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(fieldValue)
		}
	}
}

// setFieldFromEnv sets a field's value from an environment variable
func setFieldFromEnv(field reflect.Value, envValue string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := parseInt(envValue); err == nil {
			field.SetInt(v)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v, err := parseUint(envValue); err == nil {
			field.SetUint(v)
		}
	case reflect.Bool:
		if v, err := parseBool(envValue); err == nil {
			field.SetBool(v)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(envValue, ",")
			slice := reflect.MakeSlice(field.Type(), len(values), len(values))
			for i, v := range values {
				slice.Index(i).SetString(strings.TrimSpace(v))
			}
			field.Set(slice)
		}
	}
}

// Helper functions for parsing different types
func parseInt(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func parseUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func parseBool(s string) (bool, error) {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "y", nil
}

// GetAdminListenAddress returns the formatted listen address for the admin server
func (c *Config) GetAdminListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Admin.Host, c.Admin.Port)
}
