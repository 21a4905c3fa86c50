package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration reads "5s"-style strings or a plain number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// LoadFromFile reads a JSON or YAML (by extension) configuration on top of
// Default, then applies environment overrides.
func LoadFromFile(filePath string) (*Config, error) {
	c := Default()

	if filePath != "" {
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}

		switch strings.ToLower(filepath.Ext(filePath)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(raw, c)
		default:
			err = json.Unmarshal(raw, c)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides deployment-specific settings from BMS_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BMS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BMS_PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := lookup("BMS_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("BMS_STORE_BACKEND"); ok {
		c.Store.Backend = v
	}
	if v, ok := lookup("BMS_STORE_DSN"); ok {
		c.Store.DSN = v
	}
	if v, ok := lookup("BMS_STATIC_DIR"); ok {
		c.HTTP.StaticDir = v
	}
	if v, ok := lookup("BMS_RETHINK_ADDRESSES"); ok {
		c.DB.Rethink.Addresses = splitList(v)
	}
	if v, ok := lookup("BMS_SCYLLA_HOSTS"); ok {
		c.DB.Scylla.Hosts = splitList(v)
	}
	if v, ok := lookup("BMS_MQTT_ADDRESS"); ok {
		c.MQTT.Address = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Store.Timeout <= 0 {
		return errors.New("store.timeout must be positive")
	}
	if c.Store.Table == "" {
		return errors.New("store.table is required")
	}
	if c.Hub.QueueSize <= 0 {
		return errors.New("hub.queue_size must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRethink:
		if len(c.DB.Rethink.Addresses) == 0 {
			return errors.New("db.rethink.addresses is required for the rethinkdb backend")
		}
	case BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend)
		}
	case BackendScylla:
		if len(c.DB.Scylla.Hosts) == 0 {
			return errors.New("db.scylla.hosts is required for the scylla backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.CDC.Enabled {
		if c.Store.Backend != BackendScylla {
			return errors.New("cdc requires the scylla backend")
		}
		if len(c.DB.Rethink.Addresses) == 0 {
			return errors.New("cdc replicates into rethinkdb: db.rethink.addresses is required")
		}
	}

	if c.MQTT.Address == "" && (c.MQTT.IngestTopic != "" || c.MQTT.PublishTopic != "") {
		return errors.New("mqtt.address is required when an mqtt topic is set")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
