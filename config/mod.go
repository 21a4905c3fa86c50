package config

import "time"

const (
	BackendMemory   = "memory"
	BackendRethink  = "rethinkdb"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendScylla   = "scylla"
)

type Config struct {
	Port int `json:"port" yaml:"port"`
	Log  struct {
		Level string `json:"level" yaml:"level"`
	} `json:"log" yaml:"log"`
	HTTP struct {
		StaticDir string `json:"static_dir" yaml:"static_dir"`
	} `json:"http" yaml:"http"`
	Store struct {
		Backend string   `json:"backend" yaml:"backend"`
		Timeout Duration `json:"timeout" yaml:"timeout"`
		DSN     string   `json:"dsn" yaml:"dsn"`
		Table   string   `json:"table" yaml:"table"`
	} `json:"store" yaml:"store"`
	DB struct {
		Scylla struct {
			Hosts    []string `json:"hosts" yaml:"hosts"`
			KeySpace string   `json:"keyspace" yaml:"keyspace"`
			Device   string   `json:"device" yaml:"device"`
		} `json:"scylla" yaml:"scylla"`
		Rethink struct {
			Addresses []string `json:"addresses" yaml:"addresses"`
			Database  string   `json:"database" yaml:"database"`
			Username  string   `json:"username" yaml:"username"`
			Password  string   `json:"password" yaml:"password"`
		} `json:"rethink" yaml:"rethink"`
	} `json:"db" yaml:"db"`
	Hub struct {
		QueueSize int `json:"queue_size" yaml:"queue_size"`
	} `json:"hub" yaml:"hub"`
	CDC struct {
		Enabled         bool    `json:"enabled" yaml:"enabled"`
		ReplicaTable    string  `json:"replica_table" yaml:"replica_table"`
		LowSOCThreshold float64 `json:"low_soc_threshold" yaml:"low_soc_threshold"`
	} `json:"cdc" yaml:"cdc"`
	MQTT struct {
		Address      string `json:"address" yaml:"address"`
		ClientID     string `json:"client_id" yaml:"client_id"`
		IngestTopic  string `json:"ingest_topic" yaml:"ingest_topic"`
		PublishTopic string `json:"publish_topic" yaml:"publish_topic"`
		Username     string `json:"username" yaml:"username"`
		Password     string `json:"password" yaml:"password"`
	} `json:"mqtt" yaml:"mqtt"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	c := new(Config)
	c.Port = 3000
	c.Log.Level = "info"
	c.Store.Backend = BackendMemory
	c.Store.Timeout = Duration(5 * time.Second)
	c.Store.Table = "battery_data"
	c.DB.Rethink.Database = "bms"
	c.DB.Scylla.KeySpace = "bms"
	c.DB.Scylla.Device = "default"
	c.Hub.QueueSize = 16
	c.CDC.ReplicaTable = "battery_data_replica"
	c.CDC.LowSOCThreshold = 10
	c.MQTT.ClientID = "bms-telemetry"
	return c
}
