package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full runtime configuration, loaded from a
// YAML file and hot-reloadable via Load/Save.
type Config struct {
	mu sync.RWMutex `yaml:"-"`

	Robot     RobotConfig     `yaml:"robot"`
	Inventory InventoryConfig `yaml:"inventory"`
	HTTP      HTTPConfig      `yaml:"http"`
	Audit     AuditConfig     `yaml:"audit"`
	Lock      LockConfig      `yaml:"lock"`
}

// RobotConfig dials the single workcell robot's RPC link. Only one robot
// connection is wired into the command handler — the original source's
// second controller (robot_b) is never driven by its command handler
// either, so there is nothing on the critical path to route to it.
type RobotConfig struct {
	Name             string        `yaml:"name"`
	URL              string        `yaml:"url"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
}

// InventoryConfig seeds the in-memory slot layout at startup. Inventory
// itself is not persisted across restarts; this is its bootstrap source.
type InventoryConfig struct {
	SlotsFile string `yaml:"slots_file"`
}

// HTTPConfig addresses the chi-backed command-ingress/status-egress
// server.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuditConfig backs the append-only task-history store and its
// fire-and-forget event exporter.
type AuditConfig struct {
	Store    AuditStoreConfig    `yaml:"store"`
	Exporter AuditExporterConfig `yaml:"exporter"`
}

// AuditStoreConfig selects the SQL dialect for task_history. SQLite is
// the zero-config default; Postgres is opt-in for multi-process
// deployments.
type AuditStoreConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// AuditExporterConfig selects between the two export backends. Mode is
// "kafka", "mqtt", or "none".
type AuditExporterConfig struct {
	Mode  string      `yaml:"mode"`
	Kafka KafkaConfig `yaml:"kafka"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Topic     string `yaml:"topic"`
}

// LockConfig names the single-instance guard file.
type LockConfig struct {
	Path string `yaml:"path"`
}

func Defaults() *Config {
	return &Config{
		Robot: RobotConfig{
			Name:             "workcell-1",
			URL:              "ws://192.168.1.50:9090/",
			MaxRetryAttempts: 0,
			RetryInterval:    5 * time.Second,
			DialTimeout:      10 * time.Second,
		},
		Inventory: InventoryConfig{
			SlotsFile: "slots.yaml",
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8083,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Store: AuditStoreConfig{
				Driver: "sqlite",
				SQLite: SQLiteConfig{Path: "labcell.db"},
				Postgres: PostgresConfig{
					Host:     "localhost",
					Port:     5432,
					Database: "labcell",
					User:     "labcell",
					Password: "",
					SSLMode:  "disable",
				},
			},
			Exporter: AuditExporterConfig{
				Mode: "none",
				Kafka: KafkaConfig{
					Brokers: []string{"localhost:9092"},
					Topic:   "labcell.task_events",
				},
				MQTT: MQTTConfig{
					BrokerURL: "tcp://localhost:1883",
					ClientID:  "labcell-orchestrator",
					Topic:     "labcell/task_events",
				},
			},
		},
		Lock: LockConfig{
			Path: "labcell.lock",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
