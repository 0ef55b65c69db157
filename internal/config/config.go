package config

import (
	"fmt"
	"log"
	"strings"

	"indexcheck/internal/model"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration tree.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	SQS      SQSConfig      `mapstructure:"sqs"`
	Credit   CreditConfig   `mapstructure:"credit"`
	Project  ProjectConfig  `mapstructure:"project"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig selects the gorm dialector: "mysql" in production, "sqlite" for
// local runs.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	LogLevel string `mapstructure:"log_level"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig picks the transport the outbox sender publishes check jobs to.
type QueueConfig struct {
	Driver string `mapstructure:"driver"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	GroupID string           `mapstructure:"group_id"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	CheckJobs    string `mapstructure:"check_jobs"`
	CheckResults string `mapstructure:"check_results"`
	Alerts       string `mapstructure:"alerts"`
}

// SQSConfig maps logical topic names to queue URLs.
type SQSConfig struct {
	Region    string            `mapstructure:"region"`
	QueueURLs map[string]string `mapstructure:"queue_urls"`
}

// CreditConfig is only used to provision the ledger singleton.
type CreditConfig struct {
	TotalCredits    int64 `mapstructure:"total_credits"`
	UsedCredits     int64 `mapstructure:"used_credits"`
	CreditsPerCheck int64 `mapstructure:"credits_per_check"`
}

type ProjectConfig struct {
	StartStatuses []string `mapstructure:"start_statuses"`
}

type BusinessConfig struct {
	OutboxIntervalMs         int `mapstructure:"outbox_interval_ms"`
	MaxRetryCount            int `mapstructure:"max_retry_count"`
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
	JobBatchSize             int `mapstructure:"job_batch_size"`
	HistoryLimit             int `mapstructure:"history_limit"`
}

// Defaults returns a configuration usable without a config file.
func Defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "mysql", LogLevel: "warn"},
		MySQL: MySQLConfig{
			Host:         "127.0.0.1",
			Port:         3306,
			User:         "root",
			Database:     "indexcheck",
			MaxOpenConns: 50,
			MaxIdleConns: 10,
		},
		SQLite: SQLiteConfig{Path: "indexcheck.db"},
		Redis:  RedisConfig{Host: "127.0.0.1", Port: 6379},
		Queue:  QueueConfig{Driver: "kafka"},
		Kafka: KafkaConfig{
			Brokers: []string{"127.0.0.1:9092"},
			GroupID: "indexcheck",
			Topic: KafkaTopicConfig{
				CheckJobs:    "urls-index-check",
				CheckResults: "urls-index-result",
				Alerts:       "credit-alerts",
			},
		},
		SQS: SQSConfig{Region: "us-east-1", QueueURLs: map[string]string{}},
		Credit: CreditConfig{
			TotalCredits:    1250000,
			UsedCredits:     0,
			CreditsPerCheck: 10,
		},
		Project: ProjectConfig{StartStatuses: []string{"IDLE", "IMPORTED"}},
		Business: BusinessConfig{
			OutboxIntervalMs:         100,
			MaxRetryCount:            5,
			ReconcileIntervalSeconds: 60,
			JobBatchSize:             100,
			HistoryLimit:             50,
		},
	}
}

// LoadConfig loads the config file and exits on failure.
//
// Values from the file override Defaults(); INDEXCHECK_* environment variables
// override the file. A .env file in the working directory is loaded first.
func LoadConfig(configPath string) *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] no .env file found, using process environment")
	}

	cfg, err := Load(viper.New(), configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// Load reads configPath into a copy of Defaults().
func Load(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INDEXCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	// mapstructure decodes a list into the existing slice element by element, so
	// a configured list shorter than the default would keep the default's tail.
	if v.IsSet("project.start_statuses") {
		cfg.Project.StartStatuses = nil
	}
	if v.IsSet("kafka.brokers") {
		cfg.Kafka.Brokers = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Credit.CreditsPerCheck <= 0 {
		return nil, fmt.Errorf("credit.credits_per_check must be positive, got %d", cfg.Credit.CreditsPerCheck)
	}
	if len(cfg.Project.StartStatuses) == 0 {
		return nil, fmt.Errorf("project.start_statuses must not be empty")
	}
	for i, s := range cfg.Project.StartStatuses {
		s = strings.ToUpper(strings.TrimSpace(s))
		if !model.IsValidProjectStatus(s) {
			return nil, fmt.Errorf("project.start_statuses: unknown status %q", s)
		}
		cfg.Project.StartStatuses[i] = s
	}

	return cfg, nil
}
