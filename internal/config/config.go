package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	Type     string         `yaml:"type"`
	Kafka    KafkaSource    `yaml:"kafka"`
	Postgres PostgresSource `yaml:"postgres"`
}

type KafkaSource struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"group_id"`
	MinBytes int      `yaml:"min_bytes"`
	MaxBytes int      `yaml:"max_bytes"`
}

// PostgresSource reads change events from an outbox table through logical
// replication.
type PostgresSource struct {
	DSN               string `yaml:"dsn"`
	Slot              string `yaml:"slot"`
	Publication       string `yaml:"publication"`
	StartLSN          string `yaml:"start_lsn"`
	CreatePublication bool   `yaml:"create_publication"`
	CreateSlot        bool   `yaml:"create_slot"`
	OutboxTable       string `yaml:"outbox_table"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	GraphSchema  string `yaml:"graph_schema"`
	MinConns     int32  `yaml:"min_conns"`
	MaxConns     int32  `yaml:"max_conns"`
	CloseGraceMs int    `yaml:"close_grace_ms"`
}

func (d DatabaseConfig) CloseGrace() time.Duration {
	return time.Duration(d.CloseGraceMs) * time.Millisecond
}

type EmbedConfig struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	URL           string  `yaml:"url"`
	APIKey        string  `yaml:"-"`
	Normalize     bool    `yaml:"normalize"`
	VectorSize    int     `yaml:"vector_size"`
	TimeoutMs     int     `yaml:"timeout_ms"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	Disabled      bool    `yaml:"disabled"`
}

type MilvusStore struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
	Metric     string `yaml:"metric"`
	IndexType  string `yaml:"index_type"`
}

type QdrantStore struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
	Distance   string `yaml:"distance"`
}

type VectorConfig struct {
	Store  string      `yaml:"store"`
	Milvus MilvusStore `yaml:"milvus"`
	Qdrant QdrantStore `yaml:"qdrant"`
}

type KafkaSink struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type BackfillConfig struct {
	FHIRBase      string    `yaml:"fhir_base"`
	PatientIDs    []string  `yaml:"patient_ids"`
	ResourceTypes []string  `yaml:"resource_types"`
	PageSize      int       `yaml:"page_size"`
	RatePerSecond float64   `yaml:"rate_per_second"`
	TimeoutMs     int       `yaml:"timeout_ms"`
	Sink          KafkaSink `yaml:"sink"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
	Embed    EmbedConfig    `yaml:"embed"`
	Vector   VectorConfig   `yaml:"vector"`
	Backfill BackfillConfig `yaml:"backfill"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse unmarshals b, applies environment overrides and fills defaults.
func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	c.Embed.APIKey = os.Getenv("OPENAI_API_KEY")
	if os.Getenv("EMBEDDINGS_DISABLED") != "" {
		c.Embed.Disabled = true
	}

	// Apply defaults
	if c.Source.Type == "" {
		c.Source.Type = "kafka"
	}
	if c.Source.Kafka.MinBytes <= 0 {
		c.Source.Kafka.MinBytes = 1
	}
	if c.Source.Kafka.MaxBytes <= 0 {
		c.Source.Kafka.MaxBytes = 10e6
	}
	if c.Source.Postgres.OutboxTable == "" {
		c.Source.Postgres.OutboxTable = "public.fhir_outbox"
	}
	if c.Database.GraphSchema == "" {
		c.Database.GraphSchema = "fhir_graph"
	}
	if c.Database.MinConns <= 0 {
		c.Database.MinConns = 2
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.CloseGraceMs <= 0 {
		c.Database.CloseGraceMs = 10000
	}
	if c.Embed.Provider == "" {
		c.Embed.Provider = "openai"
	}
	if c.Embed.Model == "" && c.Embed.Provider == "openai" {
		c.Embed.Model = "text-embedding-3-small"
	}
	if c.Embed.URL == "" && c.Embed.Provider == "openai" {
		c.Embed.URL = "https://api.openai.com"
	}
	if c.Embed.VectorSize <= 0 {
		c.Embed.VectorSize = 1536
	}
	if c.Embed.TimeoutMs <= 0 {
		c.Embed.TimeoutMs = 30000
	}
	if c.Embed.RatePerSecond <= 0 {
		c.Embed.RatePerSecond = 20
	}
	if c.Embed.Burst <= 0 {
		c.Embed.Burst = 1
	}
	if c.Vector.Store == "" {
		c.Vector.Store = "postgres"
	}
	if c.Backfill.PageSize <= 0 {
		c.Backfill.PageSize = 100
	}
	if c.Backfill.RatePerSecond <= 0 {
		c.Backfill.RatePerSecond = 5
	}
	if c.Backfill.TimeoutMs <= 0 {
		c.Backfill.TimeoutMs = 30000
	}
	if c.Backfill.Sink.Topic == "" {
		c.Backfill.Sink.Topic = c.Source.Kafka.Topic
	}
	if len(c.Backfill.Sink.Brokers) == 0 {
		c.Backfill.Sink.Brokers = c.Source.Kafka.Brokers
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	return c, nil
}
