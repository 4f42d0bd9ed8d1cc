package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Broker    BrokerConfig    `koanf:"broker"`
	Pool      PoolConfig      `koanf:"pool"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Dedup     DedupConfig     `koanf:"dedup"`
	Batch     BatchConfig     `koanf:"batch"`
	Partition PartitionConfig `koanf:"partition"`
	Cache     CacheConfig     `koanf:"cache"`
	Broadcast BroadcastConfig `koanf:"broadcast"`
	Alert     AlertConfig     `koanf:"alert"`
	Health    HealthConfig    `koanf:"health"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	ExpectedDevices        int    `koanf:"expected_devices"`
}

type BrokerConfig struct {
	URL           []string  `koanf:"url"`
	User          string    `koanf:"user"`
	Pass          string    `koanf:"pass"`
	ClientID      string    `koanf:"clientId"`
	Keepalive     int       `koanf:"keepalive"` // group session liveness, seconds
	MaxInflight   int       `koanf:"maxInflight"`
	GroupID       string    `koanf:"groupId"`
	Topics        []string  `koanf:"topics"`
	TopicPattern  string    `koanf:"topicPattern"` // regex, overrides Topics when set
	FetchMaxBytes int32     `koanf:"fetchMaxBytes"`
	TLS           TLSConfig `koanf:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type PoolConfig struct {
	Initial           int `koanf:"initial"`
	Max               int `koanf:"max"`
	DevicesPerSession int `koanf:"devicesPerSession"`
	ScaleThresholdPct int `koanf:"scaleThresholdPct"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type IngestConfig struct {
	Workers         int `koanf:"workers"` // 0 = min(2*cores, 32)
	PerDeviceQueue  int `koanf:"perDeviceQueue"`
	ShedFloorMs     int `koanf:"shedFloorMs"` // per-device interval floor under backpressure
	MaxPayloadBytes int `koanf:"max_payload_bytes"`
}

type DedupConfig struct {
	MaxDevices      int `koanf:"maxDevices"`
	PerDeviceWindow int `koanf:"perDeviceWindow"`
	MaxSkewHours    int `koanf:"maxSkewHours"`
}

type BatchConfig struct {
	Size             int    `koanf:"size"`
	IntervalMs       int    `koanf:"intervalMs"`
	MaxQueue         int    `koanf:"maxQueue"`
	Retries          int    `koanf:"retries"`
	BackoffMs        []int  `koanf:"backoffMs"`
	DeadLetterDir    string `koanf:"deadLetterDir"`
	StoreRaw         bool   `koanf:"storeRaw"`
	StoreRawCompress bool   `koanf:"storeRawCompress"`
}

type PartitionConfig struct {
	WarningMB       int    `koanf:"warningMB"`
	CriticalMB      int    `koanf:"criticalMB"`
	EmergencyMB     int    `koanf:"emergencyMB"`
	AutoSplit       bool   `koanf:"autoSplit"`
	FutureMonths    int    `koanf:"futureMonths"`
	RetentionMonths int    `koanf:"retentionMonths"`
	ConfirmCleanup  bool   `koanf:"confirmCleanup"` // monthly scheduled drop needs this
	DailyCron       string `koanf:"dailyCron"`
	WeeklyCron      string `koanf:"weeklyCron"`
	CleanupCron     string `koanf:"cleanupCron"`
}

type CacheConfig struct {
	MaxEntries  int     `koanf:"maxEntries"`
	MinHitRatio float64 `koanf:"minHitRatio"`
}

type BroadcastConfig struct {
	RateLimitMs        int     `koanf:"rateLimitMs"`
	AlertSpeed         float64 `koanf:"alertSpeed"`
	HoursStart         int     `koanf:"hoursStart"`
	HoursEnd           int     `koanf:"hoursEnd"`
	SendBuffer         int     `koanf:"sendBuffer"`
	SessionIdleMin     int     `koanf:"sessionIdleMin"`
	CleanupIntervalMin int     `koanf:"cleanupIntervalMin"`
	StatsIntervalSec   int     `koanf:"statsIntervalSec"`
}

type AlertConfig struct {
	PerHour        int    `koanf:"perHour"`
	DedupWindowSec int    `koanf:"dedupWindowSec"`
	Email          string `koanf:"email"` // transport handled externally
	SMS            string `koanf:"sms"`   // transport handled externally
}

type HealthConfig struct {
	MemThresholdPct int     `koanf:"memThresholdPct"`
	CPUThresholdPct int     `koanf:"cpuThresholdPct"`
	DBMinConns      int     `koanf:"dbMinConns"`
	BatchSuccessPct float64 `koanf:"batchSuccessPct"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: GPS_INGESTER_BROKER__URL → broker.url
	if err := k.Load(env.Provider("GPS_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "GPS_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "gps-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			ExpectedDevices:        500,
		},
		Broker: BrokerConfig{
			ClientID:      "gps-ingester",
			GroupID:       "gps-ingester",
			Keepalive:     30,
			MaxInflight:   8,
			FetchMaxBytes: 52428800,
		},
		Pool: PoolConfig{
			Initial:           2,
			Max:               64,
			DevicesPerSession: 15,
			ScaleThresholdPct: 80,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 5,
		},
		Ingest: IngestConfig{
			PerDeviceQueue:  16,
			ShedFloorMs:     1000,
			MaxPayloadBytes: 1048576,
		},
		Dedup: DedupConfig{
			MaxDevices:      16384,
			PerDeviceWindow: 64,
			MaxSkewHours:    24,
		},
		Batch: BatchConfig{
			Size:             500,
			IntervalMs:       1000,
			MaxQueue:         5000,
			Retries:          3,
			BackoffMs:        []int{250, 1000, 4000},
			DeadLetterDir:    "deadletter",
			StoreRawCompress: true,
		},
		Partition: PartitionConfig{
			WarningMB:       750,
			CriticalMB:      1000,
			EmergencyMB:     1400,
			AutoSplit:       true,
			FutureMonths:    3,
			RetentionMonths: 12,
			DailyCron:       "0 3 * * *",
			WeeklyCron:      "0 4 * * 0",
			CleanupCron:     "0 5 1 * *",
		},
		Cache: CacheConfig{
			MaxEntries:  100000,
			MinHitRatio: 0.70,
		},
		Broadcast: BroadcastConfig{
			RateLimitMs:        100,
			AlertSpeed:         120,
			HoursStart:         6,
			HoursEnd:           22,
			SendBuffer:         64,
			SessionIdleMin:     60,
			CleanupIntervalMin: 5,
			StatsIntervalSec:   30,
		},
		Alert: AlertConfig{
			PerHour:        10,
			DedupWindowSec: 60,
		},
		Health: HealthConfig{
			MemThresholdPct: 90,
			CPUThresholdPct: 80,
			DBMinConns:      5,
			BatchSuccessPct: 95,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Broker.URL) == 1 && strings.Contains(cfg.Broker.URL[0], ",") {
		cfg.Broker.URL = strings.Split(cfg.Broker.URL[0], ",")
	}
	if len(cfg.Broker.Topics) == 1 && strings.Contains(cfg.Broker.Topics[0], ",") {
		cfg.Broker.Topics = strings.Split(cfg.Broker.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Broker.URL) == 0 {
		return fmt.Errorf("config: broker.url is required")
	}
	if len(c.Broker.Topics) == 0 && c.Broker.TopicPattern == "" {
		return fmt.Errorf("config: broker.topics or broker.topicPattern is required")
	}
	if c.Broker.GroupID == "" {
		return fmt.Errorf("config: broker.groupId is required")
	}
	if c.Broker.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: broker.fetchMaxBytes must be > 0 (got %d)", c.Broker.FetchMaxBytes)
	}
	if c.Broker.MaxInflight <= 0 {
		return fmt.Errorf("config: broker.maxInflight must be > 0 (got %d)", c.Broker.MaxInflight)
	}
	if c.Broker.Keepalive <= 0 {
		return fmt.Errorf("config: broker.keepalive must be > 0 (got %d)", c.Broker.Keepalive)
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Pool.DevicesPerSession <= 0 {
		return fmt.Errorf("config: pool.devicesPerSession must be > 0 (got %d)", c.Pool.DevicesPerSession)
	}
	if c.Pool.Initial < 1 {
		return fmt.Errorf("config: pool.initial must be >= 1 (got %d)", c.Pool.Initial)
	}
	if c.Pool.Max < c.Pool.Initial {
		return fmt.Errorf("config: pool.max (%d) must be >= pool.initial (%d)", c.Pool.Max, c.Pool.Initial)
	}
	if c.Pool.ScaleThresholdPct < 1 || c.Pool.ScaleThresholdPct > 100 {
		return fmt.Errorf("config: pool.scaleThresholdPct must be in 1..100 (got %d)", c.Pool.ScaleThresholdPct)
	}
	if c.Ingest.Workers < 0 {
		return fmt.Errorf("config: ingest.workers must be >= 0 (got %d)", c.Ingest.Workers)
	}
	if c.Ingest.PerDeviceQueue <= 0 {
		return fmt.Errorf("config: ingest.perDeviceQueue must be > 0 (got %d)", c.Ingest.PerDeviceQueue)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}
	if int32(c.Ingest.MaxPayloadBytes) > c.Broker.FetchMaxBytes {
		return fmt.Errorf("config: ingest.max_payload_bytes (%d) exceeds broker.fetchMaxBytes (%d); oversized payloads would be dropped by the broker",
			c.Ingest.MaxPayloadBytes, c.Broker.FetchMaxBytes)
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("config: batch.size must be > 0 (got %d)", c.Batch.Size)
	}
	if c.Batch.IntervalMs <= 0 {
		return fmt.Errorf("config: batch.intervalMs must be > 0 (got %d)", c.Batch.IntervalMs)
	}
	if c.Batch.MaxQueue < c.Batch.Size {
		return fmt.Errorf("config: batch.maxQueue (%d) must be >= batch.size (%d)", c.Batch.MaxQueue, c.Batch.Size)
	}
	if c.Batch.Retries < 0 {
		return fmt.Errorf("config: batch.retries must be >= 0 (got %d)", c.Batch.Retries)
	}
	for i, ms := range c.Batch.BackoffMs {
		if ms <= 0 {
			return fmt.Errorf("config: batch.backoffMs[%d] must be > 0 (got %d)", i, ms)
		}
	}
	if c.Partition.WarningMB <= 0 {
		return fmt.Errorf("config: partition.warningMB must be > 0 (got %d)", c.Partition.WarningMB)
	}
	if c.Partition.CriticalMB <= c.Partition.WarningMB {
		return fmt.Errorf("config: partition.criticalMB (%d) must exceed warningMB (%d)", c.Partition.CriticalMB, c.Partition.WarningMB)
	}
	if c.Partition.EmergencyMB <= c.Partition.CriticalMB {
		return fmt.Errorf("config: partition.emergencyMB (%d) must exceed criticalMB (%d)", c.Partition.EmergencyMB, c.Partition.CriticalMB)
	}
	if c.Partition.FutureMonths < 0 {
		return fmt.Errorf("config: partition.futureMonths must be >= 0 (got %d)", c.Partition.FutureMonths)
	}
	if c.Partition.RetentionMonths <= 0 {
		return fmt.Errorf("config: partition.retentionMonths must be > 0 (got %d)", c.Partition.RetentionMonths)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.maxEntries must be > 0 (got %d)", c.Cache.MaxEntries)
	}
	if c.Cache.MinHitRatio < 0 || c.Cache.MinHitRatio > 1 {
		return fmt.Errorf("config: cache.minHitRatio must be in 0..1 (got %v)", c.Cache.MinHitRatio)
	}
	if c.Broadcast.RateLimitMs < 0 {
		return fmt.Errorf("config: broadcast.rateLimitMs must be >= 0 (got %d)", c.Broadcast.RateLimitMs)
	}
	if c.Broadcast.HoursStart < 0 || c.Broadcast.HoursStart > 23 {
		return fmt.Errorf("config: broadcast.hoursStart must be in 0..23 (got %d)", c.Broadcast.HoursStart)
	}
	if c.Broadcast.HoursEnd < 1 || c.Broadcast.HoursEnd > 24 {
		return fmt.Errorf("config: broadcast.hoursEnd must be in 1..24 (got %d)", c.Broadcast.HoursEnd)
	}
	if c.Broadcast.HoursStart >= c.Broadcast.HoursEnd {
		return fmt.Errorf("config: broadcast.hoursStart (%d) must be before hoursEnd (%d)", c.Broadcast.HoursStart, c.Broadcast.HoursEnd)
	}
	if c.Broadcast.SendBuffer <= 0 {
		return fmt.Errorf("config: broadcast.sendBuffer must be > 0 (got %d)", c.Broadcast.SendBuffer)
	}
	if c.Alert.PerHour <= 0 {
		return fmt.Errorf("config: alert.perHour must be > 0 (got %d)", c.Alert.PerHour)
	}
	if c.Health.MemThresholdPct < 1 || c.Health.MemThresholdPct > 100 {
		return fmt.Errorf("config: health.memThresholdPct must be in 1..100 (got %d)", c.Health.MemThresholdPct)
	}
	if c.Health.CPUThresholdPct < 1 || c.Health.CPUThresholdPct > 100 {
		return fmt.Errorf("config: health.cpuThresholdPct must be in 1..100 (got %d)", c.Health.CPUThresholdPct)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Service.ExpectedDevices <= 0 {
		return fmt.Errorf("config: service.expected_devices must be > 0 (got %d)", c.Service.ExpectedDevices)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the broker TLS settings. Returns nil if TLS is disabled.
func (b *BrokerConfig) BuildTLSConfig() (*tls.Config, error) {
	if !b.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if b.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(b.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if b.TLS.CertFile != "" && b.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.TLS.CertFile, b.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL/PLAIN mechanism from broker.user and
// broker.pass. Returns nil when no credentials are configured.
func (b *BrokerConfig) BuildSASLMechanism() sasl.Mechanism {
	if b.User == "" {
		return nil
	}
	return plain.Auth{User: b.User, Pass: b.Pass}.AsMechanism()
}
