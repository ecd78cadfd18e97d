package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/config"
)

// Sinks is the assembled accounting pipeline
type Sinks struct {
	// Collector receives every accounting event
	Collector Collector
	// Aggregator holds the in-memory per-label view; nil when statistics are disabled
	Aggregator *Aggregator
	// Prometheus is set when metrics export is enabled
	Prometheus *PrometheusCollector
}

// CollectorFactory creates statistics collectors based on configuration
type CollectorFactory struct {
	// BreakerThreshold is the number of consecutive backend failures that open the breaker
	BreakerThreshold int
	// BreakerTimeout is how long an open breaker waits before probing again
	BreakerTimeout time.Duration
}

// NewCollectorFactory creates a new collector factory
func NewCollectorFactory() *CollectorFactory {
	return &CollectorFactory{BreakerThreshold: 5, BreakerTimeout: 30 * time.Second}
}

// CreateCollector creates the accounting pipeline for the provided configuration
func (f *CollectorFactory) CreateCollector(cfg *config.StatisticsConfig) (*Sinks, error) {
	if !cfg.Enabled {
		return &Sinks{Collector: NewDummyCollector()}, nil
	}

	sinks := &Sinks{Aggregator: NewAggregator()}

	var backend Collector
	var err error

	switch cfg.Backend {
	case "memory", "":
	case "sqlite":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "meterproxy_stats.db"
		}
		backend, err = NewSQLiteCollector(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		backend, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "redis":
		if cfg.RedisAddress == "" {
			return nil, fmt.Errorf("redis-address is required for redis backend")
		}
		backend, err = NewRedisCollector(RedisOptions{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisKeyPrefix,
		})
	case "dummy":
		return &Sinks{Collector: NewDummyCollector()}, nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	var primary Collector = sinks.Aggregator
	var others []Collector
	if backend != nil {
		flushInterval := time.Duration(cfg.FlushInterval) * time.Second
		guarded := NewBreakerCollector(cfg.Backend, backend, f.BreakerThreshold, f.BreakerTimeout)
		primary = NewBufferedCollectorWithInterval(guarded, flushInterval, cfg.BufferSize)
		others = append(others, sinks.Aggregator)
	}
	if cfg.Prometheus {
		sinks.Prometheus = NewPrometheusCollector()
		others = append(others, sinks.Prometheus)
	}

	if len(others) == 0 {
		sinks.Collector = primary
	} else {
		sinks.Collector = NewMultiCollector(primary, others...)
	}
	return sinks, nil
}

// CreateCollectorFromConfig creates a collector from the main configuration
func (f *CollectorFactory) CreateCollectorFromConfig(cfg *config.Config) (*Sinks, error) {
	return f.CreateCollector(&cfg.Statistics)
}

// HealthChecker provides health check functionality for collectors
type HealthChecker struct {
	collector Collector
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(collector Collector) *HealthChecker {
	return &HealthChecker{collector: collector}
}

// Check performs a health check on the collector
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.collector == nil {
		return fmt.Errorf("no collector configured")
	}
	return h.collector.HealthCheck(ctx)
}
