package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"github.com/redis/go-redis/v9"
)

const (
	redisHourTTL       = 15 * 24 * time.Hour
	redisDayTTL        = 90 * 24 * time.Hour
	redisConnectionTTL = 24 * time.Hour
)

// RedisCollector keeps hourly and daily label buckets as Redis hashes and
// ranks targets in sorted sets.
type RedisCollector struct {
	client    *redis.Client
	prefix    string
	startedAt time.Time
	now       func() time.Time
}

// RedisOptions configures a RedisCollector
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// NewRedisCollector connects to Redis and verifies the connection
func NewRedisCollector(opts RedisOptions) (*RedisCollector, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "meterproxy"
	}

	logger.Debug("Initialized stats collector redis (%s)", opts.Address)
	return &RedisCollector{
		client:    client,
		prefix:    prefix,
		startedAt: time.Now(),
		now:       time.Now,
	}, nil
}

func (r *RedisCollector) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// HourKey returns the hash key holding the hourly bucket of labels at t.
func (r *RedisCollector) HourKey(labels Labels, t time.Time) string {
	return r.key("LABEL", labels.Identity, labels.TargetClass, "HOUR", t.UTC().Format("2006-01-02-15"))
}

// DayKey returns the hash key holding the daily bucket of labels at t.
func (r *RedisCollector) DayKey(labels Labels, t time.Time) string {
	return r.key("LABEL", labels.Identity, labels.TargetClass, "DAY", t.UTC().Format("2006-01-02"))
}

// StartConnection records the start of a connection
func (r *RedisCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	connKey := r.key("CONN", info.ID)
	totals := r.key("TOTALS")

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, connKey,
		"client_ip", info.ClientIP,
		"identity", info.Identity,
		"target_class", info.TargetClass,
		"target_host", info.TargetHost,
		"target_port", info.TargetPort,
		"protocol", info.Protocol,
		"transport", info.Transport,
		"started_at", info.StartedAt.Unix())
	pipe.Expire(ctx, connKey, redisConnectionTTL)
	pipe.HIncrBy(ctx, totals, "connections", 1)
	pipe.HIncrBy(ctx, totals, "active", 1)
	if info.TargetHost != "" {
		pipe.ZIncrBy(ctx, r.key("TARGETS", "CONNECTIONS"), 1, info.TargetHost)
		pipe.HSet(ctx, r.key("TARGETS", "LAST"), info.TargetHost, r.now().Unix())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record connection start: %w", err)
	}
	return nil
}

// RecordDataTransfer adds a delta to the label buckets, the totals and the target ranking
func (r *RedisCollector) RecordDataTransfer(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	connKey := r.key("CONN", connectionID)
	host, err := r.client.HGet(ctx, connKey, "target_host").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to look up connection: %w", err)
	}

	now := r.now()
	hourKey := r.HourKey(labels, now)
	dayKey := r.DayKey(labels, now)
	totals := r.key("TOTALS")

	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, hourKey, "sent", bytesSent)
	pipe.HIncrBy(ctx, hourKey, "received", bytesReceived)
	pipe.Expire(ctx, hourKey, redisHourTTL)
	pipe.HIncrBy(ctx, dayKey, "sent", bytesSent)
	pipe.HIncrBy(ctx, dayKey, "received", bytesReceived)
	pipe.Expire(ctx, dayKey, redisDayTTL)
	pipe.HIncrBy(ctx, totals, "sent", bytesSent)
	pipe.HIncrBy(ctx, totals, "received", bytesReceived)
	if host != "" {
		pipe.HIncrBy(ctx, connKey, "bytes_sent", bytesSent)
		pipe.HIncrBy(ctx, connKey, "bytes_received", bytesReceived)
		pipe.ZIncrBy(ctx, r.key("TARGETS", "BYTES"), float64(bytesSent+bytesReceived), host)
		pipe.HSet(ctx, r.key("TARGETS", "LAST"), host, now.Unix())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// EndConnection removes the connection record
func (r *RedisCollector) EndConnection(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key("CONN", connectionID))
	pipe.HIncrBy(ctx, r.key("TOTALS"), "active", -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordBlockedRequest counts a blocked request
func (r *RedisCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	if err := r.client.HIncrBy(ctx, r.key("TOTALS"), "blocked", 1).Err(); err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// RecordError counts an error
func (r *RedisCollector) RecordError(ctx context.Context, connectionID, errorType, errorMessage string) error {
	if err := r.client.HIncrBy(ctx, r.key("TOTALS"), "errors", 1).Err(); err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// GetOverviewStats returns overview statistics
func (r *RedisCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	totals, err := r.client.HGetAll(ctx, r.key("TOTALS")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get totals: %w", err)
	}
	field := func(name string) int64 {
		v, _ := strconv.ParseInt(totals[name], 10, 64)
		return v
	}
	return &OverviewStats{
		TotalConnections:   field("connections"),
		ActiveConnections:  field("active"),
		TotalErrors:        field("errors"),
		BlockedRequests:    field("blocked"),
		TotalBytesSent:     field("sent"),
		TotalBytesReceived: field("received"),
		Uptime:             time.Since(r.startedAt).Truncate(time.Second).String(),
	}, nil
}

// GetTopTargets returns top target hosts by connection count
func (r *RedisCollector) GetTopTargets(ctx context.Context, limit int) ([]TargetStats, error) {
	if limit <= 0 {
		limit = 10
	}
	ranked, err := r.client.ZRevRangeWithScores(ctx, r.key("TARGETS", "CONNECTIONS"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top targets: %w", err)
	}

	targets := make([]TargetStats, 0, len(ranked))
	if len(ranked) == 0 {
		return targets, nil
	}

	hosts := make([]string, 0, len(ranked))
	for _, z := range ranked {
		host, _ := z.Member.(string)
		hosts = append(hosts, host)
	}

	pipe := r.client.Pipeline()
	byteCmds := make([]*redis.FloatCmd, len(hosts))
	for i, host := range hosts {
		byteCmds[i] = pipe.ZScore(ctx, r.key("TARGETS", "BYTES"), host)
	}
	lastCmd := pipe.HMGet(ctx, r.key("TARGETS", "LAST"), hosts...)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get target details: %w", err)
	}
	lasts := lastCmd.Val()

	for i, z := range ranked {
		target := TargetStats{
			Target:          hosts[i],
			ConnectionCount: int64(z.Score),
			TotalBytes:      int64(byteCmds[i].Val()),
		}
		if i < len(lasts) {
			if s, ok := lasts[i].(string); ok {
				if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
					target.LastAccess = time.Unix(unix, 0)
				}
			}
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// LabelTraffic returns the bytes of the hourly bucket of labels at t
func (r *RedisCollector) LabelTraffic(ctx context.Context, labels Labels, t time.Time) (sent, received int64, err error) {
	values, err := r.client.HMGet(ctx, r.HourKey(labels, t), "sent", "received").Result()
	if err != nil {
		return 0, 0, err
	}
	parse := func(v any) int64 {
		s, _ := v.(string)
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return parse(values[0]), parse(values[1]), nil
}

// HealthCheck pings Redis
func (r *RedisCollector) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (r *RedisCollector) Close() error {
	return r.client.Close()
}
