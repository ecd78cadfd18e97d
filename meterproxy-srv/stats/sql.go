package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLCollector implements Collector on top of database/sql. The SQLite and
// PostgreSQL constructors share it; queries are written with ? placeholders
// and rebound for PostgreSQL.
type SQLCollector struct {
	db        *sql.DB
	driver    string
	startedAt time.Time
}

func newSQLCollector(ctx context.Context, db *sql.DB, driver string) (*SQLCollector, error) {
	collector := &SQLCollector{db: db, driver: driver, startedAt: time.Now()}
	if err := NewSchemaInitializer(db, driver).InitializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("schema initialization failed: %w", err)
	}
	return collector, nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, rebind(s.driver, query), args...)
	return err
}

// StartConnection records the start of a connection
func (s *SQLCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	err := s.exec(ctx,
		`INSERT INTO connections (id, client_ip, identity, target_class, target_host, target_port, protocol, transport, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.ClientIP, info.Identity, info.TargetClass, info.TargetHost, info.TargetPort,
		info.Protocol, info.Transport, info.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record connection start: %w", err)
	}
	return nil
}

// EndConnection records the final totals of a connection
func (s *SQLCollector) EndConnection(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDataTransfer adds a delta to the connection and to the hourly label bucket
func (s *SQLCollector) RecordDataTransfer(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?
		 WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}

	err = s.exec(ctx,
		`INSERT INTO traffic (identity, target_class, bucket_start, bytes_sent, bytes_received)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (identity, target_class, bucket_start)
		 DO UPDATE SET bytes_sent = traffic.bytes_sent + excluded.bytes_sent,
		               bytes_received = traffic.bytes_received + excluded.bytes_received`,
		labels.Identity, labels.TargetClass, time.Now().UTC().Truncate(time.Hour), bytesSent, bytesReceived)
	if err != nil {
		return fmt.Errorf("failed to record traffic bucket: %w", err)
	}
	return nil
}

// RecordBlockedRequest records a blocked request
func (s *SQLCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	err := s.exec(ctx,
		`INSERT INTO security_events (client_ip, target_host, reason, timestamp) VALUES (?, ?, ?, ?)`,
		clientIP, targetHost, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *SQLCollector) RecordError(ctx context.Context, connectionID, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp) VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// GetOverviewStats returns overview statistics
func (s *SQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).Scan(&stats.TotalConnections, &stats.ActiveConnections,
		&stats.TotalBytesSent, &stats.TotalBytesReceived)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events").Scan(&stats.BlockedRequests); err != nil {
		return nil, fmt.Errorf("failed to get blocked requests: %w", err)
	}

	stats.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	return stats, nil
}

// GetTopTargets returns top target hosts by connection count
func (s *SQLCollector) GetTopTargets(ctx context.Context, limit int) (targets []TargetStats, err error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver,
		`SELECT target_host, COUNT(*) AS connection_count,
		        COALESCE(SUM(bytes_sent + bytes_received), 0) AS total_bytes,
		        MAX(started_at) AS last_access
		 FROM connections
		 WHERE target_host IS NOT NULL AND target_host <> ''
		 GROUP BY target_host
		 ORDER BY connection_count DESC, total_bytes DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top targets: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	targets = []TargetStats{}
	for rows.Next() {
		var target TargetStats
		var lastAccess any
		if err := rows.Scan(&target.Target, &target.ConnectionCount, &target.TotalBytes, &lastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan target row: %w", err)
		}
		target.LastAccess = parseTimestamp(lastAccess)
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// timestampFormats are the layouts SQLite may return for aggregated columns
var timestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return parseTimestamp(string(t))
	case string:
		for _, format := range timestampFormats {
			if parsed, err := time.Parse(format, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

// HealthCheck checks if the database connection is healthy
func (s *SQLCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLCollector) Close() error {
	return s.db.Close()
}
