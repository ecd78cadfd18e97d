package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
)

// ColumnType represents the type of a database column
type ColumnType string

const (
	ColumnTypeSerial    ColumnType = "SERIAL"    // auto-increment primary key
	ColumnTypeInteger   ColumnType = "INTEGER"   // SQLite/PostgreSQL integer
	ColumnTypeText      ColumnType = "TEXT"      // Text/VARCHAR
	ColumnTypeBigint    ColumnType = "BIGINT"    // Large integers
	ColumnTypeTimestamp ColumnType = "TIMESTAMP" // Timestamp with timezone
)

// ColumnDefinition defines a database column
type ColumnDefinition struct {
	Name         string
	Type         ColumnType
	NotNull      bool
	PrimaryKey   bool
	DefaultValue string
}

// IndexDefinition defines a database index
type IndexDefinition struct {
	Name    string
	Columns []string
	Unique  bool
}

// TableDefinition defines a complete database table
type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// ExpectedSchema returns the tables used by the SQL collectors.
func ExpectedSchema() []TableDefinition {
	return []TableDefinition{
		{
			Name: "connections",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeText, PrimaryKey: true},
				{Name: "client_ip", Type: ColumnTypeText},
				{Name: "identity", Type: ColumnTypeText, NotNull: true, DefaultValue: "'unknown'"},
				{Name: "target_class", Type: ColumnTypeText, NotNull: true, DefaultValue: "'other'"},
				{Name: "target_host", Type: ColumnTypeText},
				{Name: "target_port", Type: ColumnTypeInteger},
				{Name: "protocol", Type: ColumnTypeText},
				{Name: "transport", Type: ColumnTypeText},
				{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
				{Name: "ended_at", Type: ColumnTypeTimestamp},
				{Name: "bytes_sent", Type: ColumnTypeBigint, NotNull: true, DefaultValue: "0"},
				{Name: "bytes_received", Type: ColumnTypeBigint, NotNull: true, DefaultValue: "0"},
				{Name: "duration_ms", Type: ColumnTypeBigint},
				{Name: "close_reason", Type: ColumnTypeText},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_connections_target_host", Columns: []string{"target_host"}},
				{Name: "idx_connections_started_at", Columns: []string{"started_at"}},
			},
		},
		{
			Name: "traffic",
			Columns: []ColumnDefinition{
				{Name: "identity", Type: ColumnTypeText, NotNull: true},
				{Name: "target_class", Type: ColumnTypeText, NotNull: true},
				{Name: "bucket_start", Type: ColumnTypeTimestamp, NotNull: true},
				{Name: "bytes_sent", Type: ColumnTypeBigint, NotNull: true, DefaultValue: "0"},
				{Name: "bytes_received", Type: ColumnTypeBigint, NotNull: true, DefaultValue: "0"},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_traffic_bucket", Columns: []string{"identity", "target_class", "bucket_start"}, Unique: true},
			},
		},
		{
			Name: "security_events",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "client_ip", Type: ColumnTypeText},
				{Name: "target_host", Type: ColumnTypeText},
				{Name: "reason", Type: ColumnTypeText},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
		},
		{
			Name: "errors",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeText},
				{Name: "error_type", Type: ColumnTypeText},
				{Name: "error_message", Type: ColumnTypeText},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
		},
	}
}

// SchemaInitializer creates missing tables, columns and indexes
type SchemaInitializer struct {
	db     *sql.DB
	driver string
	tables []TableDefinition
}

// NewSchemaInitializer creates a new schema initializer
func NewSchemaInitializer(db *sql.DB, driver string) *SchemaInitializer {
	return &SchemaInitializer{db: db, driver: driver, tables: ExpectedSchema()}
}

// InitializeSchema initializes the database schema
func (si *SchemaInitializer) InitializeSchema(ctx context.Context) error {
	logger.Debug("Initializing database schema (driver: %s)", si.driver)

	for _, table := range si.tables {
		if _, err := si.db.ExecContext(ctx, si.createTableSQL(table)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
		if err := si.ensureColumns(ctx, table); err != nil {
			return err
		}
		for _, index := range table.Indexes {
			if _, err := si.db.ExecContext(ctx, si.createIndexSQL(table.Name, index)); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
	}
	return nil
}

func (si *SchemaInitializer) ensureColumns(ctx context.Context, table TableDefinition) error {
	existing, err := si.tableColumns(ctx, table.Name)
	if err != nil {
		return fmt.Errorf("failed to get columns for table %s: %w", table.Name, err)
	}
	for _, column := range table.Columns {
		if existing[column.Name] {
			continue
		}
		logger.Info("Adding missing column %s to table %s", column.Name, table.Name)
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table.Name, si.columnSQL(column))
		if _, err := si.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to add column %s: %w", column.Name, err)
		}
	}
	return nil
}

func (si *SchemaInitializer) tableColumns(ctx context.Context, table string) (columns map[string]bool, err error) {
	var rows *sql.Rows
	switch si.driver {
	case "postgres":
		rows, err = si.db.QueryContext(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`, table)
	default:
		rows, err = si.db.QueryContext(ctx,
			`SELECT name FROM pragma_table_info(?)`, table)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	columns = make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func (si *SchemaInitializer) createTableSQL(table TableDefinition) string {
	defs := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		defs = append(defs, "  "+si.columnSQL(column))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", table.Name, strings.Join(defs, ",\n"))
}

func (si *SchemaInitializer) columnSQL(column ColumnDefinition) string {
	parts := []string{column.Name}

	switch {
	case column.Type == ColumnTypeSerial && si.driver == "postgres":
		parts = append(parts, "SERIAL PRIMARY KEY")
	case column.Type == ColumnTypeSerial:
		parts = append(parts, "INTEGER PRIMARY KEY AUTOINCREMENT")
	case column.Type == ColumnTypeTimestamp && si.driver == "postgres":
		parts = append(parts, "TIMESTAMP WITH TIME ZONE")
	case column.Type == ColumnTypeTimestamp:
		parts = append(parts, "DATETIME")
	default:
		parts = append(parts, string(column.Type))
	}

	if column.PrimaryKey && column.Type != ColumnTypeSerial {
		parts = append(parts, "PRIMARY KEY")
	}
	if column.NotNull && !column.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}
	if column.DefaultValue != "" {
		parts = append(parts, "DEFAULT "+column.DefaultValue)
	}
	return strings.Join(parts, " ")
}

func (si *SchemaInitializer) createIndexSQL(table string, index IndexDefinition) string {
	unique := ""
	if index.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s(%s)",
		unique, index.Name, table, strings.Join(index.Columns, ", "))
}
