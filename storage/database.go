package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddielth/telemetry-hub/alerting"
	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/registry"
	"github.com/eddielth/telemetry-hub/transformer"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// dialect holds what differs between the SQL backends
type dialect struct {
	driver string
	schema []string
	// numbered placeholders ($1) instead of ?
	numbered bool
}

// SQLStore reads devices and rules from a SQL database
type SQLStore struct {
	db      *sql.DB
	dbType  DatabaseType
	dialect dialect
}

// NewDatabaseStorage connects to a MySQL or PostgreSQL database, creating
// the database and tables when missing
func NewDatabaseStorage(ctx context.Context, dbType string, dsn string) (*SQLStore, error) {
	var (
		d   dialect
		err error
	)
	switch DatabaseType(dbType) {
	case MySQL:
		d = mysqlDialect
		err = ensureMySQLDatabase(ctx, dsn)
	case PostgreSQL:
		d = postgresDialect
		err = ensurePostgreSQLDatabase(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbType, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dbType, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	store := NewSQLStore(db, DatabaseType(dbType))
	if err := store.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s schema: %w", dbType, err)
	}

	logger.Info("%s registry initialized", dbType)
	return store, nil
}

// NewSQLStore wraps an open database
func NewSQLStore(db *sql.DB, dbType DatabaseType) *SQLStore {
	d := mysqlDialect
	if dbType == PostgreSQL {
		d = postgresDialect
	}
	return &SQLStore{db: db, dbType: dbType, dialect: d}
}

// InitDatabase creates the devices and threshold_rules tables
func (s *SQLStore) InitDatabase(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const findDeviceSQL = `SELECT logical_id, family, supported_fields, collaborators, snapshot FROM devices WHERE hardware_id = ?`

func (s *SQLStore) FindByHardwareID(ctx context.Context, hardwareID string) (registry.Identity, error) {
	var (
		logicalID, family                  string
		supported, collaborators, snapshot sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(findDeviceSQL), hardwareID).
		Scan(&logicalID, &family, &supported, &collaborators, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Identity{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Identity{}, fmt.Errorf("find device %s: %w", hardwareID, err)
	}

	identity := registry.Identity{
		HardwareID: hardwareID,
		LogicalID:  logicalID,
	}
	if f, ok := transformer.ParseFamily(family); ok {
		identity.Family = f
	}
	var fields []string
	if err := decodeJSON(supported, &fields); err != nil {
		return registry.Identity{}, fmt.Errorf("device %s supported_fields: %w", hardwareID, err)
	}
	identity.SupportedFields = registry.FieldSet(fields)
	if err := decodeJSON(collaborators, &identity.Collaborators); err != nil {
		return registry.Identity{}, fmt.Errorf("device %s collaborators: %w", hardwareID, err)
	}
	if err := decodeJSON(snapshot, &identity.Snapshot); err != nil {
		return registry.Identity{}, fmt.Errorf("device %s snapshot: %w", hardwareID, err)
	}
	return identity, nil
}

const listRulesSQL = `SELECT id, datapoint, operator, min_value, max_value, cooldown_minutes, channels, enabled FROM threshold_rules WHERE logical_id = ?`

func (s *SQLStore) ListByDevice(ctx context.Context, logicalID string) ([]alerting.Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(listRulesSQL), logicalID)
	if err != nil {
		return nil, fmt.Errorf("list rules of %s: %w", logicalID, err)
	}
	defer rows.Close()

	var rules []alerting.Rule
	for rows.Next() {
		var (
			rule     alerting.Rule
			operator string
			min, max sql.NullFloat64
			channels sql.NullString
		)
		if err := rows.Scan(&rule.ID, &rule.Datapoint, &operator, &min, &max, &rule.CooldownMinutes, &channels, &rule.Enabled); err != nil {
			return nil, fmt.Errorf("scan rule of %s: %w", logicalID, err)
		}
		rule.LogicalID = logicalID
		rule.Operator = alerting.Operator(operator)
		if min.Valid {
			rule.Min = &min.Float64
		}
		if max.Valid {
			rule.Max = &max.Float64
		}
		if err := decodeJSON(channels, &rule.Channels); err != nil {
			logger.Warn("rule %s has malformed channels: %v", rule.ID, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules of %s: %w", logicalID, err)
	}
	return rules, nil
}

const insertRuleSQL = `INSERT INTO threshold_rules (id, logical_id, datapoint, operator, min_value, max_value, cooldown_minutes, channels, enabled) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveRule inserts a rule after checking its bounds
func (s *SQLStore) SaveRule(ctx context.Context, rule alerting.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	channels, err := json.Marshal(rule.Channels)
	if err != nil {
		return fmt.Errorf("rule %s channels: %w", rule.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(insertRuleSQL),
		rule.ID, rule.LogicalID, rule.Datapoint, string(rule.Operator),
		nullFloat(rule.Min), nullFloat(rule.Max), rule.CooldownMinutes, string(channels), rule.Enabled)
	if err != nil {
		return fmt.Errorf("insert rule %s: %w", rule.ID, err)
	}
	return nil
}

func nullFloat(v *float64) driver.Value {
	if v == nil {
		return nil
	}
	return *v
}

func decodeJSON(raw sql.NullString, into interface{}) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), into)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close %s: %w", s.dbType, err)
		}
		logger.Info("%s connection closed", s.dbType)
	}
	return nil
}
