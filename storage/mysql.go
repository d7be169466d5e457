package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/telemetry-hub/logger"
)

var mysqlDialect = dialect{
	driver: "mysql",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS devices (
		hardware_id VARCHAR(64) PRIMARY KEY,
		logical_id VARCHAR(64) NOT NULL,
		family VARCHAR(32) NOT NULL,
		supported_fields JSON,
		collaborators JSON,
		snapshot JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE INDEX idx_logical_id (logical_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`, `
	CREATE TABLE IF NOT EXISTS threshold_rules (
		id VARCHAR(64) PRIMARY KEY,
		logical_id VARCHAR(64) NOT NULL,
		datapoint VARCHAR(64) NOT NULL,
		operator VARCHAR(16) NOT NULL,
		min_value DOUBLE NULL,
		max_value DOUBLE NULL,
		cooldown_minutes INT NOT NULL DEFAULT 0,
		channels JSON,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		INDEX idx_rules_logical_id (logical_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`},
}

// parseMySQLDSN extracts the database name and a DSN for the bare server
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	if cfg.DBName == "" {
		return "", "", fmt.Errorf("DSN has no database name")
	}
	database = cfg.DBName
	cfg.DBName = ""
	return database, cfg.FormatDSN(), nil
}

func ensureMySQLDatabase(ctx context.Context, dsn string) error {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return fmt.Errorf("parse MySQL DSN: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return fmt.Errorf("connect MySQL server: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return fmt.Errorf("create database %s: %w", database, err)
	}

	logger.Info("MySQL database %s ensured", database)
	return nil
}
