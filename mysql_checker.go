package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/binlog"
	"mysql-es-sync/internal/config"
)

// requiredPrivileges are needed to stream the binlog and read column metadata.
var requiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// MySQLChecker validates MySQL connection and replication settings
type MySQLChecker struct {
	cfg    config.MySQLConfig
	open   func() (*sql.DB, error)
	logger *logrus.Logger
}

// NewMySQLChecker creates a new MySQL checker
func NewMySQLChecker(cfg config.MySQLConfig, logger *logrus.Logger) *MySQLChecker {
	return &MySQLChecker{
		cfg: cfg,
		open: func() (*sql.DB, error) {
			return sql.Open("mysql", binlog.DSN(cfg))
		},
		logger: logger,
	}
}

// CheckConnectionAndPermissions verifies grants, log_bin, binlog_format and
// binlog_row_image.
func (c *MySQLChecker) CheckConnectionAndPermissions(ctx context.Context) error {
	db, err := c.open()
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}
	c.logger.Info("Successfully connected to MySQL server")

	grants, err := c.grants(ctx, db)
	if err != nil {
		return err
	}
	if missing := missingPrivileges(grants); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grants)
	}
	c.logger.Info("All required permissions verified")

	logBin, err := variable(ctx, db, "log_bin")
	if err != nil {
		c.logger.Warnf("Could not verify binlog status: %v", err)
	} else if logBin != "ON" && logBin != "1" {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s", logBin)
	} else {
		c.logger.Info("Binary logging is enabled")
	}

	format, err := variable(ctx, db, "binlog_format")
	if err != nil {
		c.logger.Warnf("Could not verify binlog_format: %v", err)
	} else if format != "ROW" {
		return fmt.Errorf("binlog_format is %s, ROW is required", format)
	}

	image, err := variable(ctx, db, "binlog_row_image")
	if err == nil && image != "FULL" {
		c.logger.Warnf("binlog_row_image is %s, documents will only contain changed columns", image)
	}
	return nil
}

func (c *MySQLChecker) grants(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return "", fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return "", fmt.Errorf("failed to scan grant: %w", err)
		}
		all = append(all, grant)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating grants: %w", err)
	}
	return strings.Join(all, "; "), nil
}

func missingPrivileges(grants string) []string {
	upper := strings.ToUpper(grants)
	if strings.Contains(upper, "ALL PRIVILEGES ON *.*") {
		return nil
	}
	var missing []string
	for _, priv := range requiredPrivileges {
		if !strings.Contains(upper, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

func variable(ctx context.Context, db *sql.DB, name string) (string, error) {
	var value string
	if err := db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		return "", err
	}
	return strings.ToUpper(value), nil
}
