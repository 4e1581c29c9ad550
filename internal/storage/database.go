package storage

import (
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// dialect normalizes a configured driver name.
func dialect(driver string) (string, bool) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3", true
	case "mysql":
		return "mysql", true
	default:
		return "", false
	}
}

// Open connects to the database described by cfg.Databases[dbType].
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}
	name, ok := dialect(dbType)
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	var db *sql.DB
	switch name {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		var err error
		if db, err = sql.Open("sqlite3", dbCfg.DSN); err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection: sqlite has a single writer and ":memory:" is per connection
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn, err := mysqlDSN(dbCfg)
		if err != nil {
			return nil, err
		}
		if db, err = sql.Open("mysql", dsn); err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// mysqlDSN builds the driver DSN from either an explicit dsn or the discrete
// fields. Times are always scanned into time.Time.
func mysqlDSN(c config.DatabaseConfig) (string, error) {
	dsn := c.DSN
	if dsn == "" {
		mc := mysql.NewConfig()
		mc.User = c.Username
		mc.Passwd = c.Password
		mc.Net = "tcp"
		port := c.Port
		if port == 0 {
			port = 3306
		}
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
		mc.DBName = c.DBName
		dsn = mc.FormatDSN()
		if c.Params != "" {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + strings.TrimPrefix(c.Params, "?")
		}
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}
