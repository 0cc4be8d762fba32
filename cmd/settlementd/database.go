package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fivebest/settlement/internal/store/gormstore"
	"github.com/fivebest/settlement/internal/store/migrations"
	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
	driverSQLite   = "sqlite"

	mysqlScheme       = "mysql://"
	defaultSQLiteFile = "settlement.db"
)

// databaseTarget is a parsed database URL.
type databaseTarget struct {
	driver string
	// dsn is what the gorm dialector receives.
	dsn string
}

func openDatabase(ctx context.Context, databaseURL string) (*gorm.DB, func() error, string, error) {
	target, err := resolveDriver(databaseURL)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch target.driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target.dsn), cfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(target.dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target.dsn), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", target.driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if target.driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, target.driver, nil
}

func resolveDriver(databaseURL string) (databaseTarget, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		return databaseTarget{driver: driverPostgres, dsn: databaseURL}, nil
	case strings.HasPrefix(databaseURL, mysqlScheme):
		dsn, err := normalizeMySQLDSN(strings.TrimPrefix(databaseURL, mysqlScheme))
		if err != nil {
			return databaseTarget{}, err
		}
		return databaseTarget{driver: driverMySQL, dsn: dsn}, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		u, err := url.Parse(databaseURL)
		if err != nil {
			return databaseTarget{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return databaseTarget{driver: driverSQLite, dsn: sqlitePath}, err
	case databaseURL == "":
		return databaseTarget{}, fmt.Errorf("database url is required")
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(databaseURL)
	return databaseTarget{driver: driverSQLite, dsn: sqlitePath}, err
}

// normalizeMySQLDSN validates a go-sql-driver DSN and forces time parsing, which
// the gorm models rely on.
func normalizeMySQLDSN(raw string) (string, error) {
	parsed, err := mysqldriver.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	return parsed.FormatDSN(), nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema runs the versioned migrations on postgres and AutoMigrate elsewhere.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver == driverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return migrations.Up(sqlDB)
	}
	if err := db.AutoMigrate(gormstore.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
