package db

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/tenantvault/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm driver for cfg.DBType. Sessions always run in UTC.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.DBType)); driver {
	case "postgres", "postgresql", "pgx":
		return postgres.Open(postgresDSN(cfg)), nil
	case "mysql":
		return mysql.Open(mysqlDSN(cfg)), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DBName)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:   cfg.DBHost + ":" + cfg.DBPort,
		Path:   "/" + cfg.DBName,
		RawQuery: url.Values{
			"sslmode":  {sslMode},
			"TimeZone": {"UTC"},
		}.Encode(),
	}
	return u.String()
}

func mysqlDSN(cfg config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
}

// sqliteDSN accepts ":memory:", a file path or a bare name that gets ".db".
func sqliteDSN(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "tenantvault.db"
	case name == ":memory:", strings.HasPrefix(name, "file:"), strings.Contains(name, "."):
		return name
	default:
		return name + ".db"
	}
}
