package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// driverUniqueMessages match unique violations from drivers that gorm does
// not translate: MySQL error 1062 and SQLite constraint 2067.
var driverUniqueMessages = []string{"Error 1062", "UNIQUE constraint failed"}

// IsDuplicateKeyErr reports whether err is a unique constraint violation on
// any supported driver.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	for _, msg := range driverUniqueMessages {
		if strings.Contains(err.Error(), msg) {
			return true
		}
	}
	return false
}
