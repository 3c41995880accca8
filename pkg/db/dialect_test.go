package db

import (
	"testing"

	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	dsn := postgresDSN(config.Config{
		DBHost: "db", DBPort: "5432", DBUser: "vault", DBPassword: "p@ss word", DBName: "tenantvault",
	})
	assert.Equal(t, "postgres://vault:p%40ss%20word@db:5432/tenantvault?TimeZone=UTC&sslmode=disable", dsn)
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "tenantvault.db", sqliteDSN(""))
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
	assert.Equal(t, "vault.db", sqliteDSN("vault"))
	assert.Equal(t, "/tmp/vault.sqlite", sqliteDSN("/tmp/vault.sqlite"))
}

func TestDialectRejectsUnknownDriver(t *testing.T) {
	_, err := Dialect(config.Config{DBType: "oracle"})
	assert.ErrorContains(t, err, "oracle")

	d, err := Dialect(config.Config{DBType: "Postgres", DBHost: "db", DBPort: "5432"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}
