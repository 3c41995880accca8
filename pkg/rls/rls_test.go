package rls

import (
	"testing"

	"github.com/smallbiznis/tenantvault/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestWithTenantSkipsSQLite(t *testing.T) {
	db := testkit.OpenDB(t)
	assert.False(t, Supported(db))
	assert.False(t, Supported(nil))

	err := db.Transaction(func(tx *gorm.DB) error {
		return WithTenant(tx, 10, 20)
	})
	require.NoError(t, err)
}
