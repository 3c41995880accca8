// Package rls scopes a postgres transaction to one tenant for row-level
// security policies keyed on app.current_org_id and app.current_product_id.
package rls

import (
	"strconv"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Supported reports whether the connection understands transaction-local settings.
func Supported(tx *gorm.DB) bool {
	return tx != nil && tx.Dialector != nil && tx.Dialector.Name() == "postgres"
}

// WithTenant sets the tenant for the rest of the transaction. It is a no-op on
// dialects without row-level security.
func WithTenant(tx *gorm.DB, orgID, productID snowflake.ID) error {
	if !Supported(tx) {
		return nil
	}
	return tx.Exec(
		"SELECT set_config('app.current_org_id', ?, true), set_config('app.current_product_id', ?, true)",
		strconv.FormatInt(int64(orgID), 10),
		strconv.FormatInt(int64(productID), 10),
	).Error
}
