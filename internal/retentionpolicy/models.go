package retentionpolicy

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TenantOverride is one row of tenant_retention_overrides. ProductID 0 means
// the override applies to every product of the organization.
type TenantOverride struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	OrgID     snowflake.ID   `gorm:"column:org_id;not null"`
	ProductID snowflake.ID   `gorm:"column:product_id;not null;default:0"`
	Policy    datatypes.JSON `gorm:"column:policy;not null"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (TenantOverride) TableName() string { return "tenant_retention_overrides" }

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidOverride     = errors.New("invalid_retention_override")
)
