package retentionpolicy

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/goccy/go-json"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/retention"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Resolver produces effective retention policies. Field precedence, highest
// first: tenant override for (org, product), tenant override for the org,
// product override from the config file, global default.
type Resolver interface {
	ForTenant(ctx context.Context, orgID, productID snowflake.ID) (retention.Policy, error)
	// ForOrganization skips product layers. The lifecycle state machine is per organization.
	ForOrganization(ctx context.Context, orgID snowflake.ID) (retention.Policy, error)
	Overrides(ctx context.Context, orgID snowflake.ID) (map[snowflake.ID]retention.Override, error)
	SetOverride(ctx context.Context, orgID, productID snowflake.ID, override retention.Override) error
	ClearOverride(ctx context.Context, orgID, productID snowflake.ID) error
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   Repository
	Holder *config.RetentionPolicyHolder
	Clock  clock.Clock
}

type resolver struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	repo   Repository
	holder *config.RetentionPolicyHolder
	clock  clock.Clock
}

func NewResolver(p Params) Resolver {
	return &resolver{
		db:     p.DB,
		log:    p.Log.Named("retentionpolicy.resolver"),
		genID:  p.GenID,
		repo:   p.Repo,
		holder: p.Holder,
		clock:  p.Clock,
	}
}

func (r *resolver) ForTenant(ctx context.Context, orgID, productID snowflake.ID) (retention.Policy, error) {
	overrides, err := r.Overrides(ctx, orgID)
	if err != nil {
		return retention.Policy{}, err
	}
	settings := r.holder.Get()
	return retention.Resolve(
		settings.Global(),
		settings.Product(int64(productID)),
		overrides[0],
		overrides[productID],
	), nil
}

func (r *resolver) ForOrganization(ctx context.Context, orgID snowflake.ID) (retention.Policy, error) {
	overrides, err := r.Overrides(ctx, orgID)
	if err != nil {
		return retention.Policy{}, err
	}
	return retention.Resolve(r.holder.Get().Global(), overrides[0]), nil
}

func (r *resolver) Overrides(ctx context.Context, orgID snowflake.ID) (map[snowflake.ID]retention.Override, error) {
	if orgID == 0 {
		return nil, ErrInvalidOrganization
	}
	rows, err := r.repo.ListForOrg(ctx, r.db, orgID)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]retention.Override, len(rows))
	for _, row := range rows {
		var override retention.Override
		if err := json.Unmarshal(row.Policy, &override); err != nil {
			// A corrupt row must not take the tenant down; fall back to the lower layers.
			r.log.Warn("ignoring unreadable retention override",
				zap.Int64("org_id", int64(orgID)),
				zap.Int64("product_id", int64(row.ProductID)),
				zap.Error(err),
			)
			continue
		}
		out[row.ProductID] = override
	}
	return out, nil
}

func (r *resolver) SetOverride(ctx context.Context, orgID, productID snowflake.ID, override retention.Override) error {
	if orgID == 0 {
		return ErrInvalidOrganization
	}
	if err := override.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	if override.IsZero() {
		return r.ClearOverride(ctx, orgID, productID)
	}
	payload, err := json.Marshal(override)
	if err != nil {
		return err
	}
	now := r.clock.Now().UTC()
	return r.repo.Upsert(ctx, r.db, &TenantOverride{
		ID:        r.genID.Generate(),
		OrgID:     orgID,
		ProductID: productID,
		Policy:    datatypes.JSON(payload),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (r *resolver) ClearOverride(ctx context.Context, orgID, productID snowflake.ID) error {
	if orgID == 0 {
		return ErrInvalidOrganization
	}
	return r.repo.Delete(ctx, r.db, orgID, productID)
}
