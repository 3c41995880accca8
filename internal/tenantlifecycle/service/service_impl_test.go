package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	auditrepo "github.com/smallbiznis/tenantvault/internal/audit/repository"
	auditservice "github.com/smallbiznis/tenantvault/internal/audit/service"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/retention"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/repository"
	"github.com/smallbiznis/tenantvault/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	accel *testkit.TimeAccelerator
	svc   domain.Service
}

func newFixture(t *testing.T, staleAfter time.Duration) *fixture {
	t.Helper()
	db := testkit.OpenDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	settings := config.RetentionSettings{Default: retention.Override{
		GraceDays:      retention.IntPtr(30),
		ArchiveDays:    retention.IntPtr(60),
		HardDeleteDays: retention.IntPtr(10),
	}}
	policies := retentionpolicy.NewResolver(retentionpolicy.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Repo:   retentionpolicy.ProvideRepository(),
		Holder: config.NewStaticRetentionPolicyHolder(settings),
		Clock:  fake,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: fake,
	})

	cfg := config.Config{Lifecycle: config.LifecycleConfig{StaleAfter: staleAfter}}
	svc := NewService(Params{
		DB:       db,
		Log:      log,
		Cfg:      cfg,
		Repo:     repository.Provide(),
		Expiry:   repository.NewExpiryReader(db),
		Policies: policies,
		Audit:    audit,
		Clock:    fake,
	})
	return &fixture{db: db, clock: fake, accel: testkit.NewTimeAccelerator(db), svc: svc}
}

func (f *fixture) expireAt(t *testing.T, orgID snowflake.ID, daysAgo int) {
	t.Helper()
	end := testNow.AddDate(0, 0, -daysAgo)
	require.NoError(t, f.accel.SetSubscriptionEnd(context.Background(), orgID, 1, "canceled", &end))
}

func (f *fixture) auditActions(t *testing.T, orgID snowflake.ID) []string {
	t.Helper()
	var actions []string
	require.NoError(t, f.db.Raw(
		`SELECT action FROM backup_audit_logs WHERE org_id = ? ORDER BY id`, orgID,
	).Scan(&actions).Error)
	return actions
}

func TestEvaluateWithoutSubscriptionIsActive(t *testing.T) {
	f := newFixture(t, time.Hour)

	got, err := f.svc.Evaluate(context.Background(), 501)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.SubscriptionExpiry)
	assert.Empty(t, f.auditActions(t, 501))
}

func TestEvaluateStatesFromExpiry(t *testing.T) {
	cases := []struct {
		daysAgo int
		want    domain.Status
	}{
		{daysAgo: 10, want: domain.StatusGraceReadonly},
		{daysAgo: 100, want: domain.StatusArchived},
		{daysAgo: 200, want: domain.StatusPendingDelete},
	}

	for _, tc := range cases {
		t.Run(string(tc.want), func(t *testing.T) {
			f := newFixture(t, time.Hour)
			f.expireAt(t, 900, tc.daysAgo)

			got, err := f.svc.Evaluate(context.Background(), 900)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, []string{auditdomain.ActionLifecycleTransition}, f.auditActions(t, 900))
		})
	}
}

func TestActiveSubscriptionWithoutEndWins(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.expireAt(t, 77, 300)
	require.NoError(t, f.accel.SetSubscriptionEnd(context.Background(), 77, 2, "active", nil))

	got, err := f.svc.Evaluate(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestGetReevaluatesOnlyWhenStale(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	first, err := f.svc.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, first.Status)

	f.expireAt(t, 42, 10)
	f.clock.Advance(30 * time.Minute)
	cached, err := f.svc.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, cached.Status, "fresh row is served as is")

	f.clock.Advance(31 * time.Minute)
	refreshed, err := f.svc.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGraceReadonly, refreshed.Status)
}

func TestRenewalReturnsToActive(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.expireAt(t, 8, 100)

	got, err := f.svc.Evaluate(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, domain.StatusArchived, got.Status)

	renewed := testNow.AddDate(0, 1, 0)
	require.NoError(t, f.accel.SetSubscriptionEnd(ctx, 8, 1, "active", &renewed))
	got, err = f.svc.Evaluate(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestConfirmDeletedRequiresPendingDelete(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	f.expireAt(t, 11, 100)
	_, err := f.svc.Evaluate(ctx, 11)
	require.NoError(t, err)
	_, err = f.svc.ConfirmDeleted(ctx, 11)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	f.expireAt(t, 12, 200)
	_, err = f.svc.Evaluate(ctx, 12)
	require.NoError(t, err)
	deleted, err := f.svc.ConfirmDeleted(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, deleted.Status)
	assert.NotNil(t, deleted.DeletedAt)
	assert.Equal(t, []string{auditdomain.ActionLifecycleTransition, auditdomain.ActionLifecycleDeleted}, f.auditActions(t, 12))
}

func TestDeletedIsTerminal(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.expireAt(t, 13, 200)
	_, err := f.svc.Evaluate(ctx, 13)
	require.NoError(t, err)
	_, err = f.svc.ConfirmDeleted(ctx, 13)
	require.NoError(t, err)

	renewed := testNow.AddDate(1, 0, 0)
	require.NoError(t, f.accel.SetSubscriptionEnd(ctx, 13, 1, "active", &renewed))
	got, err := f.svc.Evaluate(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status)
}

func TestSweepEvaluatesEveryOrganization(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.expireAt(t, 1, 10)
	f.expireAt(t, 2, 100)
	f.expireAt(t, 3, 200)
	future := testNow.AddDate(0, 0, 5)
	require.NoError(t, f.accel.SetSubscriptionEnd(ctx, 4, 1, "active", &future))

	result, err := f.svc.Sweep(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Evaluated)
	assert.Equal(t, map[string]int{
		string(domain.StatusGraceReadonly): 1,
		string(domain.StatusArchived):      1,
		string(domain.StatusPendingDelete): 1,
	}, result.Transitions)

	again, err := f.svc.Sweep(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Evaluated)
	assert.Empty(t, again.Transitions, "a second sweep with the same inputs converges")
}
