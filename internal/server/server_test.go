package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	backupdomain "github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/retention"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	lifecycledomain "github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrg     = snowflake.ID(1001)
	testProduct = snowflake.ID(2002)
)

type fakeBackupService struct {
	requestErr   error
	requested    []backupdomain.Tenant
	actors       []string
	listReq      backupdomain.ListBackupsRequest
	downloadErr  error
	download     string
	restored     []snowflake.ID
	legalHold    *bool
	previewed    []backupdomain.Tenant
	downloadSeen string
}

func (f *fakeBackupService) RequestBackup(ctx context.Context, tenant backupdomain.Tenant, actorID string) (*backupdomain.BackupRecord, error) {
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	f.requested = append(f.requested, tenant)
	f.actors = append(f.actors, actorID)
	return &backupdomain.BackupRecord{
		ID:        snowflake.ID(9),
		OrgID:     tenant.OrgID,
		ProductID: tenant.ProductID,
		Status:    backupdomain.BackupStatusQueued,
	}, nil
}

func (f *fakeBackupService) RunBackup(ctx context.Context, id snowflake.ID) (*backupdomain.RunResult, error) {
	return nil, nil
}

func (f *fakeBackupService) Restore(ctx context.Context, id snowflake.ID) error {
	f.restored = append(f.restored, id)
	return nil
}

func (f *fakeBackupService) Get(ctx context.Context, id snowflake.ID) (*backupdomain.BackupRecord, error) {
	if id != snowflake.ID(9) {
		return nil, backupdomain.ErrNotFound
	}
	return &backupdomain.BackupRecord{ID: id, Status: backupdomain.BackupStatusCompleted}, nil
}

func (f *fakeBackupService) List(ctx context.Context, req backupdomain.ListBackupsRequest) (backupdomain.ListBackupsResponse, error) {
	f.listReq = req
	return backupdomain.ListBackupsResponse{}, nil
}

func (f *fakeBackupService) SetLegalHold(ctx context.Context, id snowflake.ID, hold bool) (*backupdomain.BackupRecord, error) {
	f.legalHold = &hold
	return &backupdomain.BackupRecord{ID: id, LegalHold: hold}, nil
}

func (f *fakeBackupService) IssueDownloadToken(ctx context.Context, id snowflake.ID) (string, error) {
	return "token-1", nil
}

func (f *fakeBackupService) OpenDownload(ctx context.Context, id snowflake.ID, token string) (io.ReadCloser, *backupdomain.BackupRecord, error) {
	f.downloadSeen = token
	if f.downloadErr != nil {
		return nil, nil, f.downloadErr
	}
	record := &backupdomain.BackupRecord{ID: id, Checksum: "abc123", SizeBytes: int64(len(f.download))}
	return io.NopCloser(strings.NewReader(f.download)), record, nil
}

func (f *fakeBackupService) PreviewRetention(ctx context.Context, tenant backupdomain.Tenant) (*backupdomain.RetentionPreview, error) {
	f.previewed = append(f.previewed, tenant)
	return &backupdomain.RetentionPreview{Tenant: tenant}, nil
}

type fakeAuditService struct {
	listReq auditdomain.ListAuditLogRequest
}

func (f *fakeAuditService) Record(ctx context.Context, event auditdomain.Event) error { return nil }

func (f *fakeAuditService) RecordTx(ctx context.Context, tx *gorm.DB, event auditdomain.Event) error {
	return nil
}

func (f *fakeAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	f.listReq = req
	return auditdomain.ListAuditLogResponse{}, nil
}

type fakeLifecycleService struct {
	status    lifecycledomain.Status
	confirmed []snowflake.ID
}

func (f *fakeLifecycleService) Get(ctx context.Context, orgID snowflake.ID) (*lifecycledomain.TenantRetentionStatus, error) {
	return &lifecycledomain.TenantRetentionStatus{OrgID: orgID, Status: f.status}, nil
}

func (f *fakeLifecycleService) Evaluate(ctx context.Context, orgID snowflake.ID) (*lifecycledomain.TenantRetentionStatus, error) {
	return f.Get(ctx, orgID)
}

func (f *fakeLifecycleService) Sweep(ctx context.Context, batchSize int) (lifecycledomain.SweepResult, error) {
	return lifecycledomain.SweepResult{}, nil
}

func (f *fakeLifecycleService) ConfirmDeleted(ctx context.Context, orgID snowflake.ID) (*lifecycledomain.TenantRetentionStatus, error) {
	if f.status != lifecycledomain.StatusArchived {
		return nil, lifecycledomain.ErrInvalidTransition
	}
	f.confirmed = append(f.confirmed, orgID)
	return &lifecycledomain.TenantRetentionStatus{OrgID: orgID, Status: lifecycledomain.StatusDeleted}, nil
}

type fakeResolver struct {
	set     map[snowflake.ID]retention.Override
	cleared []snowflake.ID
}

func (f *fakeResolver) ForTenant(ctx context.Context, orgID, productID snowflake.ID) (retention.Policy, error) {
	return retention.Policy{}, nil
}

func (f *fakeResolver) ForOrganization(ctx context.Context, orgID snowflake.ID) (retention.Policy, error) {
	return retention.Policy{}, nil
}

func (f *fakeResolver) Overrides(ctx context.Context, orgID snowflake.ID) (map[snowflake.ID]retention.Override, error) {
	return f.set, nil
}

func (f *fakeResolver) SetOverride(ctx context.Context, orgID, productID snowflake.ID, override retention.Override) error {
	if f.set == nil {
		f.set = map[snowflake.ID]retention.Override{}
	}
	f.set[productID] = override
	return nil
}

func (f *fakeResolver) ClearOverride(ctx context.Context, orgID, productID snowflake.ID) error {
	f.cleared = append(f.cleared, productID)
	return nil
}

var _ retentionpolicy.Resolver = (*fakeResolver)(nil)

type testServer struct {
	engine    *gin.Engine
	backups   *fakeBackupService
	audit     *fakeAuditService
	lifecycle *fakeLifecycleService
	policies  *fakeResolver
}

func newTestServer(t *testing.T, internalToken string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		engine:    engine,
		backups:   &fakeBackupService{download: "zip-bytes"},
		audit:     &fakeAuditService{},
		lifecycle: &fakeLifecycleService{status: lifecycledomain.StatusActive},
		policies:  &fakeResolver{},
	}
	NewServer(ServerParams{
		Gin:       engine,
		Cfg:       config.Config{InternalAPIToken: internalToken},
		Log:       zap.NewNop(),
		BackupSvc: ts.backups,
		AuditSvc:  ts.audit,
		Lifecycle: ts.lifecycle,
		Policies:  ts.policies,
	})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func tenantHeaders() map[string]string {
	return map[string]string{
		HeaderOrg:     testOrg.String(),
		HeaderProduct: testProduct.String(),
		HeaderActor:   "user-7",
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAPIRequiresOrganization(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/api/backups", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/backups", nil, map[string]string{HeaderOrg: "not-an-id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBackup(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/backups", nil, tenantHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.backups.requested, 1)
	assert.Equal(t, backupdomain.Tenant{OrgID: testOrg, ProductID: testProduct}, ts.backups.requested[0])
	assert.Equal(t, "user-7", ts.backups.actors[0])

	headers := tenantHeaders()
	delete(headers, HeaderProduct)
	rec = ts.do(http.MethodPost, "/api/backups", []byte(`{"product_id":"3003"}`), headers)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, snowflake.ID(3003), ts.backups.requested[1].ProductID)

	rec = ts.do(http.MethodPost, "/api/backups", nil, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/backups", []byte(`{"product_id":"3003"}`), tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, ts.backups.requested, 2)
}

func TestCreateBackupInProgress(t *testing.T) {
	ts := newTestServer(t, "")
	ts.backups.requestErr = backupdomain.ErrBackupInProgress

	rec := ts.do(http.MethodPost, "/api/backups", nil, tenantHeaders())
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "backup_in_progress", decodeError(t, rec).Type)
}

func TestListBackupsFilters(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/api/backups?status=completed,%20Expired&page_size=5", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []backupdomain.BackupStatus{backupdomain.BackupStatusCompleted, backupdomain.BackupStatusExpired}, ts.backups.listReq.Statuses)
	assert.Equal(t, 5, ts.backups.listReq.PageSize)

	rec = ts.do(http.MethodGet, "/api/backups?status=archived", nil, tenantHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "status", payload.Errors[0].Field)
}

func TestGetBackupNotFound(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/api/backups/12345", nil, tenantHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/backups/abc", nil, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadBackup(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/api/backups/9/download?token=secret", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret", ts.backups.downloadSeen)
	assert.Equal(t, "zip-bytes", rec.Body.String())
	assert.Equal(t, "abc123", rec.Header().Get("X-Backup-Checksum"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "backup-9.zip")

	ts.backups.downloadErr = backupdomain.ErrInvalidToken
	rec = ts.do(http.MethodGet, "/api/backups/9/download?token=reused", nil, tenantHeaders())
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "invalid_download_token", decodeError(t, rec).Type)
}

func TestLegalHoldRequiresBody(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPut, "/api/backups/9/legal-hold", []byte(`{}`), tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, ts.backups.legalHold)

	rec = ts.do(http.MethodPut, "/api/backups/9/legal-hold", []byte(`{"hold":false}`), tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ts.backups.legalHold)
	assert.False(t, *ts.backups.legalHold)
}

func TestRestoreAndPreview(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/backups/9/restore", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []snowflake.ID{9}, ts.backups.restored)

	rec = ts.do(http.MethodGet, "/api/backups/retention/preview", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []backupdomain.Tenant{{OrgID: testOrg, ProductID: testProduct}}, ts.backups.previewed)
}

func TestListAuditLogsParsesRange(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/api/backups/audit?from=2026-01-01&to=2026-01-31&backup_id=9&action=backup.restored", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	req := ts.audit.listReq
	require.NotNil(t, req.StartAt)
	require.NotNil(t, req.EndAt)
	assert.Equal(t, 1, req.StartAt.Day())
	assert.Equal(t, 23, req.EndAt.Hour())
	assert.Equal(t, snowflake.ID(9), req.BackupID)
	assert.Equal(t, "backup.restored", req.Action)

	rec = ts.do(http.MethodGet, "/api/backups/audit?start_at=yesterday", nil, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLifecycle(t *testing.T) {
	ts := newTestServer(t, "")
	ts.lifecycle.status = lifecycledomain.StatusGraceReadonly

	rec := ts.do(http.MethodGet, "/api/lifecycle", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data lifecycledomain.TenantRetentionStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testOrg, resp.Data.OrgID)
	assert.Equal(t, lifecycledomain.StatusGraceReadonly, resp.Data.Status)
}

func TestInternalRoutesAuth(t *testing.T) {
	closed := newTestServer(t, "")
	rec := closed.do(http.MethodGet, "/internal/retention-overrides/1001", nil, map[string]string{"Authorization": "Bearer anything"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts := newTestServer(t, "op-secret")
	rec = ts.do(http.MethodGet, "/internal/retention-overrides/1001", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/internal/retention-overrides/1001", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/internal/retention-overrides/1001", nil, map[string]string{"Authorization": "Bearer op-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetentionOverrideRoutes(t *testing.T) {
	ts := newTestServer(t, "op-secret")
	auth := map[string]string{"Authorization": "Bearer op-secret"}

	rec := ts.do(http.MethodPut, "/internal/retention-overrides/1001?product_id=2002", []byte(`{"grace_days":5,"last_n":3}`), auth)
	require.Equal(t, http.StatusOK, rec.Code)
	override, ok := ts.policies.set[testProduct]
	require.True(t, ok)
	require.NotNil(t, override.GraceDays)
	assert.Equal(t, 5, *override.GraceDays)

	rec = ts.do(http.MethodPut, "/internal/retention-overrides/1001", []byte(`{"archive_days":9}`), auth)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = ts.policies.set[0]
	assert.True(t, ok)

	rec = ts.do(http.MethodGet, "/internal/retention-overrides/1001", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data map[string]retention.Override `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Data, testProduct.String())
	assert.Contains(t, resp.Data, "0")

	rec = ts.do(http.MethodDelete, "/internal/retention-overrides/1001?product_id=2002", nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []snowflake.ID{testProduct}, ts.policies.cleared)
}

func TestConfirmDeleted(t *testing.T) {
	ts := newTestServer(t, "op-secret")
	auth := map[string]string{"Authorization": "Bearer op-secret"}

	rec := ts.do(http.MethodPost, "/internal/lifecycle/1001/confirm-deleted", nil, auth)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.lifecycle.status = lifecycledomain.StatusArchived
	rec = ts.do(http.MethodPost, "/internal/lifecycle/1001/confirm-deleted", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []snowflake.ID{testOrg}, ts.lifecycle.confirmed)
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}
