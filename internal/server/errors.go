package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	backupdomain "github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	"github.com/smallbiznis/tenantvault/internal/storage"
	lifecycledomain "github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// errorRule maps any of its targets to one HTTP response. Rules are checked
// in order and the first match wins.
type errorRule struct {
	targets []error
	status  int
	kind    string
	message string
}

var errorRules = []errorRule{
	{[]error{ErrUnauthorized}, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{[]error{backupdomain.ErrInvalidToken}, http.StatusForbidden, "invalid_download_token", "download token is invalid or already used"},
	{[]error{lifecycledomain.ErrRestricted}, http.StatusForbidden, "tenant_lifecycle_restricted", "tenant access is restricted by its lifecycle status"},
	{[]error{ErrForbidden}, http.StatusForbidden, "forbidden", "forbidden"},
	{[]error{backupdomain.ErrBackupInProgress}, http.StatusConflict, "backup_in_progress", "a backup for this tenant is already queued or running"},
	{[]error{backupdomain.ErrNotRestorable}, http.StatusConflict, "backup_not_restorable", "backup is not in a restorable state"},
	{[]error{ErrConflict, backupdomain.ErrInvalidTransition, backupdomain.ErrLegalHold, lifecycledomain.ErrInvalidTransition}, http.StatusConflict, "conflict", "conflict"},
	{[]error{backupdomain.ErrChecksumMismatch}, http.StatusUnprocessableEntity, "checksum_mismatch", "archive checksum does not match the recorded value"},
	{[]error{backupdomain.ErrManifestMismatch}, http.StatusUnprocessableEntity, "manifest_mismatch", "archive belongs to a different tenant or backup"},
	{[]error{backupdomain.ErrInvalidArchive}, http.StatusUnprocessableEntity, "invalid_archive", "archive is malformed"},
	{[]error{backupdomain.ErrArchiveTooLarge}, http.StatusRequestEntityTooLarge, "archive_too_large", "archive exceeds the configured size limit"},
	{[]error{backupdomain.ErrRateLimited}, http.StatusTooManyRequests, "rate_limited", "too many requests"},
	{[]error{ErrNotFound, backupdomain.ErrNotFound, lifecycledomain.ErrNotFound, storage.ErrNotFound, gorm.ErrRecordNotFound}, http.StatusNotFound, "not_found", "not found"},
	{[]error{ErrServiceUnavailable, storage.ErrUnavailable}, http.StatusServiceUnavailable, "service_unavailable", "service unavailable"},
}

// invalidInputs are sentinel errors reported as a single-field validation error.
// The field is derived from the sentinel's text.
var invalidInputs = []error{
	ErrInvalidRequest,
	backupdomain.ErrInvalidOrganization,
	backupdomain.ErrInvalidProduct,
	backupdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidOrganization,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	lifecycledomain.ErrInvalidOrganization,
	retentionpolicy.ErrInvalidOrganization,
	retentionpolicy.ErrInvalidOverride,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		status, payload := mapError(last.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

// classifyErrorForLog returns the (error_type, error_code) pair the request
// logger attaches to failed requests.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return internalError()
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, validationPayload(vErr.Errors...)
	}

	for _, sentinel := range invalidInputs {
		if errors.Is(err, sentinel) {
			return http.StatusBadRequest, validationPayload(invalidInputError(sentinel))
		}
	}

	for _, rule := range errorRules {
		for _, target := range rule.targets {
			if errors.Is(err, target) {
				return rule.status, errorPayload{Type: rule.kind, Message: rule.message}
			}
		}
	}
	return internalError()
}

func internalError() (int, errorPayload) {
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

func validationPayload(errs ...ValidationError) errorPayload {
	return errorPayload{Type: "validation_error", Message: "validation error", Errors: errs}
}

// invalidInputError turns "invalid_time_range" into field "time_range".
// Organization sentinels from every package share one code.
func invalidInputError(sentinel error) ValidationError {
	code := sentinel.Error()
	if strings.HasSuffix(code, "_organization") {
		code = "invalid_organization"
	}
	if code == "invalid_request" {
		return ValidationError{Field: "request", Code: code, Message: "invalid request"}
	}
	return ValidationError{
		Field:   strings.TrimPrefix(code, "invalid_"),
		Code:    code,
		Message: "invalid value",
	}
}
