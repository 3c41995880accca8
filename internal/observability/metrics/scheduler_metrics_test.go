package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/tenantvault/internal/authorization"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		errType   string
		reason    string
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, SchedulerErrorTypeDeadlineExceeded, SchedulerJobReasonDeadlineExceeded, true},
		{"forbidden", authorization.ErrForbidden, SchedulerErrorTypeAuthorization, SchedulerJobReasonForbidden, false},
		{"storage", fmt.Errorf("upload: %w", ErrStorageUnavailable), SchedulerErrorTypeStorage, SchedulerJobReasonStorageUnavailable, true},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, SchedulerErrorTypeDB, SchedulerJobReasonDBLockTimeout, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, SchedulerErrorTypeDB, SchedulerJobReasonSerializationFailure, true},
		{"unique", gorm.ErrDuplicatedKey, SchedulerErrorTypeDB, SchedulerJobReasonUniqueViolation, false},
		{"other pg", &pgconn.PgError{Code: "08006"}, SchedulerErrorTypeDB, SchedulerJobReasonUnknown, true},
		{"not found", gorm.ErrRecordNotFound, SchedulerErrorTypeBusinessRule, SchedulerJobReasonUnknown, false},
		{"plain", errors.New("boom"), SchedulerErrorTypeBusinessRule, SchedulerJobReasonUnknown, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.errType, ClassifySchedulerErrorType(tc.err))
			assert.Equal(t, tc.reason, ClassifySchedulerJobReason(tc.err))
			assert.Equal(t, tc.retryable, IsSchedulerErrorRetryable(tc.err))
		})
	}
}

func TestSchedulerCounters(t *testing.T) {
	m := newSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "tenantvault", Environment: "test"})

	m.AddBatchProcessed("apply_retention", ResourceBackupRecords, 3)
	m.AddBatchProcessed("apply_retention", ResourceBackupRecords, 0)
	m.AddBackupTransitions("completed", "purged", 2)
	m.IncJobError("apply_retention", &pgconn.PgError{Code: "55P03"})
	m.IncJobError("apply_retention", nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.batchProcessed.WithLabelValues("apply_retention", ResourceBackupRecords)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.backupTransitions.WithLabelValues("completed", "purged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobErrors.WithLabelValues("apply_retention", SchedulerJobReasonDBLockTimeout)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobErrors))
}
