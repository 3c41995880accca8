package domain

import (
	"time"

	"github.com/smallbiznis/tenantvault/internal/retention"
)

// Compute derives the lifecycle status from a subscription expiry. It never
// returns StatusDeleted; that state is reached only through a confirmed cleanup.
//
// Windows are whole calendar days in UTC:
//
//	expiry >= now                              ACTIVE
//	now <= expiry + grace_days                 GRACE_READONLY
//	now <= grace_until + archive_days          ARCHIVED
//	hard_delete_days > 0 and
//	now >= archive_until + hard_delete_days    PENDING_DELETE
//	otherwise                                  ARCHIVED
func Compute(expiry *time.Time, policy retention.Policy, now time.Time) Evaluation {
	now = now.UTC()
	if expiry == nil {
		return Evaluation{Status: StatusActive}
	}
	exp := expiry.UTC()
	if !exp.Before(now) {
		return Evaluation{Status: StatusActive, Expiry: &exp}
	}

	graceUntil := exp.AddDate(0, 0, policy.GraceDays)
	archiveUntil := graceUntil.AddDate(0, 0, policy.ArchiveDays)
	eval := Evaluation{
		Expiry:       &exp,
		GraceUntil:   &graceUntil,
		ArchiveUntil: &archiveUntil,
	}

	switch {
	case !now.After(graceUntil):
		eval.Status = StatusGraceReadonly
	case !now.After(archiveUntil):
		eval.Status = StatusArchived
	case policy.HardDeleteDays > 0 && !now.Before(archiveUntil.AddDate(0, 0, policy.HardDeleteDays)):
		eval.Status = StatusPendingDelete
	default:
		eval.Status = StatusArchived
	}
	return eval
}

// Next merges a fresh evaluation with the persisted status. DELETED is
// terminal and survives any evaluation.
func Next(current Status, eval Evaluation) Status {
	if current == StatusDeleted {
		return StatusDeleted
	}
	return eval.Status
}
