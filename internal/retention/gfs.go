package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	completedStatus = "completed"
	expiredStatus   = "expired"
)

// Keep reasons reported by Classify.
const (
	ReasonLastN   = "last_n"
	ReasonDaily   = "daily"
	ReasonWeekly  = "weekly"
	ReasonMonthly = "monthly"
)

// Candidate is the minimal view of a backup record the engine needs.
type Candidate struct {
	ID          snowflake.ID
	Status      string
	CompletedAt *time.Time
}

// Decision describes the outcome for one eligible candidate.
type Decision struct {
	ID          snowflake.ID `json:"id"`
	CompletedAt time.Time    `json:"completed_at"`
	Keep        bool         `json:"keep"`
	Reasons     []string     `json:"reasons,omitempty"`
}

// Result partitions eligible candidates into keep and purge sets.
// Both slices are ordered newest first.
type Result struct {
	Keep      []snowflake.ID
	Purge     []snowflake.ID
	Decisions []Decision
}

// Classify applies the grandfather-father-son scheme. Completed and expired
// candidates with a completion time take part; everything else is left out of
// both sets. Expiry does not exempt a record from the keep rules.
// Buckets are computed in UTC: calendar day, ISO week and calendar month.
func Classify(records []Candidate, policy Policy, now time.Time) Result {
	now = now.UTC()

	eligible := make([]Candidate, 0, len(records))
	seen := make(map[snowflake.ID]struct{}, len(records))
	for _, record := range records {
		if !eligibleStatus(record.Status) || record.CompletedAt == nil {
			continue
		}
		if _, dup := seen[record.ID]; dup {
			continue
		}
		seen[record.ID] = struct{}{}
		eligible = append(eligible, record)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].CompletedAt.UTC(), eligible[j].CompletedAt.UTC()
		if !a.Equal(b) {
			return a.After(b)
		}
		return eligible[i].ID > eligible[j].ID
	})

	reasons := make(map[snowflake.ID][]string)

	for i := 0; i < policy.LastN && i < len(eligible); i++ {
		reasons[eligible[i].ID] = append(reasons[eligible[i].ID], ReasonLastN)
	}
	if policy.DailyDays > 0 {
		keepNewestPerBucket(eligible, now.AddDate(0, 0, -policy.DailyDays), dayKey, ReasonDaily, reasons)
	}
	if policy.WeeklyWeeks > 0 {
		keepNewestPerBucket(eligible, now.AddDate(0, 0, -7*policy.WeeklyWeeks), weekKey, ReasonWeekly, reasons)
	}
	if policy.MonthlyMonths > 0 {
		keepNewestPerBucket(eligible, now.AddDate(0, -policy.MonthlyMonths, 0), monthKey, ReasonMonthly, reasons)
	}

	result := Result{
		Keep:      make([]snowflake.ID, 0, len(reasons)),
		Purge:     make([]snowflake.ID, 0, len(eligible)-len(reasons)),
		Decisions: make([]Decision, 0, len(eligible)),
	}
	for _, record := range eligible {
		why, keep := reasons[record.ID]
		if keep {
			result.Keep = append(result.Keep, record.ID)
		} else {
			result.Purge = append(result.Purge, record.ID)
		}
		result.Decisions = append(result.Decisions, Decision{
			ID:          record.ID,
			CompletedAt: record.CompletedAt.UTC(),
			Keep:        keep,
			Reasons:     why,
		})
	}
	return result
}

func eligibleStatus(status string) bool {
	return status == completedStatus || status == expiredStatus
}

// keepNewestPerBucket expects sorted (newest first) input so the first record
// seen in a bucket is its newest.
func keepNewestPerBucket(sorted []Candidate, cutoff time.Time, key func(time.Time) string, reason string, reasons map[snowflake.ID][]string) {
	buckets := make(map[string]struct{})
	for _, record := range sorted {
		completedAt := record.CompletedAt.UTC()
		if completedAt.Before(cutoff) {
			continue
		}
		bucket := key(completedAt)
		if _, taken := buckets[bucket]; taken {
			continue
		}
		buckets[bucket] = struct{}{}
		reasons[record.ID] = append(reasons[record.ID], reason)
	}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}
