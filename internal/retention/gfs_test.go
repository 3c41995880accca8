package retention

import (
	"math/rand"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gfsNow = time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)

func candidatesAtDays(days ...int) []Candidate {
	out := make([]Candidate, 0, len(days))
	for _, d := range days {
		completedAt := gfsNow.AddDate(0, 0, -d)
		out = append(out, Candidate{
			ID:          snowflake.ID(1000 + d),
			Status:      completedStatus,
			CompletedAt: &completedAt,
		})
	}
	return out
}

func idsForDays(days ...int) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(days))
	for _, d := range days {
		out = append(out, snowflake.ID(1000+d))
	}
	return out
}

func examplePolicy() Policy {
	return Policy{LastN: 2, DailyDays: 5, WeeklyWeeks: 2, MonthlyMonths: 2}
}

func TestClassifyGFSExample(t *testing.T) {
	result := Classify(candidatesAtDays(0, 1, 2, 3, 9, 10, 16, 40, 70), examplePolicy(), gfsNow)

	assert.Equal(t, idsForDays(0, 1, 2, 3, 9, 16, 40), result.Keep)
	assert.Equal(t, idsForDays(10, 70), result.Purge)

	reasons := map[snowflake.ID][]string{}
	for _, d := range result.Decisions {
		reasons[d.ID] = d.Reasons
	}
	assert.Contains(t, reasons[snowflake.ID(1000)], ReasonLastN)
	assert.Contains(t, reasons[snowflake.ID(1001)], ReasonLastN)
	assert.Equal(t, []string{ReasonDaily}, reasons[snowflake.ID(1002)])
	assert.Equal(t, []string{ReasonWeekly}, reasons[snowflake.ID(1009)])
	assert.Equal(t, []string{ReasonMonthly}, reasons[snowflake.ID(1016)])
	assert.Equal(t, []string{ReasonMonthly}, reasons[snowflake.ID(1040)])
	assert.Empty(t, reasons[snowflake.ID(1070)])
}

func TestClassifyIsOrderIndependent(t *testing.T) {
	records := candidatesAtDays(0, 1, 2, 3, 9, 10, 16, 40, 70)
	want := Classify(records, examplePolicy(), gfsNow)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]Candidate(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Classify(shuffled, examplePolicy(), gfsNow)
		require.Equal(t, want.Keep, got.Keep)
		require.Equal(t, want.Purge, got.Purge)
	}
}

func TestClassifyConvergesAfterPurge(t *testing.T) {
	first := Classify(candidatesAtDays(0, 1, 2, 3, 9, 10, 16, 40, 70), examplePolicy(), gfsNow)

	kept := map[snowflake.ID]bool{}
	for _, id := range first.Keep {
		kept[id] = true
	}
	var survivors []Candidate
	for _, c := range candidatesAtDays(0, 1, 2, 3, 9, 10, 16, 40, 70) {
		if kept[c.ID] {
			survivors = append(survivors, c)
		}
	}

	second := Classify(survivors, examplePolicy(), gfsNow)
	assert.Equal(t, first.Keep, second.Keep)
	assert.Empty(t, second.Purge)

	third := Classify(survivors, examplePolicy(), gfsNow)
	assert.Equal(t, second, third)
}

func TestClassifyIgnoresNonCompleted(t *testing.T) {
	completedAt := gfsNow.Add(-time.Hour)
	records := []Candidate{
		{ID: 1, Status: "failed", CompletedAt: &completedAt},
		{ID: 2, Status: "running"},
		{ID: 3, Status: completedStatus},
		{ID: 4, Status: completedStatus, CompletedAt: &completedAt},
	}

	result := Classify(records, Policy{}, gfsNow)
	assert.Empty(t, result.Keep)
	assert.Equal(t, []snowflake.ID{4}, result.Purge)
}

func TestClassifyKeepsExpiredWithinPolicy(t *testing.T) {
	newest := gfsNow.Add(-time.Hour)
	older := gfsNow.Add(-2 * time.Hour)
	records := []Candidate{
		{ID: 20, Status: expiredStatus, CompletedAt: &newest},
		{ID: 21, Status: expiredStatus, CompletedAt: &older},
	}

	result := Classify(records, Policy{LastN: 1}, gfsNow)
	assert.Equal(t, []snowflake.ID{20}, result.Keep)
	assert.Equal(t, []snowflake.ID{21}, result.Purge)
}

func TestClassifyTieBreaksOnID(t *testing.T) {
	completedAt := gfsNow.Add(-time.Hour)
	records := []Candidate{
		{ID: 10, Status: completedStatus, CompletedAt: &completedAt},
		{ID: 11, Status: completedStatus, CompletedAt: &completedAt},
	}

	result := Classify(records, Policy{DailyDays: 1}, gfsNow)
	assert.Equal(t, []snowflake.ID{11}, result.Keep)
	assert.Equal(t, []snowflake.ID{10}, result.Purge)
}

func TestClassifyEmptyPolicyPurgesEverything(t *testing.T) {
	result := Classify(candidatesAtDays(0, 5), Policy{}, gfsNow)
	assert.Empty(t, result.Keep)
	assert.Equal(t, idsForDays(0, 5), result.Purge)
}
