package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(y int, mo time.Month, d, h, mi int) time.Time {
	return time.Date(y, mo, d, h, mi, 0, 0, time.UTC)
}

func TestParseCronErrors(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"1,,2 * * * *",
		"@every 5m",
	} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseCron(spec)
			assert.Error(t, err)
		})
	}
}

func TestExprMatches(t *testing.T) {
	t.Parallel()
	// 2025-03-02 is a Sunday.
	tests := []struct {
		spec string
		t    time.Time
		want bool
	}{
		{"0 2 * * *", at(2025, 3, 5, 2, 0), true},
		{"0 2 * * *", at(2025, 3, 5, 2, 1), false},
		{"0 2 * * *", at(2025, 3, 5, 3, 0), false},
		{"*/15 * * * *", at(2025, 3, 5, 7, 30), true},
		{"*/15 * * * *", at(2025, 3, 5, 7, 31), false},
		{"0 1 * * 0", at(2025, 3, 2, 1, 0), true},
		{"0 1 * * 7", at(2025, 3, 2, 1, 0), true},
		{"0 1 * * sun", at(2025, 3, 2, 1, 0), true},
		{"0 1 * * 0", at(2025, 3, 3, 1, 0), false},
		{"0 3 1 * *", at(2025, 4, 1, 3, 0), true},
		{"0 3 1 * *", at(2025, 4, 2, 3, 0), false},
		{"0 9-17/2 * * 1-5", at(2025, 3, 4, 11, 0), true},
		{"0 9-17/2 * * 1-5", at(2025, 3, 4, 12, 0), false},
		{"0 9-17/2 * * 1-5", at(2025, 3, 2, 11, 0), false},
		{"5/20 * * * *", at(2025, 3, 4, 0, 45), true},
		{"5/20 * * * *", at(2025, 3, 4, 0, 40), false},
		{"0,30 * * JAN,mar *", at(2025, 3, 4, 0, 30), true},
		{"0,30 * * JAN,mar *", at(2025, 2, 4, 0, 30), false},
		// Both day fields restricted: either may match.
		{"0 0 13 * 5", at(2025, 6, 13, 0, 0), true},
		{"0 0 13 * 5", at(2025, 3, 7, 0, 0), true},
		{"0 0 13 * 5", at(2025, 3, 8, 0, 0), false},
		{"@hourly", at(2025, 3, 8, 17, 0), true},
		{"@daily", at(2025, 3, 8, 0, 0), true},
		{"@weekly", at(2025, 3, 2, 0, 0), true},
		{"@monthly", at(2025, 3, 1, 0, 0), true},
		{"@yearly", at(2025, 1, 1, 0, 0), true},
		{"@yearly", at(2025, 3, 1, 0, 0), false},
	}
	for _, tc := range tests {
		t.Run(tc.spec+"@"+tc.t.Format(time.RFC3339), func(t *testing.T) {
			e, err := ParseCron(tc.spec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.Matches(tc.t))
		})
	}
}

func TestMatchesIgnoresSeconds(t *testing.T) {
	e := MustParseCron("0 2 * * *")
	assert.True(t, e.Matches(time.Date(2025, 3, 5, 2, 0, 59, 0, time.UTC)))
}

func TestExprNext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		spec string
		from time.Time
		want time.Time
	}{
		{"0 2 * * *", at(2025, 3, 5, 1, 59), at(2025, 3, 5, 2, 0)},
		{"0 2 * * *", at(2025, 3, 5, 2, 0), at(2025, 3, 6, 2, 0)},
		{"0 1 * * 0", at(2025, 3, 1, 10, 0), at(2025, 3, 2, 1, 0)},
		{"0 3 1 * *", at(2025, 3, 15, 10, 0), at(2025, 4, 1, 3, 0)},
		{"0 3 1 * *", at(2025, 12, 15, 10, 0), at(2026, 1, 1, 3, 0)},
		{"0 * * * *", at(2025, 3, 5, 23, 30), at(2025, 3, 6, 0, 0)},
		{"*/15 * * * *", at(2025, 3, 5, 7, 31), at(2025, 3, 5, 7, 45)},
		{"0 0 29 2 *", at(2025, 3, 1, 0, 0), at(2028, 2, 29, 0, 0)},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			e := MustParseCron(tc.spec)
			got := e.Next(tc.from)
			assert.Equal(t, tc.want, got)
			assert.True(t, e.Matches(got))
		})
	}
}

func TestExprNextNeverMatches(t *testing.T) {
	e := MustParseCron("0 0 30 2 *")
	assert.True(t, e.Next(at(2025, 1, 1, 0, 0)).IsZero())
}

func TestExprNextKeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	e := MustParseCron("0 2 * * *")
	got := e.Next(time.Date(2025, 3, 5, 10, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2025, 3, 6, 2, 0, 0, 0, loc), got)
	assert.Equal(t, loc, got.Location())
}

func TestDefaultTasksParse(t *testing.T) {
	for _, task := range DefaultTasks() {
		_, err := ParseCron(task.Spec)
		assert.NoError(t, err, task.Name)
	}
	assert.Equal(t, "0 2 * * *", MustParseCron("0 2 * * *").String())
}
