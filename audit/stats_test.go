package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loginguard/risk"
)

func scored(username string, ts, login time.Time, score int, roles ...string) Record {
	r := record(username, "success", ts)
	r.LoginTime = login
	r.RiskScore = IntPtr(score)
	if roles != nil {
		r.Roles = roles
	}
	return r
}

func TestComputeStatsEmptyDay(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, risk.IST)
	yesterday := scored("alice", now.Add(-24*time.Hour), now.Add(-24*time.Hour), 90)

	got := ComputeStats([]Record{yesterday}, now, risk.IST)
	assert.Equal(t, Stats{}, got)
	assert.Equal(t, Stats{}, ComputeStats(nil, now, risk.IST))
}

func TestComputeStats(t *testing.T) {
	now := time.Date(2024, 1, 15, 18, 0, 0, 0, risk.IST)
	morning := time.Date(2024, 1, 15, 9, 0, 0, 0, risk.IST)
	night := time.Date(2024, 1, 15, 3, 0, 0, 0, risk.IST)

	records := []Record{
		scored("alice", morning, morning, 5),
		scored("bob", night, night, 70),
		scored("carol", morning, morning, 60),
		record("mallory", "denied_country", morning),
		record("unscored", "success", morning),
	}

	got := ComputeStats(records, now, risk.IST)
	want := Stats{
		TotalLoginsToday:     4,
		HighRiskLoginsToday:  2,
		AverageRiskScore:     34, // 135/4 = 33.75
		OutsideBusinessHours: 1,
	}
	assert.Equal(t, want, got)
}

func TestComputeStatsRoundsHalfUp(t *testing.T) {
	now := time.Date(2024, 1, 15, 18, 0, 0, 0, risk.IST)
	at := time.Date(2024, 1, 15, 9, 0, 0, 0, risk.IST)
	got := ComputeStats([]Record{scored("a", at, at, 5), scored("b", at, at, 20)}, now, risk.IST)
	assert.Equal(t, 13, got.AverageRiskScore)
}

func TestHistoryNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	records := []Record{
		record("a", "success", base),
		record("c", "success", base.Add(2*time.Hour)),
		record("b", "denied_role", base.Add(time.Hour)),
	}
	got := History(records)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].Username, got[1].Username, got[2].Username})
	assert.Equal(t, "a", records[0].Username, "input must not be reordered")
	assert.NotNil(t, History(nil))
}

func TestUsersLatestWinsAndSkipsAdmins(t *testing.T) {
	t1 := time.Date(2024, 1, 15, 4, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	first := scored("alice", t1, t1, 5, "User")
	first.Country = "India"
	latest := scored("alice", t2, t2, 5, "User", "Manager")
	latest.UserID = "u-1"
	admin := scored("root", t1, t1, 20, "admin")
	denied := record("eve", "denied_role", t1)
	noRoles := scored("ghost", t1, t1, 15)
	noRoles.Roles = []string{}

	got := Users([]Record{first, admin, denied, noRoles, scored("bob", t1, t1, 5, "Manager"), latest})
	require.Len(t, got, 3)
	assert.Equal(t, "alice", got[0].Username)
	assert.Equal(t, "u-1", got[0].UserID)
	assert.Equal(t, []string{"User", "Manager"}, got[0].Roles)
	assert.True(t, got[0].LastLoginTime.Equal(t2))
	assert.Equal(t, "ghost", got[1].Username)
	assert.Equal(t, []string{}, got[1].Roles)
	assert.Equal(t, "bob", got[2].Username)
	assert.Equal(t, "N/A", got[2].UserID)
}

func TestUsersEmpty(t *testing.T) {
	assert.NotNil(t, Users(nil))
}
