package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to CallStatus
		want     bool
	}{
		{CallReceived, CallDurationChecked, true},
		{CallReceived, CallIgnored, true},
		{CallDurationChecked, CallTranscribing, true},
		{CallTranscribing, CallTranscribed, true},
		{CallTranscribed, CallAnalyzing, true},
		{CallAnalyzing, CallAnalyzed, true},
		{CallAnalyzed, CallCriteriaExtracted, true},
		{CallCriteriaExtracted, CallCRMNotified, true},
		{CallIgnored, CallTranscribing, false},
		{CallIgnored, CallFailed, false},
		{CallCRMNotified, CallFailed, false},
		{CallTranscribing, CallFailed, true},
		{CallReceived, CallAnalyzed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanAdvance(tt.from, tt.to))
		})
	}
}

func TestCallSource_CRMType(t *testing.T) {
	assert.Equal(t, CRMAmo, SourceAmoCRM.CRMType())
	assert.Equal(t, CRMAmo, SourceAmoCRMCustom.CRMType())
	assert.Equal(t, CRMBitrix24, SourceBitrix24.CRMType())
}

func TestOrganization_MinDuration(t *testing.T) {
	assert.Equal(t, DefaultMinimalCallLength, (&Organization{}).MinDuration())
	assert.Equal(t, 45, (&Organization{MinimalCallLength: 45}).MinDuration())
}

func TestOrganization_TrialExpired(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&Organization{}).TrialExpired(now))
	assert.True(t, (&Organization{TrialExpiresAt: &past}).TrialExpired(now))
	assert.False(t, (&Organization{TrialExpiresAt: &future}).TrialExpired(now))
}

func TestWeekBounds(t *testing.T) {
	// Wednesday.
	start, end := WeekBounds(time.Date(2025, 3, 12, 15, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC), end)

	// Sunday belongs to the week that started the previous Monday.
	start, _ = WeekBounds(time.Date(2025, 3, 16, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), start)

	// Monday is its own week start.
	start, _ = WeekBounds(time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC), start)
}

func TestCriteriaScores_Merge(t *testing.T) {
	one, two, five := 1, 2, 5
	cur := CriteriaScores{CallID: 1}
	cur.Criteria[0] = &one
	cur.Criteria[1] = &two

	var upd CriteriaScores
	upd.Criteria[1] = &five
	upd.Overall = &five
	cur.Merge(upd)

	assert.Equal(t, 1, *cur.Score(1))
	assert.Equal(t, 5, *cur.Score(2))
	assert.Nil(t, cur.Score(3))
	assert.Equal(t, 5, *cur.Overall)
	assert.Nil(t, cur.Score(0))
	assert.Nil(t, cur.Score(8))
	assert.False(t, cur.Empty())
	assert.True(t, (&CriteriaScores{}).Empty())
}

func TestReportKind_Valid(t *testing.T) {
	for _, k := range ReportKinds {
		assert.True(t, k.Valid())
	}
	assert.False(t, ReportKind("bogus").Valid())
}
