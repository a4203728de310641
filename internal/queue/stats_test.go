package queue

import (
	"testing"
	"time"

	"clinicq/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestPeriodStart(t *testing.T) {
	now := time.Date(2026, 10, 18, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		period string
		want   time.Time
	}{
		{"today", time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)},
		{"", time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)},
		{"yesterday", time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)},
		{"week", time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)},
		{"month", time.Date(2026, 9, 19, 0, 0, 0, 0, time.UTC)},
		{"all", time.Time{}},
	}
	for _, tc := range tests {
		t.Run(tc.period, func(t *testing.T) {
			assert.True(t, tc.want.Equal(PeriodStart(tc.period, now, time.UTC)), "got %s", PeriodStart(tc.period, now, time.UTC))
		})
	}
}

func TestPeriodStartUsesLocation(t *testing.T) {
	kolkata := time.FixedZone("IST", 5*3600+1800)
	// 20:00 UTC on the 17th is already the 18th in IST
	now := time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC)
	start := PeriodStart(PeriodToday, now, kolkata)
	assert.True(t, time.Date(2026, 10, 18, 0, 0, 0, 0, kolkata).Equal(start))
}

func TestComputeStatistics(t *testing.T) {
	at := func(hour int) time.Time { return time.Date(2026, 10, 18, hour, 15, 0, 0, time.UTC) }
	patients := []models.Patient{
		{Status: models.StatusCompleted, CreatedAt: at(9)},
		{Status: models.StatusCompleted, CreatedAt: at(9)},
		{Status: models.StatusCalling, CreatedAt: at(11)},
		{Status: models.StatusWaiting, CreatedAt: at(11)},
		{Status: models.StatusWaiting, CreatedAt: at(14)},
		{Status: models.StatusWaiting, CreatedAt: at(16)},
	}
	stats := ComputeStatistics("week", patients, 7, time.UTC)

	assert.Equal(t, "week", stats.Period)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 7, stats.Waiting)
	assert.Equal(t, 35, stats.AvgWaitTime)
	assert.Len(t, stats.HourlyFlow, 24)
	assert.Equal(t, HourCount{Hour: 11, Count: 2}, stats.HourlyFlow[11])
	assert.Equal(t, []HourCount{{9, 2}, {11, 2}, {14, 1}}, stats.PeakHours)
}

func TestComputeStatisticsEmpty(t *testing.T) {
	stats := ComputeStatistics("all", nil, 0, nil)
	assert.Equal(t, 0, stats.Total)
	assert.Empty(t, stats.PeakHours)
	assert.NotNil(t, stats.PeakHours)
	assert.Len(t, stats.HourlyFlow, 24)
}
