package queue

import (
	"sort"
	"strings"
	"time"

	"clinicq/internal/models"
)

const (
	PeriodToday = "today"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodAll   = "all"

	minutesPerWaitingPatient = 5
	peakHourCount            = 3
)

type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type Statistics struct {
	Period      string      `json:"period"`
	Total       int         `json:"total"`
	Completed   int         `json:"completed"`
	Waiting     int         `json:"waiting"`
	AvgWaitTime int         `json:"avgWaitTime"`
	HourlyFlow  []HourCount `json:"hourlyFlow"`
	PeakHours   []HourCount `json:"peakHours"`
}

// NormalizePeriod maps unknown or empty values to today.
func NormalizePeriod(period string) string {
	switch p := strings.ToLower(strings.TrimSpace(period)); p {
	case PeriodToday, PeriodWeek, PeriodMonth, PeriodAll:
		return p
	default:
		return PeriodToday
	}
}

// PeriodStart returns the inclusive lower bound on created_at for period,
// or the zero time for "all". Calendar days are taken in loc.
func PeriodStart(period string, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	switch NormalizePeriod(period) {
	case PeriodWeek:
		return startOfDay.AddDate(0, 0, -6)
	case PeriodMonth:
		return startOfDay.AddDate(0, 0, -29)
	case PeriodAll:
		return time.Time{}
	default:
		return startOfDay
	}
}

// ComputeStatistics aggregates patients already filtered to the period.
// waiting is the live, unfiltered waiting count.
func ComputeStatistics(period string, patients []models.Patient, waiting int, loc *time.Location) Statistics {
	if loc == nil {
		loc = time.UTC
	}
	stats := Statistics{
		Period:      NormalizePeriod(period),
		Total:       len(patients),
		Waiting:     waiting,
		AvgWaitTime: waiting * minutesPerWaitingPatient,
		HourlyFlow:  make([]HourCount, 24),
	}
	for hour := range stats.HourlyFlow {
		stats.HourlyFlow[hour].Hour = hour
	}
	for _, p := range patients {
		if p.Status == models.StatusCompleted {
			stats.Completed++
		}
		stats.HourlyFlow[p.CreatedAt.In(loc).Hour()].Count++
	}
	stats.PeakHours = peakHours(stats.HourlyFlow)
	return stats
}

func peakHours(flow []HourCount) []HourCount {
	peaks := make([]HourCount, 0, len(flow))
	for _, bucket := range flow {
		if bucket.Count > 0 {
			peaks = append(peaks, bucket)
		}
	}
	sort.SliceStable(peaks, func(i, j int) bool {
		return peaks[i].Count > peaks[j].Count
	})
	if len(peaks) > peakHourCount {
		peaks = peaks[:peakHourCount]
	}
	return peaks
}
