package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"clinicq/internal/store"
)

type HistoryOptions struct {
	Patients int
	// Served patients are called and completed in token order afterwards.
	Served int
	Rand   *rand.Rand
}

// SeedHistory registers demo patients whose registration times are spread
// over the last 30 days: about 40% today, 30% in the previous six days and
// the rest earlier in the month, all between 09:00 and 17:59. No
// notifications are sent.
func (s *Service) SeedHistory(ctx context.Context, options HistoryOptions) error {
	rnd := options.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	now := s.now().In(s.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < options.Patients; i++ {
		daysAgo := 0
		switch choice := rnd.Float64(); {
		case choice < 0.4:
		case choice < 0.7:
			daysAgo = 1 + rnd.Intn(6)
		default:
			daysAgo = 7 + rnd.Intn(23)
		}
		createdAt := today.AddDate(0, 0, -daysAgo).
			Add(time.Duration(9+rnd.Intn(9))*time.Hour + time.Duration(rnd.Intn(60))*time.Minute)
		if createdAt.After(now) {
			createdAt = now
		}
		_, err := s.store.CreatePatient(ctx, store.CreatePatientInput{
			Name:      fmt.Sprintf("Demo Patient %d", i+1),
			Phone:     fmt.Sprintf("+9190000%05d", rnd.Intn(100000)),
			CreatedAt: createdAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("seed patient %d: %w", i+1, err)
		}
	}
	// one extra step completes the last served patient
	steps := options.Served
	if steps > 0 {
		steps++
	}
	for i := 0; i < steps; i++ {
		result, err := s.store.CallNext(ctx, s.now().UTC())
		if err != nil {
			return fmt.Errorf("seed call next: %w", err)
		}
		if !result.Found {
			break
		}
	}
	s.logger.Info().Int("patients", options.Patients).Int("served", options.Served).Msg("history seeded")
	return nil
}
