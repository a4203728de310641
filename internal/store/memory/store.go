package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"
)

// Store keeps patients in process memory. It is used by tests and by
// STORE_DRIVER=memory for demos; nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	patients []models.Patient
	nextID   int64
}

func NewStore() *Store {
	return &Store{nextID: 1}
}

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error) {
	if err := ctx.Err(); err != nil {
		return models.Patient{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var last models.Patient
	found := len(s.patients) > 0
	if found {
		last = s.patients[len(s.patients)-1]
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	patient := models.Patient{
		ID:          s.nextID,
		Name:        input.Name,
		Phone:       input.Phone,
		TokenNumber: store.NextToken(last, found),
		Status:      models.StatusWaiting,
		CreatedAt:   createdAt,
	}
	s.nextID++
	s.patients = append(s.patients, patient)
	return patient, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID int64) (models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patients {
		if p.ID == patientID {
			return clone(p), nil
		}
	}
	return models.Patient{}, store.ErrPatientNotFound
}

func (s *Store) ListWaiting(ctx context.Context) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var waiting []models.Patient
	for _, p := range s.patients {
		if p.Status == models.StatusWaiting {
			waiting = append(waiting, clone(p))
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].TokenNumber < waiting[j].TokenNumber
	})
	return waiting, nil
}

func (s *Store) GetCalling(ctx context.Context) (models.Patient, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexOfStatus(models.StatusCalling)
	if idx < 0 {
		return models.Patient{}, false, nil
	}
	return clone(s.patients[idx]), true, nil
}

func (s *Store) CallNext(ctx context.Context, at time.Time) (store.CallNextResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CallNextResult{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result store.CallNextResult
	if idx := s.indexOfStatus(models.StatusCalling); idx >= 0 {
		done, err := store.Apply(s.patients[idx], store.ActionComplete, at)
		if err != nil {
			return store.CallNextResult{}, err
		}
		s.patients[idx] = done
		done = clone(done)
		result.Completed = &done
	}

	next := -1
	for i, p := range s.patients {
		if p.Status != models.StatusWaiting {
			continue
		}
		if next < 0 || p.TokenNumber < s.patients[next].TokenNumber {
			next = i
		}
	}
	if next >= 0 {
		called, err := store.Apply(s.patients[next], store.ActionCall, at)
		if err != nil {
			return store.CallNextResult{}, err
		}
		s.patients[next] = called
		result.Called = clone(called)
		result.Found = true
	}
	return result, nil
}

func (s *Store) CountByStatus(ctx context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.patients {
		if p.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *Store) CountWaitingBefore(ctx context.Context, tokenNumber int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.patients {
		if p.Status == models.StatusWaiting && p.TokenNumber < tokenNumber {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListPatients(ctx context.Context, filter store.ListFilter) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var patients []models.Patient
	for _, p := range s.patients {
		if !filter.CreatedFrom.IsZero() && p.CreatedAt.Before(filter.CreatedFrom) {
			continue
		}
		patients = append(patients, clone(p))
	}
	return patients, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) indexOfStatus(status string) int {
	for i, p := range s.patients {
		if p.Status == status {
			return i
		}
	}
	return -1
}

func clone(p models.Patient) models.Patient {
	if p.CalledAt != nil {
		t := *p.CalledAt
		p.CalledAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		p.CompletedAt = &t
	}
	return p
}
