package store

import (
	"context"
	"time"

	"clinicq/internal/models"
)

type CreatePatientInput struct {
	Name      string
	Phone     string
	CreatedAt time.Time
}

// CallNextResult describes one call-next step. Completed is the patient that
// was calling before the step, Called the patient promoted from waiting.
type CallNextResult struct {
	Called    models.Patient
	Found     bool
	Completed *models.Patient
}

type ListFilter struct {
	CreatedFrom time.Time
}

// PatientStore persists patients. CreatePatient must allocate the token and
// insert the record atomically; CallNext must complete the current patient
// and promote the next one atomically.
type PatientStore interface {
	CreatePatient(ctx context.Context, input CreatePatientInput) (models.Patient, error)
	GetPatient(ctx context.Context, patientID int64) (models.Patient, error)
	ListWaiting(ctx context.Context) ([]models.Patient, error)
	GetCalling(ctx context.Context) (models.Patient, bool, error)
	CallNext(ctx context.Context, at time.Time) (CallNextResult, error)
	CountByStatus(ctx context.Context, status string) (int, error)
	CountWaitingBefore(ctx context.Context, tokenNumber int) (int, error)
	ListPatients(ctx context.Context, filter ListFilter) ([]models.Patient, error)
	Close() error
}

// NextToken derives the token for a new registration from the most recently
// created patient.
func NextToken(last models.Patient, found bool) int {
	if !found {
		return 1
	}
	return last.TokenNumber + 1
}
