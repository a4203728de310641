// Package events carries queue changes to display screens and patient pages.
package events

import (
	"context"
	"time"

	"clinicq/internal/models"

	"github.com/google/uuid"
)

const (
	TypePatientRegistered = "patient.registered"
	TypePatientCalled     = "patient.called"
	TypePatientCompleted  = "patient.completed"
)

// PatientView is the part of a patient record that is safe to push to
// public screens.
type PatientView struct {
	ID          int64  `json:"id"`
	TokenNumber int    `json:"token"`
	Status      string `json:"status"`
}

type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Patient   PatientView `json:"patient"`
	CreatedAt time.Time   `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

func NewEvent(eventType string, patient models.Patient, at time.Time) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Patient: PatientView{
			ID:          patient.ID,
			TokenNumber: patient.TokenNumber,
			Status:      patient.Status,
		},
		CreatedAt: at.UTC(),
	}
}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Discard drops every event.
var Discard Publisher = discard{}
