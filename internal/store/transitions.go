package store

import (
	"fmt"
	"time"

	"clinicq/internal/models"
)

const (
	ActionCall     = "call"
	ActionComplete = "complete"
)

var transitionMap = map[string][]string{
	ActionCall:     {models.StatusWaiting},
	ActionComplete: {models.StatusCalling},
}

// ValidTransition reports whether action may be applied to a patient in
// fromStatus. Completed patients accept no action.
func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status a valid action moves a patient into.
func TargetStatus(action string) (string, bool) {
	switch action {
	case ActionCall:
		return models.StatusCalling, true
	case ActionComplete:
		return models.StatusCompleted, true
	default:
		return "", false
	}
}

// Apply returns patient moved through action at the given time. It fails
// with ErrInvalidState when the patient's status does not allow action.
func Apply(patient models.Patient, action string, at time.Time) (models.Patient, error) {
	if !ValidTransition(action, patient.Status) {
		return patient, fmt.Errorf("%w: cannot %s patient %d in status %q", ErrInvalidState, action, patient.ID, patient.Status)
	}
	target, _ := TargetStatus(action)
	stamp := at.UTC()
	patient.Status = target
	switch action {
	case ActionCall:
		patient.CalledAt = &stamp
	case ActionComplete:
		patient.CompletedAt = &stamp
	}
	return patient, nil
}
