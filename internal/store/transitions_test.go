package store

import (
	"errors"
	"testing"
	"time"

	"clinicq/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call", "waiting", true},
		{"call", "calling", false},
		{"call", "completed", false},
		{"complete", "calling", true},
		{"complete", "waiting", false},
		{"complete", "completed", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	if status, ok := TargetStatus(ActionCall); !ok || status != "calling" {
		t.Fatalf("expected calling, got %q (%v)", status, ok)
	}
	if status, ok := TargetStatus(ActionComplete); !ok || status != "completed" {
		t.Fatalf("expected completed, got %q (%v)", status, ok)
	}
	if _, ok := TargetStatus("skip"); ok {
		t.Fatalf("expected unknown action to have no target")
	}
}

func TestNextToken(t *testing.T) {
	if got := NextToken(models.Patient{}, false); got != 1 {
		t.Fatalf("expected first token 1, got %d", got)
	}
	if got := NextToken(models.Patient{TokenNumber: 41}, true); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestApplyMovesPatientThroughQueue(t *testing.T) {
	at := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	patient := models.Patient{ID: 1, TokenNumber: 1, Status: models.StatusWaiting}

	called, err := Apply(patient, ActionCall, at)
	if err != nil {
		t.Fatalf("call waiting patient: %v", err)
	}
	if called.Status != models.StatusCalling || called.CalledAt == nil || !called.CalledAt.Equal(at) {
		t.Fatalf("unexpected called patient %+v", called)
	}

	done, err := Apply(called, ActionComplete, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("complete calling patient: %v", err)
	}
	if done.Status != models.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed patient %+v", done)
	}
}

func TestApplyRejectsInvalidState(t *testing.T) {
	at := time.Now()
	cases := []struct {
		action string
		from   string
	}{
		{ActionCall, models.StatusCalling},
		{ActionCall, models.StatusCompleted},
		{ActionComplete, models.StatusWaiting},
		{ActionComplete, models.StatusCompleted},
		{"skip", models.StatusWaiting},
	}
	for _, tt := range cases {
		patient := models.Patient{ID: 9, Status: tt.from}
		got, err := Apply(patient, tt.action, at)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("Apply(%q, %q) err=%v, want ErrInvalidState", tt.action, tt.from, err)
		}
		if got.Status != tt.from {
			t.Fatalf("Apply(%q, %q) changed status to %q", tt.action, tt.from, got.Status)
		}
	}
}
