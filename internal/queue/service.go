// Package queue implements the clinic's patient queue: registration,
// calling patients in token order, status lookups, the verification gate
// for patient pages and the statistics shown on the dashboard.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clinicq/internal/access"
	"clinicq/internal/events"
	"clinicq/internal/models"
	"clinicq/internal/notify"
	"clinicq/internal/qrcode"
	"clinicq/internal/store"

	"github.com/rs/zerolog"
)

// Sender delivers the registration message. Failures are reported in the
// result and never fail a registration.
type Sender interface {
	Send(ctx context.Context, recipient, message string) notify.Result
}

type Options struct {
	BaseURL  string
	Location *time.Location
	Now      func() time.Time
	// DefaultCountryCode is prefixed to phone numbers given without one.
	DefaultCountryCode string
}

type Service struct {
	// mu serializes the mutating operations within this process.
	mu sync.Mutex

	store       store.PatientStore
	sender      Sender
	issuer      *access.Issuer
	events      events.Publisher
	logger      zerolog.Logger
	baseURL     string
	countryCode string
	location    *time.Location
	now         func() time.Time
}

func NewService(st store.PatientStore, sender Sender, issuer *access.Issuer, publisher events.Publisher, logger zerolog.Logger, options Options) *Service {
	if publisher == nil {
		publisher = events.Discard
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       st,
		sender:      sender,
		issuer:      issuer,
		events:      publisher,
		logger:      logger,
		baseURL:     strings.TrimRight(options.BaseURL, "/"),
		countryCode: strings.TrimPrefix(options.DefaultCountryCode, "+"),
		location:    location,
		now:         now,
	}
}

type RegisterInput struct {
	Name  string
	Phone string
	// BaseURL overrides the configured public URL, typically with the
	// request's own scheme and host.
	BaseURL string
}

type Registration struct {
	Patient             models.Patient
	QRURL               string
	QRCode              string
	NotificationSuccess bool
	NotificationStatus  string
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Registration, error) {
	name := strings.TrimSpace(input.Name)
	phone := strings.TrimSpace(input.Phone)
	if name == "" || phone == "" {
		return Registration{}, invalid("name and phone are required")
	}
	phone = normalizePhone(phone, s.countryCode)
	if !isValidPhone(phone) {
		return Registration{}, invalid("phone must be in international format: + and country code followed by the number, 7-15 digits in total (e.g. +919876543210)")
	}

	s.mu.Lock()
	patient, err := s.store.CreatePatient(ctx, store.CreatePatientInput{
		Name:      name,
		Phone:     phone,
		CreatedAt: s.now().UTC(),
	})
	s.mu.Unlock()
	if err != nil {
		return Registration{}, fmt.Errorf("register patient: %w", err)
	}

	baseURL := s.baseURL
	if input.BaseURL != "" {
		baseURL = strings.TrimRight(input.BaseURL, "/")
	}
	reg := Registration{Patient: patient, QRURL: qrcode.PatientURL(baseURL, patient.ID)}
	if reg.QRCode, err = qrcode.Base64PNG(reg.QRURL); err != nil {
		s.logger.Error().Err(err).Int64("patient_id", patient.ID).Msg("render qr code")
	}

	message := fmt.Sprintf("Patient %s, Token %d registered. Track: %s", patient.Name, patient.TokenNumber, reg.QRURL)
	result := s.sender.Send(ctx, patient.Phone, message)
	reg.NotificationSuccess = result.Success
	reg.NotificationStatus = result.Status

	s.publish(ctx, events.TypePatientRegistered, patient)
	s.logger.Info().
		Int64("patient_id", patient.ID).
		Int("token", patient.TokenNumber).
		Bool("notification_success", result.Success).
		Msg("patient registered")
	return reg, nil
}

// CallNext completes the patient being called, if any, and calls the
// waiting patient with the smallest token. Found is false when nobody was
// waiting.
func (s *Service) CallNext(ctx context.Context) (store.CallNextResult, error) {
	s.mu.Lock()
	result, err := s.store.CallNext(ctx, s.now().UTC())
	s.mu.Unlock()
	if err != nil {
		return store.CallNextResult{}, fmt.Errorf("call next: %w", err)
	}
	if result.Completed != nil {
		s.publish(ctx, events.TypePatientCompleted, *result.Completed)
	}
	if result.Found {
		s.publish(ctx, events.TypePatientCalled, result.Called)
		s.logger.Info().Int64("patient_id", result.Called.ID).Int("token", result.Called.TokenNumber).Msg("patient called")
	} else {
		s.logger.Info().Msg("call next on empty queue")
	}
	return result, nil
}

type Snapshot struct {
	Waiting        []models.Patient
	Current        *models.Patient
	CompletedCount int
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	waiting, err := s.store.ListWaiting(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list waiting: %w", err)
	}
	current, found, err := s.store.GetCalling(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get calling: %w", err)
	}
	completed, err := s.store.CountByStatus(ctx, models.StatusCompleted)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count completed: %w", err)
	}
	snapshot := Snapshot{Waiting: waiting, CompletedCount: completed}
	if found {
		snapshot.Current = &current
	}
	return snapshot, nil
}

type PatientStatus struct {
	Status      string
	Token       int
	PeopleAhead int
	// CurrentToken is nil when nobody is being called.
	CurrentToken *int
}

func (s *Service) PatientStatus(ctx context.Context, patientID int64) (PatientStatus, error) {
	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return PatientStatus{}, err
	}
	ahead, err := s.store.CountWaitingBefore(ctx, patient.TokenNumber)
	if err != nil {
		return PatientStatus{}, fmt.Errorf("count ahead: %w", err)
	}
	current, found, err := s.store.GetCalling(ctx)
	if err != nil {
		return PatientStatus{}, fmt.Errorf("get calling: %w", err)
	}
	status := PatientStatus{Status: patient.Status, Token: patient.TokenNumber, PeopleAhead: ahead}
	if found {
		token := current.TokenNumber
		status.CurrentToken = &token
	}
	return status, nil
}

type VerifyInput struct {
	PatientID   int64
	TokenNumber int
	LastDigits  string
}

// Verify checks the token number and the last four phone characters and
// returns a signed access token for the patient's status page.
func (s *Service) Verify(ctx context.Context, input VerifyInput) (string, error) {
	patient, err := s.store.GetPatient(ctx, input.PatientID)
	if err != nil {
		return "", err
	}
	if patient.TokenNumber != input.TokenNumber || !matchesLastDigits(patient.Phone, input.LastDigits) {
		s.logger.Info().Int64("patient_id", patient.ID).Msg("verification rejected")
		return "", ErrUnauthorized
	}
	token, err := s.issuer.Issue(patient.ID)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) ValidateAccess(token string, patientID int64) error {
	if token == "" {
		return ErrUnauthorized
	}
	if err := s.issuer.Validate(token, patientID); err != nil {
		if errors.Is(err, access.ErrInvalidToken) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	}
	return nil
}

func (s *Service) Statistics(ctx context.Context, period string) (Statistics, error) {
	period = NormalizePeriod(period)
	patients, err := s.Patients(ctx, period)
	if err != nil {
		return Statistics{}, err
	}
	waiting, err := s.store.CountByStatus(ctx, models.StatusWaiting)
	if err != nil {
		return Statistics{}, fmt.Errorf("count waiting: %w", err)
	}
	return ComputeStatistics(period, patients, waiting, s.location), nil
}

// Patients lists registrations in the period in creation order.
func (s *Service) Patients(ctx context.Context, period string) ([]models.Patient, error) {
	patients, err := s.store.ListPatients(ctx, store.ListFilter{
		CreatedFrom: PeriodStart(period, s.now(), s.location),
	})
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patients, nil
}

func (s *Service) publish(ctx context.Context, eventType string, patient models.Patient) {
	if err := s.events.Publish(ctx, events.NewEvent(eventType, patient, s.now())); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Int64("patient_id", patient.ID).Msg("publish queue event")
	}
}

func matchesLastDigits(phone, digits string) bool {
	if len(phone) < 4 || len(digits) != 4 {
		return false
	}
	return phone[len(phone)-4:] == digits
}

// normalizePhone drops spaces, dashes, dots and parentheses, turns a 00
// prefix into + and prefixes countryCode to bare national numbers, dropping
// their trunk zeros. Anything else is returned unchanged for validation.
func normalizePhone(value, countryCode string) string {
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return value
		}
	}
	phone := b.String()
	switch {
	case strings.HasPrefix(phone, "+"):
	case strings.HasPrefix(phone, "00"):
		phone = "+" + phone[2:]
	case countryCode != "" && phone != "":
		phone = "+" + countryCode + strings.TrimLeft(phone, "0")
	}
	return phone
}

func isValidPhone(value string) bool {
	if !strings.HasPrefix(value, "+") {
		return false
	}
	digits := value[1:]
	if len(digits) < 7 || len(digits) > 15 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
