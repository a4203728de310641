package httpapi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"
	"clinicq/internal/store"

	"github.com/rs/zerolog"
)

// QueueService is the part of queue.Service the HTTP layer uses.
type QueueService interface {
	Register(ctx context.Context, input queue.RegisterInput) (queue.Registration, error)
	CallNext(ctx context.Context) (store.CallNextResult, error)
	Snapshot(ctx context.Context) (queue.Snapshot, error)
	PatientStatus(ctx context.Context, patientID int64) (queue.PatientStatus, error)
	Verify(ctx context.Context, input queue.VerifyInput) (string, error)
	ValidateAccess(token string, patientID int64) error
	Statistics(ctx context.Context, period string) (queue.Statistics, error)
	Patients(ctx context.Context, period string) ([]models.Patient, error)
}

type Handler struct {
	queue                      QueueService
	logger                     zerolog.Logger
	publicBaseURL              string
	requirePatientVerification bool
	realtime                   http.Handler
}

type Options struct {
	// PublicBaseURL prefixes QR links. When empty the request's own scheme
	// and host are used.
	PublicBaseURL              string
	RequirePatientVerification bool
	// Realtime is mounted under /realtime/ when set.
	Realtime http.Handler
}

func NewHandler(q QueueService, logger zerolog.Logger, options Options) *Handler {
	return &Handler{
		queue:                      q,
		logger:                     logger,
		publicBaseURL:              strings.TrimRight(options.PublicBaseURL, "/"),
		requirePatientVerification: options.RequirePatientVerification,
		realtime:                   options.Realtime,
	}
}

type registerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type registerResponse struct {
	ID                  int64  `json:"id"`
	Token               int    `json:"token"`
	QRCode              string `json:"qr_code"`
	QRURL               string `json:"qr_url"`
	NotificationSuccess bool   `json:"notification_success"`
	NotificationStatus  string `json:"notification_status"`
}

type waitingEntry struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Token int    `json:"token"`
}

type calledEntry struct {
	Name  string `json:"name"`
	Token int    `json:"token"`
}

type queueResponse struct {
	Waiting        []waitingEntry `json:"waiting"`
	Current        *calledEntry   `json:"current"`
	Count          int            `json:"count"`
	CompletedCount int            `json:"completed_count"`
}

type nextResponse struct {
	Success bool         `json:"success"`
	Patient *calledEntry `json:"patient,omitempty"`
	Message string       `json:"message,omitempty"`
}

type patientStatusResponse struct {
	Status      string `json:"status"`
	Token       int    `json:"token"`
	PeopleAhead int    `json:"people_ahead"`
	// CurrentToken is a number, or the string "N/A" when nobody is called.
	CurrentToken interface{} `json:"current_token"`
}

type verifyRequest struct {
	PatientID   int64  `json:"patient_id"`
	TokenNumber int    `json:"token_number"`
	LastDigits  string `json:"last_4_digits"`
}

type verifyResponse struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"access_token"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/register", h.handleRegister)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/next", h.handleNext)
	mux.HandleFunc("/api/patient-status/", h.handlePatientStatus)
	mux.HandleFunc("/api/verify-patient", h.handleVerify)
	mux.HandleFunc("/api/statistics", h.handleStatistics)
	mux.HandleFunc("/api/statistics/export", h.handleExport)
	mux.HandleFunc("/patient/", h.handlePatientLink)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reg, err := h.queue.Register(r.Context(), queue.RegisterInput{
		Name:    req.Name,
		Phone:   req.Phone,
		BaseURL: h.baseURL(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		ID:                  reg.Patient.ID,
		Token:               reg.Patient.TokenNumber,
		QRCode:              reg.QRCode,
		QRURL:               reg.QRURL,
		NotificationSuccess: reg.NotificationSuccess,
		NotificationStatus:  reg.NotificationStatus,
	})
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := h.queue.Snapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := queueResponse{
		Waiting:        make([]waitingEntry, 0, len(snapshot.Waiting)),
		Count:          len(snapshot.Waiting),
		CompletedCount: snapshot.CompletedCount,
	}
	for _, p := range snapshot.Waiting {
		resp.Waiting = append(resp.Waiting, waitingEntry{ID: p.ID, Name: p.Name, Token: p.TokenNumber})
	}
	if snapshot.Current != nil {
		resp.Current = &calledEntry{Name: snapshot.Current.Name, Token: snapshot.Current.TokenNumber}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result, err := h.queue.CallNext(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !result.Found {
		writeJSON(w, http.StatusOK, nextResponse{Success: true, Message: "Queue empty"})
		return
	}
	writeJSON(w, http.StatusOK, nextResponse{
		Success: true,
		Patient: &calledEntry{Name: result.Called.Name, Token: result.Called.TokenNumber},
	})
}

func (h *Handler) handlePatientStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/patient-status/"), "/")
	patientID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || patientID <= 0 {
		writeError(w, r, http.StatusNotFound, "not_found", "Not found")
		return
	}
	if h.requirePatientVerification {
		if err := h.queue.ValidateAccess(accessTokenFromRequest(r), patientID); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}

	status, err := h.queue.PatientStatus(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := patientStatusResponse{
		Status:       status.Status,
		Token:        status.Token,
		PeopleAhead:  status.PeopleAhead,
		CurrentToken: "N/A",
	}
	if status.CurrentToken != nil {
		resp.CurrentToken = *status.CurrentToken
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePatientLink serves the URL encoded in registration QR codes by
// redirecting to the patient's status resource.
func (h *Handler) handlePatientLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/patient/"), "/")
	patientID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || patientID <= 0 {
		writeError(w, r, http.StatusNotFound, "not_found", "Not found")
		return
	}
	target := "/api/patient-status/" + strconv.FormatInt(patientID, 10)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := h.queue.Verify(r.Context(), queue.VerifyInput{
		PatientID:   req.PatientID,
		TokenNumber: req.TokenNumber,
		LastDigits:  strings.TrimSpace(req.LastDigits),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Success: true, AccessToken: token})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.queue.Statistics(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	period := queue.NormalizePeriod(r.URL.Query().Get("period"))
	patients, err := h.queue.Patients(r.Context(), period)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=patients-"+period+".csv")
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"id", "token", "name", "status", "created_at", "called_at", "completed_at"})
	for _, p := range patients {
		if err := writer.Write([]string{
			strconv.FormatInt(p.ID, 10),
			strconv.Itoa(p.TokenNumber),
			csvSafe(p.Name),
			p.Status,
			p.CreatedAt.UTC().Format(time.RFC3339),
			formatTime(p.CalledAt),
			formatTime(p.CompletedAt),
		}); err != nil {
			break
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Msg("write statistics export")
	}
}

// csvSafe keeps spreadsheets from evaluating free text as a formula.
func csvSafe(value string) string {
	if value == "" {
		return value
	}
	switch value[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + value
	}
	return value
}

func formatTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, r, status, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var validation *queue.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Message
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "not_found", "Not found"
	case errors.Is(err, queue.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Invalid credentials"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "patient state does not allow this action"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Success:   false,
		Code:      code,
		Message:   message,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
