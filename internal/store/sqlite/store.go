package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Timestamps are stored as fixed-width UTC text so that lexical order
// matches chronological order in range filters.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const patientColumns = `id, name, phone, token_number, status, created_at, called_at, completed_at`

// Store is the default patient store, a single SQLite file as the clinic
// deployment has always used.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
// Write transactions take the database lock up front (_txlock=immediate), so
// token allocation and call-next never interleave.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory:
	// databases alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (patient models.Patient, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Patient{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var last models.Patient
	found := true
	row := tx.QueryRowContext(ctx, `SELECT token_number FROM patients ORDER BY id DESC LIMIT 1`)
	if err = row.Scan(&last.TokenNumber); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Patient{}, err
		}
		found = false
		err = nil
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	patient = models.Patient{
		Name:        input.Name,
		Phone:       input.Phone,
		TokenNumber: store.NextToken(last, found),
		Status:      models.StatusWaiting,
		CreatedAt:   createdAt.UTC(),
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO patients (name, phone, token_number, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, patient.Name, patient.Phone, patient.TokenNumber, patient.Status, formatTime(patient.CreatedAt))
	if err != nil {
		return models.Patient{}, err
	}
	if patient.ID, err = res.LastInsertId(); err != nil {
		return models.Patient{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Patient{}, err
	}
	return patient, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID int64) (models.Patient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, patientID)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

func (s *Store) ListWaiting(ctx context.Context) ([]models.Patient, error) {
	return s.query(ctx, `SELECT `+patientColumns+` FROM patients WHERE status = ? ORDER BY token_number ASC`, models.StatusWaiting)
}

func (s *Store) GetCalling(ctx context.Context) (models.Patient, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE status = ? LIMIT 1`, models.StatusCalling)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Patient{}, false, nil
		}
		return models.Patient{}, false, err
	}
	return patient, true, nil
}

func (s *Store) CallNext(ctx context.Context, at time.Time) (result store.CallNextResult, err error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.CallNextResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE status = ? LIMIT 1`, models.StatusCalling)
	current, err := scanPatient(row)
	switch {
	case err == nil:
		var done models.Patient
		if done, err = store.Apply(current, store.ActionComplete, at); err != nil {
			return store.CallNextResult{}, err
		}
		if _, err = tx.ExecContext(ctx, `
			UPDATE patients SET status = ?, completed_at = ? WHERE id = ?
		`, done.Status, formatTime(*done.CompletedAt), done.ID); err != nil {
			return store.CallNextResult{}, err
		}
		result.Completed = &done
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return store.CallNextResult{}, err
	}

	row = tx.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE status = ? ORDER BY token_number ASC LIMIT 1`, models.StatusWaiting)
	next, err := scanPatient(row)
	switch {
	case err == nil:
		var called models.Patient
		if called, err = store.Apply(next, store.ActionCall, at); err != nil {
			return store.CallNextResult{}, err
		}
		if _, err = tx.ExecContext(ctx, `
			UPDATE patients SET status = ?, called_at = ? WHERE id = ?
		`, called.Status, formatTime(*called.CalledAt), called.ID); err != nil {
			return store.CallNextResult{}, err
		}
		result.Called = called
		result.Found = true
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return store.CallNextResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return store.CallNextResult{}, err
	}
	return result, nil
}

func (s *Store) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients WHERE status = ?`, status).Scan(&count)
	return count, err
}

func (s *Store) CountWaitingBefore(ctx context.Context, tokenNumber int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM patients WHERE status = ? AND token_number < ?
	`, models.StatusWaiting, tokenNumber).Scan(&count)
	return count, err
}

func (s *Store) ListPatients(ctx context.Context, filter store.ListFilter) ([]models.Patient, error) {
	if filter.CreatedFrom.IsZero() {
		return s.query(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY id ASC`)
	}
	return s.query(ctx, `SELECT `+patientColumns+` FROM patients WHERE created_at >= ? ORDER BY id ASC`, formatTime(filter.CreatedFrom))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]models.Patient, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []models.Patient
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(row scanner) (models.Patient, error) {
	var patient models.Patient
	var createdAt string
	var calledAt, completedAt sql.NullString
	if err := row.Scan(&patient.ID, &patient.Name, &patient.Phone, &patient.TokenNumber, &patient.Status, &createdAt, &calledAt, &completedAt); err != nil {
		return models.Patient{}, err
	}
	var err error
	if patient.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Patient{}, err
	}
	if patient.CalledAt, err = parseNullTime(calledAt); err != nil {
		return models.Patient{}, err
	}
	if patient.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return models.Patient{}, err
	}
	return patient, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
