package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// queueLockKey serializes writers on the single clinic queue across
// processes sharing the database.
const queueLockKey int64 = 0x636c696e6963

const patientColumns = `id, name, phone, token_number, status, created_at, called_at, completed_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the patients schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockQueue(ctx, tx); err != nil {
		return models.Patient{}, err
	}

	var last models.Patient
	found := true
	err = tx.QueryRow(ctx, `SELECT token_number FROM patients ORDER BY id DESC LIMIT 1`).Scan(&last.TokenNumber)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, err
		}
		found = false
		err = nil
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO patients (name, phone, token_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+patientColumns, input.Name, input.Phone, store.NextToken(last, found), models.StatusWaiting, createdAt)
	var patient models.Patient
	if patient, err = scanPatient(row); err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: %v", store.ErrDuplicateToken, err)
		}
		return models.Patient{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, err
	}
	return patient, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID int64) (models.Patient, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, patientID)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

func (s *Store) ListWaiting(ctx context.Context) ([]models.Patient, error) {
	return s.query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE status = $1
		ORDER BY token_number ASC
	`, models.StatusWaiting)
}

func (s *Store) GetCalling(ctx context.Context) (models.Patient, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE status = $1 LIMIT 1`, models.StatusCalling)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, false, nil
		}
		return models.Patient{}, false, err
	}
	return patient, true, nil
}

func (s *Store) CallNext(ctx context.Context, at time.Time) (store.CallNextResult, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallNextResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockQueue(ctx, tx); err != nil {
		return store.CallNextResult{}, err
	}

	var result store.CallNextResult
	row := tx.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE status = $1
		LIMIT 1
		FOR UPDATE
	`, models.StatusCalling)
	current, err := scanPatient(row)
	switch {
	case err == nil:
		var done models.Patient
		if done, err = store.Apply(current, store.ActionComplete, at); err != nil {
			return store.CallNextResult{}, err
		}
		if _, err = tx.Exec(ctx, `
			UPDATE patients SET status = $1, completed_at = $2 WHERE id = $3
		`, done.Status, *done.CompletedAt, done.ID); err != nil {
			return store.CallNextResult{}, err
		}
		result.Completed = &done
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	default:
		return store.CallNextResult{}, err
	}

	row = tx.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE status = $1
		ORDER BY token_number ASC
		LIMIT 1
		FOR UPDATE
	`, models.StatusWaiting)
	next, err := scanPatient(row)
	switch {
	case err == nil:
		var called models.Patient
		if called, err = store.Apply(next, store.ActionCall, at); err != nil {
			return store.CallNextResult{}, err
		}
		if _, err = tx.Exec(ctx, `
			UPDATE patients SET status = $1, called_at = $2 WHERE id = $3
		`, called.Status, *called.CalledAt, called.ID); err != nil {
			return store.CallNextResult{}, err
		}
		result.Called = called
		result.Found = true
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	default:
		return store.CallNextResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.CallNextResult{}, err
	}
	return result, nil
}

func (s *Store) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE status = $1`, status).Scan(&count)
	return count, err
}

func (s *Store) CountWaitingBefore(ctx context.Context, tokenNumber int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM patients WHERE status = $1 AND token_number < $2
	`, models.StatusWaiting, tokenNumber).Scan(&count)
	return count, err
}

func (s *Store) ListPatients(ctx context.Context, filter store.ListFilter) ([]models.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients`
	args := []interface{}{}
	if !filter.CreatedFrom.IsZero() {
		query += " WHERE created_at >= $1"
		args = append(args, filter.CreatedFrom)
	}
	query += " ORDER BY id ASC"
	return s.query(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]models.Patient, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func lockQueue(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey)
	return err
}

func scanPatient(row pgx.Row) (models.Patient, error) {
	var patient models.Patient
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&patient.ID, &patient.Name, &patient.Phone, &patient.TokenNumber, &patient.Status, &patient.CreatedAt, &calledAtNull, &completedAtNull); err != nil {
		return models.Patient{}, err
	}
	patient.CreatedAt = patient.CreatedAt.UTC()
	patient.CalledAt = nullTimePtr(calledAtNull)
	patient.CompletedAt = nullTimePtr(completedAtNull)
	return patient, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
