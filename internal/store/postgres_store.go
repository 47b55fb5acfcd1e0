package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists Request, Attempt, and DeadLetter rows over a raw
// database/sql connection.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to databaseURL, pings it, and bootstraps the schema.
func Open(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) bootstrap() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts_count INTEGER NOT NULL DEFAULT 0,
			last_provider_id TEXT,
			excluded_providers TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT now(),
			updated_at TIMESTAMP NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES requests(id),
			attempt_number INTEGER NOT NULL,
			provider_id TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			http_status INTEGER NOT NULL DEFAULT 0,
			response_body_truncated TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_request_attempt ON attempts(request_id, attempt_number);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_request_id ON attempts(request_id);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES requests(id),
			reason TEXT NOT NULL,
			attempts_snapshot INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_last_provider_id ON requests(last_provider_id);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: bootstrap: %w", err)
		}
	}
	log.Printf("store: schema bootstrapped")
	return nil
}

// CreateRequest inserts a new request row in PENDING status.
func (s *PostgresStore) CreateRequest(r *Request) error {
	query := `
		INSERT INTO requests (id, phone, text, status, attempts_count, excluded_providers, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.Exec(query,
		r.ID, r.Phone, r.Text, r.Status, r.AttemptsCount,
		pq.Array(r.ExcludedProviders), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create request %s: %w", r.ID, err)
	}
	return nil
}

// MarkInFlight transitions requestID to IN_FLIGHT, records the provider
// about to be called and the attempt number about to be made, and updates
// its excluded providers list. This happens before the outbound call, per
// the dispatch task's step ordering: attempts_count reflects attempts
// about to be made, not just ones that already completed.
func (s *PostgresStore) MarkInFlight(requestID, providerID string, attemptNumber int, excludedProviders []string, updatedAt time.Time) error {
	query := `
		UPDATE requests
		SET status = $1, last_provider_id = $2, attempts_count = $3, excluded_providers = $4, updated_at = $5
		WHERE id = $6`

	_, err := s.db.Exec(query, StatusInFlight, providerID, attemptNumber, pq.Array(excludedProviders), updatedAt, requestID)
	if err != nil {
		return fmt.Errorf("store: mark in-flight %s: %w", requestID, err)
	}
	return nil
}

// AppendAttempt inserts one attempt row recording the outcome of a call
// already accounted for by a prior MarkInFlight.
func (s *PostgresStore) AppendAttempt(a *Attempt) error {
	query := `
		INSERT INTO attempts (request_id, attempt_number, provider_id, started_at, ended_at, status, http_status, response_body_truncated, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := s.db.QueryRow(query,
		a.RequestID, a.AttemptNumber, a.ProviderID, a.StartedAt, a.EndedAt,
		a.Status, a.HTTPStatus, a.ResponseBodyTruncated, a.ErrorMessage,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("store: append attempt for %s: %w", a.RequestID, err)
	}
	return nil
}

// MarkSucceeded transitions requestID to SUCCEEDED.
func (s *PostgresStore) MarkSucceeded(requestID string, updatedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE requests SET status = $1, updated_at = $2 WHERE id = $3`,
		StatusSucceeded, updatedAt, requestID)
	if err != nil {
		return fmt.Errorf("store: mark succeeded %s: %w", requestID, err)
	}
	return nil
}

// MarkFailedPermanent transitions requestID to FAILED_PERMANENT.
func (s *PostgresStore) MarkFailedPermanent(requestID string, updatedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE requests SET status = $1, updated_at = $2 WHERE id = $3`,
		StatusFailedPermanent, updatedAt, requestID)
	if err != nil {
		return fmt.Errorf("store: mark failed permanent %s: %w", requestID, err)
	}
	return nil
}

// RecordDeadLetter inserts a terminal dead-letter row for requestID. Callers
// are expected to also call MarkFailedPermanent in the same logical step.
func (s *PostgresStore) RecordDeadLetter(d *DeadLetter) error {
	query := `
		INSERT INTO dead_letters (request_id, reason, attempts_snapshot, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := s.db.QueryRow(query, d.RequestID, d.Reason, d.AttemptsSnapshot, d.CreatedAt).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("store: record dead letter for %s: %w", d.RequestID, err)
	}
	return nil
}

// GetRequest returns requestID's row, or an error wrapping sql.ErrNoRows if
// it does not exist.
func (s *PostgresStore) GetRequest(requestID string) (*Request, error) {
	query := `
		SELECT id, phone, text, status, attempts_count, last_provider_id, excluded_providers, created_at, updated_at
		FROM requests
		WHERE id = $1`

	r := &Request{}
	err := s.db.QueryRow(query, requestID).Scan(
		&r.ID, &r.Phone, &r.Text, &r.Status, &r.AttemptsCount, &r.LastProviderID,
		pq.Array(&r.ExcludedProviders), &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", requestID, err)
	}
	return r, nil
}

// ListAttempts returns every attempt for requestID, oldest first.
func (s *PostgresStore) ListAttempts(requestID string) ([]*Attempt, error) {
	query := `
		SELECT id, request_id, attempt_number, provider_id, started_at, ended_at, status, http_status, response_body_truncated, error_message
		FROM attempts
		WHERE request_id = $1
		ORDER BY attempt_number ASC`

	rows, err := s.db.Query(query, requestID)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts for %s: %w", requestID, err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a := &Attempt{}
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.AttemptNumber, &a.ProviderID, &a.StartedAt, &a.EndedAt,
			&a.Status, &a.HTTPStatus, &a.ResponseBodyTruncated, &a.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListRequests returns requests matching filter, newest first, capped at
// filter.Limit rows (0 means the caller's default of 100).
func (s *PostgresStore) ListRequests(filter ListFilter) ([]*Request, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, phone, text, status, attempts_count, last_provider_id, excluded_providers, created_at, updated_at
		FROM requests
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR last_provider_id = $2)
			AND ($3::timestamp IS NULL OR created_at >= $3)
			AND ($4::timestamp IS NULL OR created_at <= $4)
		ORDER BY created_at DESC
		LIMIT $5`

	var from, to interface{}
	if !filter.From.IsZero() {
		from = filter.From
	}
	if !filter.To.IsZero() {
		to = filter.To
	}

	rows, err := s.db.Query(query, string(filter.Status), filter.ProviderID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		r := &Request{}
		if err := rows.Scan(
			&r.ID, &r.Phone, &r.Text, &r.Status, &r.AttemptsCount, &r.LastProviderID,
			pq.Array(&r.ExcludedProviders), &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}
