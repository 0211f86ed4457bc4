package trinks

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	auditStatusSuccess = "success"
	auditStatusError   = "error"
)

// AuditRecord is one booking attempt. The idempotency key is unique among
// success rows, so the table doubles as the dedup ledger for appointment
// creation. ProfessionalID 0 means any professional.
type AuditRecord struct {
	Tenant          string
	IdempotencyKey  string
	Phone           string
	ServiceID       int64
	ProfessionalID  int64
	ClientID        int64
	StartISO        string
	Status          string
	AppointmentID   int64
	RequestPayload  string
	ResponsePayload string
	Error           string
	CreatedAt       time.Time
}

// AuditStore persists booking attempts in appointments_audit.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore wraps the database handle.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Find returns the successful record for a key, or nil when none exists.
func (s *AuditStore) Find(ctx context.Context, key string) (*AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rec AuditRecord
	var appointmentID, professionalID sql.NullInt64
	var responsePayload, errText sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, idempotency_key, phone, service_id, professional_id,
		       client_id, start_iso, status, appointment_id, response_payload,
		       error, created_at
		FROM appointments_audit
		WHERE idempotency_key = $1 AND status = 'success'
	`, key).Scan(
		&rec.Tenant, &rec.IdempotencyKey, &rec.Phone, &rec.ServiceID,
		&professionalID, &rec.ClientID, &rec.StartISO, &rec.Status,
		&appointmentID, &responsePayload, &errText, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trinks: audit lookup: %w", err)
	}
	rec.AppointmentID = appointmentID.Int64
	rec.ProfessionalID = professionalID.Int64
	rec.ResponsePayload = responsePayload.String
	rec.Error = errText.String
	return &rec, nil
}

// Record inserts a failed attempt. Failures are not deduplicated; each one
// is its own row keyed by (idempotency_key, created_at).
func (s *AuditStore) Record(ctx context.Context, rec AuditRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments_audit
			(tenant_id, idempotency_key, phone, service_id, professional_id, client_id,
			 start_iso, status, appointment_id, request_payload, response_payload, error, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, 0), $6, $7, $8, NULLIF($9, 0), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NOW())
	`, rec.Tenant, rec.IdempotencyKey, rec.Phone, rec.ServiceID, rec.ProfessionalID,
		rec.ClientID, rec.StartISO, rec.Status, rec.AppointmentID,
		rec.RequestPayload, rec.ResponsePayload, rec.Error)
	if err != nil {
		return fmt.Errorf("trinks: audit insert: %w", err)
	}
	return nil
}

// RecordSuccess inserts the success row for a key. Reports inserted=false
// when a success for the same key already exists, which means a concurrent
// attempt booked first.
func (s *AuditStore) RecordSuccess(ctx context.Context, rec AuditRecord) (bool, error) {
	if s == nil || s.db == nil {
		return true, nil
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments_audit
			(tenant_id, idempotency_key, phone, service_id, professional_id, client_id,
			 start_iso, status, appointment_id, request_payload, response_payload, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, 0), $6, $7, 'success', $8, NULLIF($9, ''), NULLIF($10, ''), NOW())
		ON CONFLICT (idempotency_key) WHERE status = 'success' DO NOTHING
	`, rec.Tenant, rec.IdempotencyKey, rec.Phone, rec.ServiceID, rec.ProfessionalID,
		rec.ClientID, rec.StartISO, rec.AppointmentID, rec.RequestPayload, rec.ResponsePayload)
	if err != nil {
		return false, fmt.Errorf("trinks: audit insert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trinks: audit insert result: %w", err)
	}
	return affected > 0, nil
}
