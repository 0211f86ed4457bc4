package upsell

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atendezap/atendezap/pkg/logging"
)

// Funnel events recorded in upsell_events.
const (
	EventShown          = "shown"
	EventAccepted       = "accepted"
	EventDeclined       = "declined"
	EventScheduled      = "scheduled"
	EventError          = "error"
	EventNothingToOffer = "nothing_to_offer"
	EventAlreadyOffered = "already_offered"
)

// Scheduled job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Event is one append-only funnel record.
type Event struct {
	Tenant           string
	ConversationID   string
	Phone            string
	Event            string
	AddonID          *int64
	AddonPrice       *float64
	CopyVariant      string
	Position         string
	AppointmentID    int64
	PrimaryServiceID int64
	ProcessingMS     int64
	ErrorMessage     string
}

// ConversationState is the per-conversation offer ledger. HasShown is the
// at-most-once invariant: once true, no further offer may be sent to the
// same conversation.
type ConversationState struct {
	ConversationID string
	HasShown       bool
	LastEvent      string
	LastEventAt    time.Time
	LastAddonID    *int64
	LastVariant    string
}

// Job is a delayed offer waiting for the worker.
type Job struct {
	ID               string
	Tenant           string
	ConversationID   string
	Phone            string
	AppointmentID    int64
	PrimaryServiceID int64
	ScheduledFor     time.Time
	CopyVariant      string
	Attempts         int
	MaxAttempts      int
	Status           string
	LastError        string
}

// Store persists upsell state, events and scheduled jobs in Postgres.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

func NewStore(db *sql.DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger}
}

// State returns the conversation's offer ledger, nil when none exists.
func (s *Store) State(ctx context.Context, conversationID string) (*ConversationState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var (
		st      ConversationState
		addonID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, has_shown, last_event, last_event_at, last_addon_id, last_variant
		FROM upsell_conversation_state
		WHERE conversation_id = $1
	`, conversationID).Scan(&st.ConversationID, &st.HasShown, &st.LastEvent, &st.LastEventAt, &addonID, &st.LastVariant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upsell: load state: %w", err)
	}
	if addonID.Valid {
		st.LastAddonID = &addonID.Int64
	}
	return &st, nil
}

// HasShown reports whether an offer was already sent to this conversation.
func (s *Store) HasShown(ctx context.Context, conversationID string) (bool, error) {
	st, err := s.State(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return st != nil && st.HasShown, nil
}

// MarkShown flips the at-most-once flag after a successful offer send.
func (s *Store) MarkShown(ctx context.Context, conversationID string, addonID int64, copyVariant, position string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upsell_conversation_state (conversation_id, has_shown, last_event, last_event_at, last_addon_id, last_variant)
		VALUES ($1, TRUE, $2, NOW(), $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE SET
			has_shown = TRUE,
			last_event = EXCLUDED.last_event,
			last_event_at = NOW(),
			last_addon_id = EXCLUDED.last_addon_id,
			last_variant = EXCLUDED.last_variant
	`, conversationID, EventShown, addonID, copyVariant+"/"+position)
	if err != nil {
		return fmt.Errorf("upsell: mark shown: %w", err)
	}
	return nil
}

// RecordEvent appends a funnel row and refreshes the conversation ledger.
// The ledger update never touches has_shown; only MarkShown does.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upsell_events (
			id, tenant_id, conversation_id, phone, event,
			addon_id, addon_price, copy_variant, position,
			appointment_id, primary_service_id, processing_ms, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''), NOW())
	`, uuid.NewString(), ev.Tenant, ev.ConversationID, ev.Phone, ev.Event,
		ev.AddonID, ev.AddonPrice, ev.CopyVariant, ev.Position,
		ev.AppointmentID, ev.PrimaryServiceID, ev.ProcessingMS, ev.ErrorMessage)
	if err != nil {
		return fmt.Errorf("upsell: record event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upsell_conversation_state (conversation_id, has_shown, last_event, last_event_at, last_addon_id, last_variant)
		VALUES ($1, FALSE, $2, NOW(), $3, NULLIF($4, ''))
		ON CONFLICT (conversation_id) DO UPDATE SET
			last_event = EXCLUDED.last_event,
			last_event_at = NOW(),
			last_addon_id = COALESCE(EXCLUDED.last_addon_id, upsell_conversation_state.last_addon_id),
			last_variant = COALESCE(EXCLUDED.last_variant, upsell_conversation_state.last_variant)
	`, ev.ConversationID, ev.Event, ev.AddonID, variantLabel(ev.CopyVariant, ev.Position))
	if err != nil {
		return fmt.Errorf("upsell: update state: %w", err)
	}
	return nil
}

func variantLabel(copyVariant, position string) string {
	if copyVariant == "" && position == "" {
		return ""
	}
	return copyVariant + "/" + position
}

// EnqueueJob persists a delayed offer. The deterministic id makes webhook
// replays collapse onto the same row.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upsell_jobs (
			id, tenant_id, conversation_id, phone, appointment_id, primary_service_id,
			scheduled_for, copy_variant, attempts, max_attempts, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, NOW())
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Tenant, job.ConversationID, job.Phone, job.AppointmentID, job.PrimaryServiceID,
		job.ScheduledFor, job.CopyVariant, job.MaxAttempts, JobPending)
	if err != nil {
		return fmt.Errorf("upsell: enqueue job: %w", err)
	}
	return nil
}

// ClaimDueJobs atomically moves due pending jobs to processing and returns
// them with the attempt counter already bumped. SKIP LOCKED keeps multiple
// worker instances from claiming the same job.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE upsell_jobs SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM upsell_jobs
			WHERE status = $2 AND scheduled_for <= $3
			ORDER BY scheduled_for
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, conversation_id, phone, appointment_id, primary_service_id,
			scheduled_for, copy_variant, attempts, max_attempts
	`, JobProcessing, JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("upsell: claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Tenant, &j.ConversationID, &j.Phone, &j.AppointmentID, &j.PrimaryServiceID,
			&j.ScheduledFor, &j.CopyVariant, &j.Attempts, &j.MaxAttempts); err != nil {
			return nil, fmt.Errorf("upsell: scan job: %w", err)
		}
		j.Status = JobProcessing
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CompleteJob marks a processed job done.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE upsell_jobs SET status = $1, updated_at = NOW() WHERE id = $2`, JobCompleted, id)
	if err != nil {
		return fmt.Errorf("upsell: complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a failed attempt to the pending queue.
func (s *Store) RescheduleJob(ctx context.Context, id string, nextAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE upsell_jobs SET status = $1, scheduled_for = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4
	`, JobPending, nextAt, lastError, id)
	if err != nil {
		return fmt.Errorf("upsell: reschedule job: %w", err)
	}
	return nil
}

// FailJob retires a job after its attempts are exhausted.
func (s *Store) FailJob(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE upsell_jobs SET status = $1, last_error = $2, updated_at = NOW() WHERE id = $3`,
		JobFailed, lastError, id)
	if err != nil {
		return fmt.Errorf("upsell: fail job: %w", err)
	}
	return nil
}

// EventCounts aggregates the funnel for the admin metrics endpoint.
func (s *Store) EventCounts(ctx context.Context, tenant string) (map[string]int64, error) {
	out := make(map[string]int64)
	if s == nil || s.db == nil {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event, COUNT(*) FROM upsell_events WHERE tenant_id = $1 GROUP BY event`, tenant)
	if err != nil {
		return nil, fmt.Errorf("upsell: event counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			event string
			count int64
		)
		if err := rows.Scan(&event, &count); err != nil {
			return nil, fmt.Errorf("upsell: scan event count: %w", err)
		}
		out[event] = count
	}
	return out, rows.Err()
}

// JobCounts aggregates queue depth by status for the health snapshot.
func (s *Store) JobCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if s == nil || s.db == nil {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM upsell_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("upsell: job counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("upsell: scan job count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
