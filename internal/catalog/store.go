package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	minSearchLimit = 1
	maxSearchLimit = 10
)

// Store is the durable, normalized mirror of the provider service catalog.
// Writes come only from the syncer; reads are tenant-scoped and always filter
// on active AND visible.
type Store struct {
	db     *sql.DB
	legacy *sql.DB
	tracer trace.Tracer
}

// NewStore creates a catalog store. legacy may be nil; when present it is
// consulted once per search that returns zero rows on the primary.
func NewStore(db *sql.DB, legacy *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		db:     db,
		legacy: legacy,
		tracer: otel.Tracer("atendezap.internal.catalog.store"),
	}
}

// Upsert writes a batch of items keyed by (tenant, service_id, professional_id).
// Existing rows are updated in place; nothing is deleted.
func (s *Store) Upsert(ctx context.Context, tenant string, items []Item) error {
	if s == nil || s.db == nil {
		return nil
	}
	if len(items) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "catalog.upsert")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog_items (
			tenant_id, service_id, professional_id, name, normalized_name,
			category, normalized_category, duration_min, price,
			visible, active, updated_at, last_synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, service_id, professional_id) DO UPDATE SET
			name = EXCLUDED.name,
			normalized_name = EXCLUDED.normalized_name,
			category = EXCLUDED.category,
			normalized_category = EXCLUDED.normalized_category,
			duration_min = EXCLUDED.duration_min,
			price = EXCLUDED.price,
			visible = EXCLUDED.visible,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at,
			last_synced_at = EXCLUDED.last_synced_at
	`)
	if err != nil {
		return fmt.Errorf("catalog: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		var price sql.NullFloat64
		if item.Price != nil {
			price = sql.NullFloat64{Float64: *item.Price, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			tenant, item.ServiceID, item.ProfessionalID,
			item.Name, Normalize(item.Name),
			item.Category, Normalize(item.Category),
			item.DurationMin, price,
			item.Visible, item.Active, item.UpdatedAt, now,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("catalog: upsert service %d: %w", item.ServiceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit upsert: %w", err)
	}
	return nil
}

// SearchSuggestions returns up to limit visible, active services whose
// normalized name contains the normalized term, grouped by service id and
// ordered by price ascending (nulls last) then name. limit is clamped to
// [1,10]. When the primary store has no rows and a legacy source is
// configured, a single fallback query with identical semantics runs there.
func (s *Store) SearchSuggestions(ctx context.Context, tenant, term string, limit int) ([]Suggestion, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit < minSearchLimit {
		limit = minSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	normalized := Normalize(term)
	if normalized == "" {
		return nil, nil
	}

	ctx, span := s.tracer.Start(ctx, "catalog.search_suggestions")
	defer span.End()

	rows, err := s.searchOn(ctx, s.db, tenant, normalized, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(rows) == 0 && s.legacy != nil {
		rows, err = s.searchOn(ctx, s.legacy, tenant, normalized, limit)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	return rows, nil
}

func (s *Store) searchOn(ctx context.Context, db *sql.DB, tenant, normalized string, limit int) ([]Suggestion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT service_id, MIN(name) AS name, MIN(normalized_category) AS category,
		       MIN(duration_min) AS duration_min, MIN(price) AS price
		FROM catalog_items
		WHERE tenant_id = $1
		  AND active AND visible
		  AND normalized_name LIKE '%' || $2 || '%'
		GROUP BY service_id
		ORDER BY MIN(price) ASC NULLS LAST, MIN(name) ASC
		LIMIT $3
	`, tenant, normalized, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: search suggestions: %w", err)
	}
	defer rows.Close()

	return scanSuggestions(rows)
}

func scanSuggestions(rows *sql.Rows) ([]Suggestion, error) {
	var out []Suggestion
	for rows.Next() {
		var sug Suggestion
		var price sql.NullFloat64
		if err := rows.Scan(&sug.ServiceID, &sug.Name, &sug.Category, &sug.DurationMin, &price); err != nil {
			return nil, fmt.Errorf("catalog: scan suggestion: %w", err)
		}
		if price.Valid {
			sug.Price = &price.Float64
		}
		out = append(out, sug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate suggestions: %w", err)
	}
	return out, nil
}

// ExistsForBooking reports whether a bookable (active, visible) row exists for
// the service. A nil professional matches any professional row.
func (s *Store) ExistsForBooking(ctx context.Context, tenant string, serviceID int64, professionalID *int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}

	query := `
		SELECT 1 FROM catalog_items
		WHERE tenant_id = $1 AND service_id = $2 AND active AND visible
	`
	args := []any{tenant, serviceID}
	if professionalID != nil {
		query += " AND professional_id = $3"
		args = append(args, *professionalID)
	}
	query += " LIMIT 1"

	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: exists for booking: %w", err)
	}
	return true, nil
}

// TopNByCategory30d returns the n most-booked services under a normalized
// category over the last 30 days of successful booking audit rows, ordered by
// booking count descending then name.
func (s *Store) TopNByCategory30d(ctx context.Context, tenant, normalizedCategory string, n int) ([]Suggestion, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if n < minSearchLimit {
		n = minSearchLimit
	}
	if n > maxSearchLimit {
		n = maxSearchLimit
	}

	ctx, span := s.tracer.Start(ctx, "catalog.top_by_category")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.service_id, MIN(c.name) AS name, MIN(c.normalized_category) AS category,
		       MIN(c.duration_min) AS duration_min, MIN(c.price) AS price
		FROM catalog_items c
		LEFT JOIN appointments_audit a
		  ON a.tenant_id = c.tenant_id
		 AND a.service_id = c.service_id
		 AND a.status = 'success'
		 AND a.created_at >= NOW() - INTERVAL '30 days'
		WHERE c.tenant_id = $1
		  AND c.normalized_category = $2
		  AND c.active AND c.visible
		GROUP BY c.service_id
		ORDER BY COUNT(a.idempotency_key) DESC, MIN(c.name) ASC
		LIMIT $3
	`, tenant, normalizedCategory, n)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("catalog: top by category: %w", err)
	}
	defer rows.Close()

	return scanSuggestions(rows)
}

// IsCategoryGeneric reports whether term exactly matches a known category that
// covers at least two distinct services. Such terms are too broad to book.
func (s *Store) IsCategoryGeneric(ctx context.Context, tenant, term string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	normalized := Normalize(term)
	if normalized == "" {
		return false, nil
	}

	var distinct int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT service_id)
		FROM catalog_items
		WHERE tenant_id = $1 AND normalized_category = $2 AND active AND visible
	`, tenant, normalized).Scan(&distinct)
	if err != nil {
		return false, fmt.Errorf("catalog: category check: %w", err)
	}
	return distinct >= 2, nil
}

// RecommendedAddon suggests a complementary service for an upsell offer: the
// most-booked other service in the primary service's category over 30 days,
// cheapest first on ties. Returns nil when the category has nothing else.
func (s *Store) RecommendedAddon(ctx context.Context, tenant string, primaryServiceID int64) (*Addon, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	ctx, span := s.tracer.Start(ctx, "catalog.recommended_addon")
	defer span.End()

	var addon Addon
	var price sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT c.service_id, MIN(c.name), MIN(c.duration_min), MIN(c.price)
		FROM catalog_items c
		LEFT JOIN appointments_audit a
		  ON a.tenant_id = c.tenant_id
		 AND a.service_id = c.service_id
		 AND a.status = 'success'
		 AND a.created_at >= NOW() - INTERVAL '30 days'
		WHERE c.tenant_id = $1
		  AND c.active AND c.visible
		  AND c.service_id <> $2
		  AND c.normalized_category = (
			SELECT normalized_category FROM catalog_items
			WHERE tenant_id = $1 AND service_id = $2
			LIMIT 1
		  )
		GROUP BY c.service_id
		ORDER BY COUNT(a.idempotency_key) DESC, MIN(c.price) ASC NULLS LAST, MIN(c.name) ASC
		LIMIT 1
	`, tenant, primaryServiceID).Scan(&addon.ServiceID, &addon.Name, &addon.DurationMin, &price)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("catalog: recommended addon: %w", err)
	}
	if price.Valid {
		addon.Price = &price.Float64
	}
	return &addon, nil
}

// CountAll returns total and distinct service counts for the tenant,
// regardless of flags. Used by the drift report.
func (s *Store) CountAll(ctx context.Context, tenant string) (rows int, distinctServices int, err error) {
	if s == nil || s.db == nil {
		return 0, 0, nil
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT service_id)
		FROM catalog_items
		WHERE tenant_id = $1
	`, tenant).Scan(&rows, &distinctServices)
	if err != nil {
		return 0, 0, fmt.Errorf("catalog: count all: %w", err)
	}
	return rows, distinctServices, nil
}

// ListServiceIDs returns every (service_id, professional_id) pair for the
// tenant. Used by the drift report to diff against the provider.
func (s *Store) ListServiceIDs(ctx context.Context, tenant string) (map[int64][]int64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, professional_id
		FROM catalog_items
		WHERE tenant_id = $1
		ORDER BY service_id, professional_id
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("catalog: list service ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var serviceID, professionalID int64
		if err := rows.Scan(&serviceID, &professionalID); err != nil {
			return nil, fmt.Errorf("catalog: scan service id: %w", err)
		}
		out[serviceID] = append(out[serviceID], professionalID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate service ids: %w", err)
	}
	return out, nil
}
