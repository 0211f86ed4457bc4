package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/pkg/logging"
)

// ErrSyncInProgress is returned when another sync run holds the tenant lock.
var ErrSyncInProgress = errors.New("catalog: sync in progress")

// ProviderService is one catalog entry as the provider reports it.
type ProviderService struct {
	ServiceID      int64
	ProfessionalID int64
	Name           string
	Category       string
	DurationMin    int
	Price          *float64
	Visible        bool
	Active         bool
	UpdatedAt      time.Time
}

// ServicesPage is one page of the provider catalog listing.
type ServicesPage struct {
	Items    []ProviderService
	HasMore  bool
	NextPage int
}

// ServicesSource pulls catalog pages from the booking provider.
type ServicesSource interface {
	GetServicesPage(ctx context.Context, updatedSince time.Time, page, limit int) (*ServicesPage, error)
}

// SyncerConfig tunes the incremental sync.
type SyncerConfig struct {
	PageSize          int
	LockTTL           time.Duration
	WatermarkOverride string
}

// SyncResult reports a completed run.
type SyncResult struct {
	Tenant       string    `json:"tenant"`
	ItemsSynced  int       `json:"items_synced"`
	Pages        int       `json:"pages"`
	NewWatermark time.Time `json:"new_watermark"`
	Duration     string    `json:"duration"`
}

// DiffReport compares the provider catalog with the local mirror.
type DiffReport struct {
	Tenant           string    `json:"tenant"`
	AsOf             time.Time `json:"as_of"`
	TotalProvider    int       `json:"total_provider"`
	TotalLocal       int       `json:"total_local"`
	MissingInLocal   int       `json:"missing_in_local"`
	ExtraInLocal     int       `json:"extra_in_local"`
	Duplicates       int       `json:"duplicates"`
	Phantoms         []int64   `json:"phantoms,omitempty"`
	DuplicatesDetail []int64   `json:"duplicates_detail,omitempty"`
}

// Syncer pulls the provider catalog incrementally and upserts it into the
// local store. Runs are single-flight per tenant via a redis lock.
type Syncer struct {
	store   *Store
	source  ServicesSource
	redis   *redis.Client
	db      *sql.DB
	config  SyncerConfig
	metrics *metrics.ProviderMetrics
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewSyncer wires a catalog syncer. db is used for watermark persistence.
func NewSyncer(store *Store, source ServicesSource, redisClient *redis.Client, db *sql.DB, config SyncerConfig, m *metrics.ProviderMetrics, logger *logging.Logger) *Syncer {
	if logger == nil {
		logger = logging.Default()
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	if config.LockTTL <= 0 {
		config.LockTTL = time.Hour
	}
	return &Syncer{
		store:   store,
		source:  source,
		redis:   redisClient,
		db:      db,
		config:  config,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("atendezap.internal.catalog.sync"),
	}
}

func syncLockKey(tenant string) string      { return "sync:lock:" + tenant }
func syncWatermarkKey(tenant string) string { return "sync:wm:" + tenant }

// TriggerFullSync runs one incremental sync for the tenant. sinceISO, when
// non-empty, overrides the persisted watermark as the starting point. Fails
// fast with ErrSyncInProgress when another run holds the lock.
func (s *Syncer) TriggerFullSync(ctx context.Context, tenant, sinceISO string) (*SyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.sync.full")
	defer span.End()

	release, err := s.acquireLock(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	since := s.resolveStart(ctx, tenant, sinceISO)
	s.logger.Info("catalog sync started", "tenant", tenant, "since", since.Format(time.RFC3339))

	var (
		page       = 1
		total      = 0
		pages      = 0
		maxUpdated = since
	)
	for {
		result, err := s.source.GetServicesPage(ctx, since, page, s.config.PageSize)
		if err != nil {
			s.metrics.ObserveSyncRun("error", total)
			span.RecordError(err)
			return nil, fmt.Errorf("catalog: fetch page %d: %w", page, err)
		}

		items := make([]Item, 0, len(result.Items))
		for _, svc := range result.Items {
			items = append(items, Item{
				Tenant:         tenant,
				ServiceID:      svc.ServiceID,
				ProfessionalID: svc.ProfessionalID,
				Name:           svc.Name,
				Category:       svc.Category,
				DurationMin:    svc.DurationMin,
				Price:          svc.Price,
				Visible:        svc.Visible,
				Active:         svc.Active,
				UpdatedAt:      svc.UpdatedAt,
			})
			if svc.UpdatedAt.After(maxUpdated) {
				maxUpdated = svc.UpdatedAt
			}
		}
		if err := s.store.Upsert(ctx, tenant, items); err != nil {
			s.metrics.ObserveSyncRun("error", total)
			span.RecordError(err)
			return nil, err
		}
		total += len(items)
		pages++

		if !result.HasMore {
			break
		}
		if result.NextPage > page {
			page = result.NextPage
		} else {
			page++
		}
	}

	// The watermark only advances on normal completion so a partial run is
	// re-covered by the next one.
	if err := s.persistWatermark(ctx, tenant, maxUpdated); err != nil {
		s.metrics.ObserveSyncRun("error", total)
		return nil, err
	}

	s.metrics.ObserveSyncRun("ok", total)
	s.logger.Info("catalog sync completed",
		"tenant", tenant,
		"items", total,
		"pages", pages,
		"watermark", maxUpdated.Format(time.RFC3339),
	)
	return &SyncResult{
		Tenant:       tenant,
		ItemsSynced:  total,
		Pages:        pages,
		NewWatermark: maxUpdated,
		Duration:     time.Since(start).String(),
	}, nil
}

func (s *Syncer) acquireLock(ctx context.Context, tenant string) (func(), error) {
	if s.redis == nil {
		return func() {}, nil
	}
	ok, err := s.redis.SetNX(ctx, syncLockKey(tenant), "1", s.config.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("catalog: acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	return func() {
		if err := s.redis.Del(context.Background(), syncLockKey(tenant)).Err(); err != nil {
			s.logger.Warn("failed to release sync lock", "tenant", tenant, "error", err)
		}
	}, nil
}

// resolveStart picks the sync starting point: explicit request, configured
// override, persisted watermark, epoch.
func (s *Syncer) resolveStart(ctx context.Context, tenant, sinceISO string) time.Time {
	if sinceISO != "" {
		if ts, err := time.Parse(time.RFC3339, sinceISO); err == nil {
			return ts
		}
		s.logger.Warn("ignoring malformed since timestamp", "tenant", tenant, "since", sinceISO)
	}
	if s.config.WatermarkOverride != "" {
		if ts, err := time.Parse(time.RFC3339, s.config.WatermarkOverride); err == nil {
			return ts
		}
	}
	if wm, ok := s.loadWatermark(ctx, tenant); ok {
		return wm
	}
	return time.Unix(0, 0).UTC()
}

func (s *Syncer) loadWatermark(ctx context.Context, tenant string) (time.Time, bool) {
	// Hot cache first, durable store second.
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, syncWatermarkKey(tenant)).Result(); err == nil {
			if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				return ts, true
			}
		}
	}
	if s.db != nil {
		var raw string
		err := s.db.QueryRowContext(ctx,
			`SELECT watermark FROM sync_watermarks WHERE tenant_id = $1`, tenant,
		).Scan(&raw)
		if err == nil {
			if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				return ts, true
			}
		} else if err != sql.ErrNoRows {
			s.logger.Warn("watermark lookup failed", "tenant", tenant, "error", err)
		}
	}
	return time.Time{}, false
}

func (s *Syncer) persistWatermark(ctx context.Context, tenant string, wm time.Time) error {
	raw := wm.UTC().Format(time.RFC3339Nano)
	if s.db != nil {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_watermarks (tenant_id, watermark, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (tenant_id) DO UPDATE SET
				watermark = GREATEST(sync_watermarks.watermark, EXCLUDED.watermark),
				updated_at = NOW()
		`, tenant, raw)
		if err != nil {
			return fmt.Errorf("catalog: persist watermark: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, syncWatermarkKey(tenant), raw, 0).Err(); err != nil {
			s.logger.Warn("failed to cache watermark", "tenant", tenant, "error", err)
		}
	}
	return nil
}

// DailyDiffReport pages the full provider catalog and diffs it against the
// local mirror: rows the provider has that we lack, phantoms we carry that the
// provider no longer lists, and duplicate service groupings.
func (s *Syncer) DailyDiffReport(ctx context.Context, tenant string, asOf time.Time) (*DiffReport, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.sync.diff_report")
	defer span.End()

	provider := make(map[int64]int)
	page := 1
	for {
		result, err := s.source.GetServicesPage(ctx, time.Time{}, page, s.config.PageSize)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("catalog: diff fetch page %d: %w", page, err)
		}
		for _, svc := range result.Items {
			provider[svc.ServiceID]++
		}
		if !result.HasMore {
			break
		}
		if result.NextPage > page {
			page = result.NextPage
		} else {
			page++
		}
	}

	local, err := s.store.ListServiceIDs(ctx, tenant)
	if err != nil {
		return nil, err
	}
	totalLocal, _, err := s.store.CountAll(ctx, tenant)
	if err != nil {
		return nil, err
	}

	report := &DiffReport{
		Tenant:        tenant,
		AsOf:          asOf,
		TotalProvider: 0,
		TotalLocal:    totalLocal,
	}
	for _, count := range provider {
		report.TotalProvider += count
	}
	for serviceID := range provider {
		if _, ok := local[serviceID]; !ok {
			report.MissingInLocal++
		}
	}
	for serviceID, professionals := range local {
		if _, ok := provider[serviceID]; !ok {
			report.ExtraInLocal++
			report.Phantoms = append(report.Phantoms, serviceID)
		}
		if len(professionals) > 1 {
			report.Duplicates++
			report.DuplicatesDetail = append(report.DuplicatesDetail, serviceID)
		}
	}
	return report, nil
}
