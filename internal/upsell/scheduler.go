package upsell

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/conversation"
	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/whatsapp"
	"github.com/atendezap/atendezap/pkg/logging"
)

// Copy and position variants of the offer experiment.
const (
	CopyA = "A"
	CopyB = "B"

	PositionImmediate = "IMMEDIATE"
	PositionDelay10   = "DELAY10"
)

// Variant pins an offer to one cell of the experiment grid.
type Variant struct {
	Copy     string
	Position string
}

// Recommender resolves the add-on for a primary service.
type Recommender interface {
	RecommendedAddon(ctx context.Context, tenant string, primaryServiceID int64) (*catalog.Addon, error)
}

// Appender attaches an accepted add-on to the provider appointment.
type Appender interface {
	AppendServiceToAppointment(ctx context.Context, appointmentID, serviceID int64) error
}

// Config tunes the scheduler.
type Config struct {
	Enabled            bool
	Delay              time.Duration
	CopyAWeight        float64
	PosImmediateWeight float64
	MaxAttempts        int
	RetryDelay         time.Duration
}

// DefaultConfig is an even A/B split with a ten minute delay arm.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Delay:              10 * time.Minute,
		CopyAWeight:        0.5,
		PosImmediateWeight: 0.5,
		MaxAttempts:        3,
		RetryDelay:         5 * time.Minute,
	}
}

// OfferRequest carries everything needed to make one offer.
type OfferRequest struct {
	Tenant           string
	ConversationID   string
	Phone            string
	AppointmentID    int64
	PrimaryServiceID int64
	ConfirmedAt      time.Time
	// Force pins the variant instead of drawing one. Admin test use.
	Force *Variant
}

// Scheduler offers at most one add-on per conversation after a confirmed
// booking, either immediately or via a delayed job. It implements
// conversation.UpsellHook.
type Scheduler struct {
	cfg       Config
	store     *Store
	catalog   Recommender
	provider  Appender
	messenger whatsapp.Messenger
	logger    *logging.Logger
	metrics   *metrics.UpsellMetrics
	tracer    trace.Tracer
	randFloat func() float64
	now       func() time.Time
}

func NewScheduler(cfg Config, store *Store, recommender Recommender, provider Appender,
	messenger whatsapp.Messenger, logger *logging.Logger, m *metrics.UpsellMetrics) *Scheduler {
	if cfg.Delay <= 0 {
		cfg.Delay = 10 * time.Minute
	}
	if cfg.CopyAWeight <= 0 || cfg.CopyAWeight > 1 {
		cfg.CopyAWeight = 0.5
	}
	if cfg.PosImmediateWeight <= 0 || cfg.PosImmediateWeight > 1 {
		cfg.PosImmediateWeight = 0.5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		catalog:   recommender,
		provider:  provider,
		messenger: messenger,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("atendezap.internal.upsell"),
		randFloat: rand.Float64,
		now:       time.Now,
	}
}

// OnBookingConfirmed implements conversation.UpsellHook. It reads the
// appointment and primary service from the session the booking just wrote.
func (s *Scheduler) OnBookingConfirmed(ctx context.Context, sess *conversation.Session) error {
	if s == nil || !s.cfg.Enabled || sess == nil {
		return nil
	}
	appointmentID := lookupInt64(sess, "appointment_id")
	serviceID := lookupInt64(sess, "slots.service_id")
	if appointmentID == 0 || serviceID == 0 {
		return nil
	}
	return s.Offer(ctx, OfferRequest{
		Tenant:           sess.Tenant,
		ConversationID:   sess.ID,
		Phone:            sess.Phone,
		AppointmentID:    appointmentID,
		PrimaryServiceID: serviceID,
		ConfirmedAt:      s.now(),
	})
}

// Offer runs one offer attempt end to end: dedupe, variant draw, add-on
// selection, then immediate send or delayed job.
func (s *Scheduler) Offer(ctx context.Context, req OfferRequest) error {
	ctx, span := s.tracer.Start(ctx, "upsell.offer")
	defer span.End()

	shown, err := s.store.HasShown(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	if shown {
		s.record(ctx, req, Event{Event: EventAlreadyOffered})
		return nil
	}

	variant := s.drawVariant(req.Force)

	addon, err := s.catalog.RecommendedAddon(ctx, req.Tenant, req.PrimaryServiceID)
	if err != nil {
		s.record(ctx, req, Event{Event: EventError, CopyVariant: variant.Copy, Position: variant.Position, ErrorMessage: err.Error()})
		return fmt.Errorf("upsell: recommend addon: %w", err)
	}
	if addon == nil {
		s.record(ctx, req, Event{Event: EventNothingToOffer, CopyVariant: variant.Copy, Position: variant.Position})
		return nil
	}

	if variant.Position == PositionDelay10 {
		return s.schedule(ctx, req, addon, variant)
	}
	return s.deliver(ctx, req, addon, variant)
}

func (s *Scheduler) drawVariant(force *Variant) Variant {
	if force != nil && force.Copy != "" && force.Position != "" {
		return *force
	}
	v := Variant{Copy: CopyB, Position: PositionDelay10}
	if s.randFloat() < s.cfg.CopyAWeight {
		v.Copy = CopyA
	}
	if s.randFloat() < s.cfg.PosImmediateWeight {
		v.Position = PositionImmediate
	}
	if force != nil {
		if force.Copy != "" {
			v.Copy = force.Copy
		}
		if force.Position != "" {
			v.Position = force.Position
		}
	}
	return v
}

func (s *Scheduler) schedule(ctx context.Context, req OfferRequest, addon *catalog.Addon, variant Variant) error {
	now := s.now()
	job := Job{
		ID:               jobID(req.ConversationID, req.AppointmentID, now),
		Tenant:           req.Tenant,
		ConversationID:   req.ConversationID,
		Phone:            req.Phone,
		AppointmentID:    req.AppointmentID,
		PrimaryServiceID: req.PrimaryServiceID,
		ScheduledFor:     now.Add(s.cfg.Delay),
		CopyVariant:      variant.Copy,
		MaxAttempts:      s.cfg.MaxAttempts,
		Status:           JobPending,
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return err
	}
	s.record(ctx, req, Event{
		Event:       EventScheduled,
		AddonID:     &addon.ServiceID,
		AddonPrice:  addon.Price,
		CopyVariant: variant.Copy,
		Position:    variant.Position,
	})
	s.metrics.ObserveJob(JobPending)
	s.logger.Info("upsell scheduled",
		"phone", logging.MaskPhone(req.Phone),
		"copy", variant.Copy,
		"run_at", job.ScheduledFor)
	return nil
}

// deliver sends the offer and flips the at-most-once flag. Shared by the
// immediate arm and the delayed worker.
func (s *Scheduler) deliver(ctx context.Context, req OfferRequest, addon *catalog.Addon, variant Variant) error {
	started := s.now()
	text := RenderOffer(variant.Copy, addon)
	if err := s.messenger.SendText(ctx, req.Phone, text); err != nil {
		s.record(ctx, req, Event{
			Event:        EventError,
			AddonID:      &addon.ServiceID,
			CopyVariant:  variant.Copy,
			Position:     variant.Position,
			ErrorMessage: err.Error(),
		})
		return fmt.Errorf("upsell: send offer: %w", err)
	}

	if err := s.store.MarkShown(ctx, req.ConversationID, addon.ServiceID, variant.Copy, variant.Position); err != nil {
		return err
	}
	s.record(ctx, req, Event{
		Event:        EventShown,
		AddonID:      &addon.ServiceID,
		AddonPrice:   addon.Price,
		CopyVariant:  variant.Copy,
		Position:     variant.Position,
		ProcessingMS: s.now().Sub(started).Milliseconds(),
	})
	if !req.ConfirmedAt.IsZero() {
		s.metrics.ObserveOfferLag(s.now().Sub(req.ConfirmedAt).Seconds())
	}
	s.logger.Info("upsell shown",
		"phone", logging.MaskPhone(req.Phone),
		"addon_id", addon.ServiceID,
		"copy", variant.Copy,
		"position", variant.Position)
	return nil
}

// deliverJob replays a claimed delayed job through the immediate flow. The
// has_shown re-check covers replays that slipped in between scheduling and
// execution.
func (s *Scheduler) deliverJob(ctx context.Context, job Job) error {
	req := OfferRequest{
		Tenant:           job.Tenant,
		ConversationID:   job.ConversationID,
		Phone:            job.Phone,
		AppointmentID:    job.AppointmentID,
		PrimaryServiceID: job.PrimaryServiceID,
	}
	shown, err := s.store.HasShown(ctx, job.ConversationID)
	if err != nil {
		return err
	}
	if shown {
		s.record(ctx, req, Event{Event: EventAlreadyOffered, CopyVariant: job.CopyVariant, Position: PositionDelay10})
		return nil
	}
	addon, err := s.catalog.RecommendedAddon(ctx, job.Tenant, job.PrimaryServiceID)
	if err != nil {
		return fmt.Errorf("upsell: recommend addon: %w", err)
	}
	if addon == nil {
		s.record(ctx, req, Event{Event: EventNothingToOffer, CopyVariant: job.CopyVariant, Position: PositionDelay10})
		return nil
	}
	return s.deliver(ctx, req, addon, Variant{Copy: job.CopyVariant, Position: PositionDelay10})
}

// record fills the request identity into the event and persists it.
// Ledger failures never bubble into the booking path.
func (s *Scheduler) record(ctx context.Context, req OfferRequest, ev Event) {
	ev.Tenant = req.Tenant
	ev.ConversationID = req.ConversationID
	ev.Phone = req.Phone
	ev.AppointmentID = req.AppointmentID
	ev.PrimaryServiceID = req.PrimaryServiceID
	if err := s.store.RecordEvent(ctx, ev); err != nil {
		s.logger.Warn("upsell event not recorded", "event", ev.Event, "error", err)
	}
	s.metrics.ObserveEvent(ev.Event, ev.CopyVariant, ev.Position)
}

// Metrics returns the per-tenant funnel counters for the admin endpoint.
func (s *Scheduler) Metrics(ctx context.Context, tenant string) (map[string]int64, error) {
	return s.store.EventCounts(ctx, tenant)
}

// Health is the scheduler snapshot served by the admin health endpoint.
type Health struct {
	Enabled   bool             `json:"enabled"`
	Delay     string           `json:"delay"`
	JobCounts map[string]int64 `json:"job_counts"`
}

func (s *Scheduler) Health(ctx context.Context) (*Health, error) {
	counts, err := s.store.JobCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &Health{Enabled: s.cfg.Enabled, Delay: s.cfg.Delay.String(), JobCounts: counts}, nil
}

func jobID(conversationID string, appointmentID int64, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", conversationID, appointmentID, createdAt.Unix())))
	return hex.EncodeToString(sum[:])
}

func lookupInt64(sess *conversation.Session, path string) int64 {
	v, ok := sess.Lookup(path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
