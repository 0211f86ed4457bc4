package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendezap/atendezap/internal/buffer"
	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/flow"
	"github.com/atendezap/atendezap/internal/nlp"
	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/tenancy"
	"github.com/atendezap/atendezap/internal/trinks"
	"github.com/atendezap/atendezap/internal/whatsapp"
	"github.com/atendezap/atendezap/pkg/logging"
)

// Response actions reported to the webhook layer.
const (
	ActionReply         = "reply"
	ActionBuffered      = "buffered"
	ActionTransferHuman = "transfer_human"
	ActionUpsell        = "upsell"
	ActionNone          = "none"
	ActionError         = "error"
)

// Response summarizes what one inbound message produced. Outbound delivery
// already happened by the time it is returned.
type Response struct {
	Action string `json:"action"`
	Reply  string `json:"reply,omitempty"`
	State  string `json:"state,omitempty"`
}

// UserInfo carries optional sender details from the webhook payload. The
// zero value means the provider sent none.
type UserInfo struct {
	Name string
}

// Booker is the provider subset needed to finalize a confirmed booking.
type Booker interface {
	FindClientByPhone(ctx context.Context, phone string) (*trinks.ClientRecord, error)
	CreateAppointment(ctx context.Context, req trinks.BookingRequest) (*trinks.BookingResult, error)
}

// UpsellHook lets the upsell scheduler react to bookings and intercept
// replies to a shown offer before the state machine sees them.
type UpsellHook interface {
	OnBookingConfirmed(ctx context.Context, sess *Session) error
	Intercept(ctx context.Context, sess *Session, text string) (bool, error)
}

// Config tunes the controller.
type Config struct {
	TenantDefault string
	SessionTTL    time.Duration
	LockTTL       time.Duration
	Timezone      string
}

// Deps carries the controller's collaborators. Engine and Sessions are
// required; the rest degrade gracefully when absent.
type Deps struct {
	Engine     *flow.Engine
	Analyzer   *nlp.Analyzer
	Classifier *nlp.Classifier
	Buffer     *buffer.Buffer
	Sessions   *SessionStore
	Handoff    *HandoffStore
	Messenger  whatsapp.Messenger
	Booker     Booker
	Upsell     UpsellHook
	Redis      *redis.Client
	Logger     *logging.Logger
	Metrics    *metrics.ConversationMetrics
}

// Controller owns ProcessMessage, the single entry point from the webhook
// and the buffer flush worker into the conversation state machine.
type Controller struct {
	config     Config
	engine     *flow.Engine
	analyzer   *nlp.Analyzer
	classifier *nlp.Classifier
	buffer     *buffer.Buffer
	sessions   *SessionStore
	handoff    *HandoffStore
	messenger  whatsapp.Messenger
	booker     Booker
	upsell     UpsellHook
	redis      *redis.Client
	locks      keyedMutex
	logger     *logging.Logger
	metrics    *metrics.ConversationMetrics
	tracer     trace.Tracer
	location   *time.Location
	now        func() time.Time
}

// NewController wires the conversation controller.
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("conversation: engine is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("conversation: session store is required")
	}
	if deps.Analyzer == nil {
		deps.Analyzer = nlp.NewAnalyzer(nlp.PatternGroups{})
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if config.TenantDefault == "" {
		config.TenantDefault = "default"
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 10 * time.Second
	}
	location, err := time.LoadLocation(config.Timezone)
	if err != nil || config.Timezone == "" {
		location = time.UTC
	}
	return &Controller{
		config:     config,
		engine:     deps.Engine,
		analyzer:   deps.Analyzer,
		classifier: deps.Classifier,
		buffer:     deps.Buffer,
		sessions:   deps.Sessions,
		handoff:    deps.Handoff,
		messenger:  deps.Messenger,
		booker:     deps.Booker,
		upsell:     deps.Upsell,
		redis:      deps.Redis,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("atendezap.internal.conversation"),
		location:   location,
		now:        time.Now,
	}, nil
}

// ProcessMessage handles one raw inbound fragment: handoff gate, buffer
// aggregation, then the state machine step once the aggregate is ready.
func (c *Controller) ProcessMessage(ctx context.Context, tenant, phone, text string, user UserInfo) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "conversation.process_message")
	defer span.End()

	if tenant == "" {
		tenant = c.config.TenantDefault
	}

	if c.handoff != nil && c.handoff.Active(ctx, tenant, phone) {
		reply, err := RenderTemplate(TemplateHumanHandoffActive, flow.MapScope{})
		if err != nil {
			return nil, err
		}
		c.metrics.ObserveHandoffReply()
		c.send(ctx, phone, reply)
		return &Response{Action: ActionTransferHuman, Reply: reply}, nil
	}

	if c.buffer != nil {
		result, err := c.buffer.Append(ctx, tenant, phone, text)
		if err != nil {
			return nil, err
		}
		if !result.Ready {
			return &Response{Action: ActionBuffered}, nil
		}
		text = result.AggregatedText
	}
	if strings.TrimSpace(text) == "" {
		return &Response{Action: ActionNone}, nil
	}

	return c.processAggregated(ctx, tenant, phone, text, user)
}

// ProcessAggregated runs a complete utterance through the state machine.
// The buffer flush worker calls this directly.
func (c *Controller) ProcessAggregated(ctx context.Context, tenant, phone, text string) (*Response, error) {
	return c.processAggregated(ctx, tenant, phone, text, UserInfo{})
}

func (c *Controller) processAggregated(ctx context.Context, tenant, phone, text string, user UserInfo) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "conversation.process_aggregated")
	defer span.End()

	if tenant == "" {
		tenant = c.config.TenantDefault
	}
	// Engine tools resolve the tenant from ctx; keep it in step with the
	// session's tenant no matter which entry point delivered the text.
	ctx = tenancy.WithTenant(ctx, tenant)

	unlock := c.locks.lock(tenant + ":" + phone)
	defer unlock()
	release := c.acquireRemoteLock(ctx, tenant, phone)
	defer release()

	sess, err := c.sessions.Load(ctx, tenant, phone)
	if errors.Is(err, ErrCorruptSession) {
		c.logger.Warn("resetting corrupt session", "tenant", tenant, "phone", logging.MaskPhone(phone))
		sess, err = nil, nil
	}
	if err != nil {
		return c.apologize(ctx, NewSession(tenant, phone), text, err)
	}
	fresh := sess == nil
	if fresh {
		sess = NewSession(tenant, phone)
	}

	if user.Name != "" {
		sess.Assign("user_name", user.Name)
	}

	resp, err := c.step(ctx, sess, text, fresh)
	if err != nil {
		span.RecordError(err)
		return c.apologize(ctx, sess, text, err)
	}
	c.metrics.ObserveProcessed("ok")
	return resp, nil
}

func (c *Controller) step(ctx context.Context, sess *Session, text string, fresh bool) (*Response, error) {
	if c.upsell != nil && !fresh {
		handled, err := c.upsell.Intercept(ctx, sess, text)
		if err != nil {
			return nil, err
		}
		if handled {
			sess.AppendHistory("user", text)
			if err := c.sessions.Save(ctx, sess); err != nil {
				return nil, err
			}
			return &Response{Action: ActionUpsell, State: sess.State}, nil
		}
	}

	analysis := c.analyzer.Analyze(text)
	sess.Assign("tenant", sess.Tenant)
	sess.Assign("phone", sess.Phone)
	sess.Assign("raw_query", text)
	sess.Assign("raw_message", text)
	sess.Assign("intent", string(analysis.Intent))

	var out *flow.Output
	var err error
	if fresh || sess.State == "" || sess.State == flow.StateStart {
		out, err = c.engine.Bootstrap(ctx, sess)
	} else {
		if sess.State == flow.StateValidateBeforeConfirm {
			c.fillSlots(ctx, sess, text)
		}
		out, err = c.engine.Step(ctx, sess, sess.State)
	}
	if err != nil {
		return nil, err
	}
	sess.State = out.State

	// The clarify reply embeds the current top-3, which also drives the
	// option pick on the next message.
	sess.Assign("options_block", OptionsBlock(suggestionsFromVar(lookupVar(sess, "top3"))))

	if out.DidEnter(flow.StateSchedulingConfirmed) {
		if err := c.finalizeBooking(ctx, sess); err != nil {
			return nil, err
		}
		if c.upsell != nil {
			if err := c.upsell.OnBookingConfirmed(ctx, sess); err != nil {
				// The booking stands even when the offer machinery hiccups.
				c.logger.Warn("upsell hook failed", "error", err)
			}
		}
	}

	parts := make([]string, 0, len(out.Replies))
	for _, name := range out.Replies {
		rendered, err := RenderTemplate(name, sess)
		if err != nil {
			return nil, err
		}
		parts = append(parts, rendered)
	}
	reply := strings.Join(parts, "\n\n")

	sess.AppendHistory("user", text)
	if reply != "" {
		sess.AppendHistory("assistant", reply)
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	action := ActionNone
	if reply != "" {
		c.send(ctx, sess.Phone, reply)
		action = ActionReply
	}
	return &Response{Action: action, Reply: reply, State: sess.State}, nil
}

// apologize is the single error path: generic apology, state reset to START,
// input not retried.
func (c *Controller) apologize(ctx context.Context, sess *Session, text string, cause error) (*Response, error) {
	c.logger.Error("conversation step failed",
		"tenant", sess.Tenant,
		"phone", logging.MaskPhone(sess.Phone),
		"error", cause,
	)
	c.metrics.ObserveProcessed("error")

	sess.State = flow.StateStart
	reply, rerr := RenderTemplate(TemplateApology, flow.MapScope{})
	if rerr != nil {
		reply = "Desculpe, tive um problema técnico agora."
	}
	sess.AppendHistory("user", text)
	sess.AppendHistory("assistant", reply)
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Warn("failed to persist reset session", "error", err)
	}
	c.send(ctx, sess.Phone, reply)
	return &Response{Action: ActionError, Reply: reply, State: sess.State}, nil
}

var optionNumberPattern = regexp.MustCompile(`^([1-9])[\s).]*$`)

// fillSlots maps free text or an option pick onto the validator's slots
// before the state machine runs.
func (c *Controller) fillSlots(ctx context.Context, sess *Session, text string) {
	trimmed := strings.TrimSpace(text)
	if m := optionNumberPattern.FindStringSubmatch(trimmed); m != nil {
		suggestions := suggestionsFromVar(lookupVar(sess, "top3"))
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= len(suggestions) {
			c.applySuggestion(sess, suggestions[n-1])
			return
		}
	}

	if c.classifier == nil {
		return
	}
	cls, err := c.classifier.Classify(ctx, sess.Tenant, text)
	if err != nil {
		// Clarification still works without a classification.
		c.logger.Warn("classification failed", "error", err)
		return
	}
	sess.Assign("kind", string(cls.Kind))
	switch cls.Kind {
	case nlp.KindExplicit:
		c.applySuggestion(sess, cls.Suggestions[0])
	case nlp.KindCategory:
		sess.Assign("slots.category", catalog.Normalize(text))
		sess.Assign("slots.service_id", nil)
		sess.Assign("slots.service_name", nil)
	default:
		sess.Assign("slots.category", nil)
	}
}

func (c *Controller) applySuggestion(sess *Session, s catalog.Suggestion) {
	sess.Assign("slots.service_id", s.ServiceID)
	sess.Assign("slots.service_name", s.Name)
	sess.Assign("slots.duration_min", s.DurationMin)
	sess.Assign("slots.category", nil)
	sess.Assign("kind", string(nlp.KindExplicit))
	// An option pick means this service, so the ambiguity check runs
	// against the service name rather than the bare digit.
	sess.Assign("raw_query", s.Name)
	if _, ok := lookupString(sess, "slots.start_iso"); !ok {
		sess.Assign("slots.start_iso", c.defaultStart())
	}
}

// defaultStart proposes the next full hour, at least one hour out, in the
// salon's timezone. A concrete time is required for availability validation;
// the attendant adjusts it during manual confirmation.
func (c *Controller) defaultStart() string {
	t := c.now().In(c.location).Add(time.Hour).Truncate(time.Hour).Add(time.Hour)
	return t.Format(time.RFC3339)
}

func (c *Controller) finalizeBooking(ctx context.Context, sess *Session) error {
	if c.booker == nil {
		return nil
	}
	serviceID := lookupInt64(sess, "slots.service_id")
	if serviceID == 0 {
		return fmt.Errorf("conversation: confirmed without a service slot")
	}
	startISO, _ := lookupString(sess, "slots.start_iso")

	var clientID int64
	if record, err := c.booker.FindClientByPhone(ctx, sess.Phone); err != nil {
		c.logger.Warn("client lookup failed", "error", err)
	} else if record != nil {
		clientID = record.ID
	}

	request := trinks.BookingRequest{
		Tenant:      sess.Tenant,
		ClientID:    clientID,
		ClientPhone: sess.Phone,
		ServiceID:   serviceID,
		StartISO:    startISO,
		DurationMin: int(lookupInt64(sess, "slots.duration_min")),
		Confirmed:   true,
	}
	if professional := lookupInt64(sess, "slots.professional_id"); professional != 0 {
		request.ProfessionalID = &professional
	}

	result, err := c.booker.CreateAppointment(ctx, request)
	if err != nil {
		return fmt.Errorf("conversation: create appointment: %w", err)
	}
	sess.Assign("appointment_id", result.AppointmentID)
	sess.Assign("booking_status", result.Status)
	return nil
}

func (c *Controller) send(ctx context.Context, phone, text string) {
	if c.messenger == nil || text == "" {
		return
	}
	if err := c.messenger.SendText(ctx, phone, text); err != nil {
		c.logger.Error("outbound reply failed", "phone", logging.MaskPhone(phone), "error", err)
	}
}

func (c *Controller) acquireRemoteLock(ctx context.Context, tenant, phone string) func() {
	if c.redis == nil {
		return func() {}
	}
	key := fmt.Sprintf("conv:lock:%s:%s", tenant, phone)
	for attempt := 0; attempt < 5; attempt++ {
		ok, err := c.redis.SetNX(ctx, key, "1", c.config.LockTTL).Result()
		if err != nil {
			// Lock store down: the in-process mutex still serializes us.
			return func() {}
		}
		if ok {
			return func() { c.redis.Del(context.Background(), key) }
		}
		select {
		case <-ctx.Done():
			return func() {}
		case <-time.After(100 * time.Millisecond):
		}
	}
	c.logger.Warn("proceeding without distributed lock",
		"tenant", tenant, "phone", logging.MaskPhone(phone))
	return func() {}
}

// FlushHandler adapts the controller for the buffer flush worker.
func (c *Controller) FlushHandler() buffer.FlushHandler {
	return func(ctx context.Context, tenant, phone, text string) {
		if _, err := c.ProcessAggregated(ctx, tenant, phone, text); err != nil {
			c.logger.Error("flush processing failed", "phone", logging.MaskPhone(phone), "error", err)
		}
	}
}

type mutexEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes work per conversation and prunes entries when the
// last holder releases.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*mutexEntry
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*mutexEntry)
	}
	entry := k.entries[key]
	if entry == nil {
		entry = &mutexEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func lookupVar(sess *Session, path string) any {
	v, _ := sess.Lookup(path)
	return v
}

func lookupString(sess *Session, path string) (string, bool) {
	v, ok := sess.Lookup(path)
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func lookupInt64(sess *Session, path string) int64 {
	v, ok := sess.Lookup(path)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

// suggestionsFromVar tolerates both live []catalog.Suggestion values and
// their JSON round-trip shape after a session reload.
func suggestionsFromVar(v any) []catalog.Suggestion {
	switch t := v.(type) {
	case nil:
		return nil
	case []catalog.Suggestion:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		var out []catalog.Suggestion
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil
		}
		return out
	}
}
