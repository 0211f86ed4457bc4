package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atendezap/atendezap/internal/buffer"
	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/flow"
	"github.com/atendezap/atendezap/internal/nlp"
	"github.com/atendezap/atendezap/internal/tenancy"
	"github.com/atendezap/atendezap/internal/trinks"
)

const (
	testTenant = "salao-1"
	testPhone  = "5571999990001"
)

type fixture struct {
	t          *testing.T
	controller *Controller
	handoff    *HandoffStore
	sessions   *SessionStore
	mr         *miniredis.Miniredis

	mu          sync.Mutex
	sent        []string
	booked      []trinks.BookingRequest
	bookErr     error
	validOK     bool
	generic     map[string]bool
	confirmed   int
	intercept   func(text string) bool
	toolTenants []string
}

func (f *fixture) SendText(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fixture) FindClientByPhone(context.Context, string) (*trinks.ClientRecord, error) {
	return &trinks.ClientRecord{ID: 77, Name: "Maria"}, nil
}

func (f *fixture) CreateAppointment(_ context.Context, req trinks.BookingRequest) (*trinks.BookingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	f.booked = append(f.booked, req)
	return &trinks.BookingResult{AppointmentID: 555, Status: "agendado"}, nil
}

func (f *fixture) OnBookingConfirmed(context.Context, *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed++
	return nil
}

func (f *fixture) Intercept(_ context.Context, _ *Session, text string) (bool, error) {
	if f.intercept == nil {
		return false, nil
	}
	return f.intercept(text), nil
}

func (f *fixture) search(term string) []catalog.Suggestion {
	price := func(v float64) *float64 { return &v }
	norm := catalog.Normalize(term)
	switch {
	case strings.Contains(norm, "corte"):
		return []catalog.Suggestion{
			{ServiceID: 1, Name: "Corte de Cabelo", Category: "cabelo", DurationMin: 45, Price: price(80)},
		}
	case strings.Contains(norm, "cabelo"):
		return []catalog.Suggestion{
			{ServiceID: 1, Name: "Corte Feminino", Category: "cabelo", DurationMin: 45, Price: price(80)},
			{ServiceID: 2, Name: "Escova", Category: "cabelo", DurationMin: 40, Price: price(60)},
			{ServiceID: 3, Name: "Hidratação", Category: "cabelo", DurationMin: 50, Price: price(90)},
		}
	case strings.Contains(norm, "beleza"):
		return []catalog.Suggestion{
			{ServiceID: 8, Name: "Manicure", Category: "beleza", DurationMin: 40, Price: price(40)},
			{ServiceID: 9, Name: "Pedicure", Category: "beleza", DurationMin: 40, Price: price(45)},
		}
	}
	return nil
}

func (f *fixture) SearchSuggestions(_ context.Context, _ string, term string, limit int) ([]catalog.Suggestion, error) {
	out := f.search(term)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fixture) IsCategoryGeneric(_ context.Context, _ string, term string) (bool, error) {
	return f.generic[catalog.Normalize(term)], nil
}

func newFixture(t *testing.T, buf *buffer.Buffer) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		validOK: true,
		generic: map[string]bool{"cabelo": true, "beleza": true},
	}

	f.mr = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f.sessions = NewSessionStore(client, nil, 2*time.Hour, nil)
	f.handoff = NewHandoffStore(client, time.Hour, nil)

	graph, err := flow.DefaultGraph()
	require.NoError(t, err)

	tools := flow.NewRegistry()
	tools.Register(flow.ToolSearchTopServices, func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		f.mu.Lock()
		f.toolTenants = append(f.toolTenants, tenancy.TenantOrDefault(ctx, ""))
		f.mu.Unlock()
		return f.search(query), nil
	})
	tools.Register(flow.ToolValidateAvailability, func(context.Context, map[string]any) (any, error) {
		return map[string]any{"ok": f.validOK}, nil
	})

	hooks := flow.Hooks{
		CheckOverride: func(ctx context.Context, scope flow.Scope) (bool, error) {
			tenant, _ := scope.Lookup("tenant")
			phone, _ := scope.Lookup("phone")
			ts, _ := tenant.(string)
			ps, _ := phone.(string)
			return f.handoff.Active(ctx, ts, ps), nil
		},
		Predicates: map[string]flow.PredicateFunc{
			"nlp.is_ambiguous": func(_ context.Context, v any) (bool, error) {
				s, _ := v.(string)
				return nlp.IsAmbiguousPhrase(s), nil
			},
		},
	}

	engine, err := flow.NewEngine(graph, tools, hooks, nil, nil)
	require.NoError(t, err)

	f.controller, err = NewController(Config{
		TenantDefault: testTenant,
		SessionTTL:    2 * time.Hour,
	}, Deps{
		Engine:     engine,
		Analyzer:   nlp.NewAnalyzer(nlp.PatternGroups{}),
		Classifier: nlp.NewClassifier(f),
		Buffer:     buf,
		Sessions:   f.sessions,
		Handoff:    f.handoff,
		Messenger:  f,
		Booker:     f,
		Upsell:     f,
		Redis:      client,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) process(text string) *Response {
	f.t.Helper()
	resp, err := f.controller.ProcessMessage(context.Background(), testTenant, testPhone, text, UserInfo{Name: "Maria"})
	require.NoError(f.t, err)
	return resp
}

func (f *fixture) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func TestMenuThenSchedulingThenDisambiguation(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.process("Oi")
	assert.Equal(t, flow.StateMenuWaiting, resp.State)
	for _, want := range []string{"1", "Agendar", "2", "Informações"} {
		assert.Contains(t, resp.Reply, want)
	}

	resp = f.process("1")
	assert.Equal(t, flow.StateValidateBeforeConfirm, resp.State)
	assert.Contains(t, resp.Reply, "serviço")

	resp = f.process("cabelo")
	assert.Equal(t, flow.StateValidateBeforeConfirm, resp.State)
	assert.Contains(t, resp.Reply, "1)")
	assert.Contains(t, resp.Reply, "2)")
	assert.Contains(t, resp.Reply, "Corte")

	resp = f.process("1")
	assert.Equal(t, flow.StateSchedulingConfirmed, resp.State)
	assert.Contains(t, resp.Reply, "Anotei")
	assert.Contains(t, resp.Reply, "Corte")

	require.Len(t, f.booked, 1)
	assert.Equal(t, int64(1), f.booked[0].ServiceID)
	assert.Equal(t, int64(77), f.booked[0].ClientID)
	assert.True(t, f.booked[0].Confirmed)
	assert.Equal(t, 1, f.confirmed)
}

func TestSearchToolSeesConversationTenant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// The controller's default tenant is salao-1; this conversation belongs
	// to another tenant and every catalog lookup must follow it.
	for _, text := range []string{"Oi", "1", "cabelo"} {
		_, err := f.controller.ProcessMessage(ctx, "salao-2", testPhone, text, UserInfo{})
		require.NoError(t, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.toolTenants)
	for _, tenant := range f.toolTenants {
		assert.Equal(t, "salao-2", tenant)
	}
}

func TestCategoryAloneDoesNotBook(t *testing.T) {
	f := newFixture(t, nil)

	f.process("Oi")
	f.process("1")
	resp := f.process("beleza")

	assert.Equal(t, flow.StateValidateBeforeConfirm, resp.State)
	assert.Contains(t, resp.Reply, "específico")
	assert.Empty(t, f.booked)
}

func TestAmbiguousIntentAsksConfirmation(t *testing.T) {
	f := newFixture(t, nil)

	f.process("Oi")
	resp := f.process("agenda")
	assert.Equal(t, flow.StateConfirmIntent, resp.State)
	assert.Contains(t, resp.Reply, "confirmar")

	resp = f.process("1")
	assert.Equal(t, flow.StateValidateBeforeConfirm, resp.State)
}

func TestConfirmIntentOptionTwoGoesToInfo(t *testing.T) {
	f := newFixture(t, nil)

	f.process("Oi")
	f.process("agenda")
	resp := f.process("2")
	assert.Equal(t, flow.StateInfoRouting, resp.State)
	assert.Contains(t, resp.Reply, "Funcionamos")
}

func TestExplicitServiceBooksDirectly(t *testing.T) {
	f := newFixture(t, nil)

	f.process("Oi")
	f.process("1")
	resp := f.process("corte de cabelo")

	assert.Equal(t, flow.StateSchedulingConfirmed, resp.State)
	assert.Contains(t, resp.Reply, "Anotei")
	require.Len(t, f.booked, 1)
	assert.NotEmpty(t, f.booked[0].StartISO)
}

func TestValidationFailureOffersAlternatives(t *testing.T) {
	f := newFixture(t, nil)
	f.validOK = false

	f.process("Oi")
	f.process("1")
	resp := f.process("corte de cabelo")

	assert.Equal(t, flow.StateValidateBeforeConfirm, resp.State)
	assert.Contains(t, resp.Reply, "não está disponível")
	assert.Empty(t, f.booked)
}

func TestHandoffFreezesStateMachine(t *testing.T) {
	f := newFixture(t, nil)

	f.process("Oi")
	require.NoError(t, f.handoff.Set(context.Background(), testTenant, testPhone))

	resp := f.process("1")
	assert.Equal(t, ActionTransferHuman, resp.Action)
	assert.Contains(t, resp.Reply, "atendente")

	// State did not advance while frozen.
	sess, err := f.sessions.Load(context.Background(), testTenant, testPhone)
	require.NoError(t, err)
	assert.Equal(t, flow.StateMenuWaiting, sess.State)

	// Clearing the flag resumes from the persisted state.
	require.NoError(t, f.handoff.Clear(context.Background(), testTenant, testPhone))
	resp = f.process("1")
	assert.Equal(t, flow.StateValidateBeforeConfirm, resp.State)
}

func TestCorruptSessionResetsFresh(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.mr.Set("conv:"+testTenant+":"+testPhone, "{not json"))

	resp := f.process("Oi")
	assert.Equal(t, flow.StateMenuWaiting, resp.State)
	assert.Contains(t, resp.Reply, "Agendar")
}

func TestBookingFailureApologizesAndResets(t *testing.T) {
	f := newFixture(t, nil)
	f.bookErr = errors.New("provider down")

	f.process("Oi")
	f.process("1")
	resp := f.process("corte de cabelo")

	assert.Equal(t, ActionError, resp.Action)
	assert.Equal(t, flow.StateStart, resp.State)
	assert.Contains(t, resp.Reply, "Desculpe")

	sess, err := f.sessions.Load(context.Background(), testTenant, testPhone)
	require.NoError(t, err)
	assert.Equal(t, flow.StateStart, sess.State)
}

func TestUpsellInterceptShortCircuits(t *testing.T) {
	f := newFixture(t, nil)
	f.process("Oi")

	f.intercept = func(text string) bool { return text == "sim" }
	resp := f.process("sim")
	assert.Equal(t, ActionUpsell, resp.Action)

	f.intercept = nil
}

func TestBufferedFragmentsYieldSingleReply(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	buf := buffer.NewBuffer(client, buffer.Config{Window: 30 * time.Second, MaxMessages: 2}, nil, nil)

	f := newFixture(t, buf)

	resp := f.process("Quero agendar um")
	assert.Equal(t, ActionBuffered, resp.Action)
	assert.Empty(t, f.sent)

	resp = f.process("corte de cabelo")
	assert.NotEqual(t, ActionBuffered, resp.Action)
	require.Len(t, f.sent, 1)
	assert.Contains(t, f.lastSent(), "Agendar")
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t, nil)

	f.process("Oi")
	for i := 0; i < 30; i++ {
		f.process("xyz")
	}

	sess, err := f.sessions.Load(context.Background(), testTenant, testPhone)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sess.History), 20)
}
