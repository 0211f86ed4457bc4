package trinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/pkg/logging"
)

const dependencyName = "trinks"

// Config carries the provider credentials and endpoint.
type Config struct {
	BaseURL         string
	APIKey          string
	EstablishmentID string
	Timeout         time.Duration
}

// Validation is the availability check outcome.
type Validation struct {
	OK             bool     `json:"ok"`
	Reason         string   `json:"reason,omitempty"`
	Confidence     string   `json:"confidence,omitempty"`
	SuggestedTimes []string `json:"suggested_times,omitempty"`
}

// ClientRecord is a provider-side customer.
type ClientRecord struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Client talks to the Trinks booking API. Every call is breaker-wrapped;
// read paths retry transient failures, write paths never do.
type Client struct {
	config  Config
	http    *http.Client
	breaker *security.Breaker
	audit   *AuditStore
	logger  *logging.Logger
	metrics *metrics.ProviderMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewClient builds a provider client. audit may be nil when booking writes
// are not needed (catalog sync only).
func NewClient(config Config, breaker *security.Breaker, audit *AuditStore, logger *logging.Logger, m *metrics.ProviderMetrics) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if breaker == nil {
		breaker = security.NewBreaker(dependencyName, security.DefaultBreakerConfig())
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		breaker: breaker,
		audit:   audit,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("atendezap.internal.trinks"),
		now:     time.Now,
	}
}

// Breaker exposes the circuit for health reporting.
func (c *Client) Breaker() *security.Breaker { return c.breaker }

type servicesPageResponse struct {
	Data []struct {
		ID             int64    `json:"id"`
		ProfessionalID int64    `json:"profissionalId"`
		Name           string   `json:"nome"`
		Category       string   `json:"categoria"`
		DurationMin    int      `json:"duracaoEmMinutos"`
		Price          *float64 `json:"preco"`
		Visible        bool     `json:"visivelParaCliente"`
		Active         bool     `json:"ativo"`
		UpdatedAt      string   `json:"atualizadoEm"`
	} `json:"data"`
	HasMore  bool `json:"temMaisPaginas"`
	NextPage int  `json:"proximaPagina"`
}

// GetServicesPage pulls one page of the service catalog, optionally filtered
// to items updated since the given watermark.
func (c *Client) GetServicesPage(ctx context.Context, updatedSince time.Time, page, limit int) (*catalog.ServicesPage, error) {
	ctx, span := c.tracer.Start(ctx, "trinks.get_services_page")
	defer span.End()

	query := url.Values{}
	query.Set("pagina", strconv.Itoa(page))
	query.Set("limite", strconv.Itoa(limit))
	if !updatedSince.IsZero() && updatedSince.Unix() > 0 {
		query.Set("atualizadoDesde", updatedSince.UTC().Format(time.RFC3339))
	}

	var response servicesPageResponse
	if err := c.getWithRetry(ctx, "get_services_page", "/servicos", query, &response); err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := &catalog.ServicesPage{HasMore: response.HasMore, NextPage: response.NextPage}
	for _, item := range response.Data {
		updatedAt, err := time.Parse(time.RFC3339, item.UpdatedAt)
		if err != nil {
			c.logger.Warn("skipping service with malformed timestamp",
				"service_id", item.ID, "updated_at", item.UpdatedAt)
			continue
		}
		out.Items = append(out.Items, catalog.ProviderService{
			ServiceID:      item.ID,
			ProfessionalID: item.ProfessionalID,
			Name:           item.Name,
			Category:       item.Category,
			DurationMin:    item.DurationMin,
			Price:          item.Price,
			Visible:        item.Visible,
			Active:         item.Active,
			UpdatedAt:      updatedAt,
		})
	}
	return out, nil
}

type availabilityResponse struct {
	Available      bool     `json:"disponivel"`
	Reason         string   `json:"motivo"`
	SuggestedTimes []string `json:"horariosSugeridos"`
}

// ValidateAvailability checks whether the slot can be booked. A start in the
// past is rejected locally. When the circuit is open the provider cannot be
// asked, so the answer is a permissive ok with categorical confidence; the
// booking then proceeds to manual confirmation instead of blocking the user.
func (c *Client) ValidateAvailability(ctx context.Context, serviceID int64, professionalID *int64, startISO string) (*Validation, error) {
	ctx, span := c.tracer.Start(ctx, "trinks.validate_availability")
	defer span.End()

	start, err := time.Parse(time.RFC3339, startISO)
	if err != nil {
		return &Validation{OK: false, Reason: "invalid_start"}, nil
	}
	if start.Before(c.now()) {
		return &Validation{OK: false, Reason: "past"}, nil
	}

	if err := c.breaker.Allow(); err != nil {
		c.logger.Warn("availability check skipped, circuit open", "service_id", serviceID)
		return &Validation{OK: true, Confidence: "categorical"}, nil
	}

	query := url.Values{}
	query.Set("servicoId", strconv.FormatInt(serviceID, 10))
	query.Set("inicio", start.Format(time.RFC3339))
	if professionalID != nil {
		query.Set("profissionalId", strconv.FormatInt(*professionalID, 10))
	}

	var response availabilityResponse
	err = c.do(ctx, "validate_availability", http.MethodGet, "/agendamentos/disponibilidade", query, nil, &response)
	c.breaker.Record(err)
	if err != nil {
		span.RecordError(err)
		// Transient provider trouble must not strand the user. A 4xx is the
		// provider answering, not an outage, and surfaces as an error.
		if isTransient(err) {
			return &Validation{OK: true, Confidence: "categorical"}, nil
		}
		return nil, err
	}

	if !response.Available {
		reason := response.Reason
		if reason == "" {
			reason = "unavailable"
		}
		return &Validation{OK: false, Reason: reason, SuggestedTimes: response.SuggestedTimes}, nil
	}
	return &Validation{OK: true, Confidence: "confirmed"}, nil
}

type clientSearchResponse struct {
	Data []struct {
		ID    int64  `json:"id"`
		Name  string `json:"nome"`
		Phone string `json:"telefone"`
	} `json:"data"`
}

// FindClientByPhone looks a customer up by phone. Returns nil when unknown.
func (c *Client) FindClientByPhone(ctx context.Context, phone string) (*ClientRecord, error) {
	ctx, span := c.tracer.Start(ctx, "trinks.find_client")
	defer span.End()

	query := url.Values{}
	query.Set("telefone", phone)

	var response clientSearchResponse
	if err := c.getWithRetry(ctx, "find_client", "/clientes", query, &response); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, nil
	}
	first := response.Data[0]
	return &ClientRecord{ID: first.ID, Name: first.Name, Phone: first.Phone}, nil
}

// AppendServiceToAppointment adds an add-on service to an existing booking.
func (c *Client) AppendServiceToAppointment(ctx context.Context, appointmentID, serviceID int64) error {
	ctx, span := c.tracer.Start(ctx, "trinks.append_service")
	defer span.End()

	body := map[string]any{"servicoId": serviceID}
	path := fmt.Sprintf("/agendamentos/%d/servicos", appointmentID)

	err := c.breaker.Call(func() error {
		return c.do(ctx, "append_service", http.MethodPost, path, nil, body, nil)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// getWithRetry performs an idempotent GET with up to two retries on
// transient failures, under the breaker.
func (c *Client) getWithRetry(ctx context.Context, operation, path string, query url.Values, out any) error {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.breaker.Call(func() error {
			return c.do(ctx, operation, http.MethodGet, path, query, nil, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, security.ErrBreakerOpen) || !isTransient(err) {
			return err
		}
	}
	return lastErr
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("trinks: provider returned %d: %s", e.status, e.body)
}

func isTransient(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests
	}
	// Network-level failures are worth one more try.
	return true
}

func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	start := time.Now()
	err := c.doOnce(ctx, method, path, query, body, out)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.ObserveCall(dependencyName, operation, status, time.Since(start).Seconds())
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.config.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("trinks: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("trinks: build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.config.APIKey)
	req.Header.Set("estabelecimentoId", c.config.EstablishmentID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trinks: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("trinks: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("trinks: decode response: %w", err)
		}
	}
	return nil
}
