package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/pkg/logging"
)

const dependencyName = "evolution"

// Messenger sends one text message to a phone. Implemented by Client and by
// test fakes in the packages that reply to users.
type Messenger interface {
	SendText(ctx context.Context, phone, text string) error
}

// Config carries the Evolution API endpoint and credentials.
type Config struct {
	BaseURL    string
	APIKey     string
	Instance   string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Client delivers outbound WhatsApp messages through an Evolution API
// instance. Sends retry transient failures with exponential backoff under a
// circuit breaker.
type Client struct {
	config  Config
	http    *http.Client
	breaker *security.Breaker
	logger  *logging.Logger
	metrics *metrics.ConversationMetrics
	tracer  trace.Tracer
	sleep   func(time.Duration)
}

// NewClient builds an outbound client.
func NewClient(config Config, breaker *security.Breaker, logger *logging.Logger, m *metrics.ConversationMetrics) *Client {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
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
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("atendezap.internal.whatsapp"),
		sleep:   time.Sleep,
	}
}

// Breaker exposes the circuit for health reporting.
func (c *Client) Breaker() *security.Breaker { return c.breaker }

// SendText delivers a text message, retrying transient failures.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	ctx, span := c.tracer.Start(ctx, "whatsapp.send_text")
	defer span.End()

	if text == "" {
		return nil
	}

	var lastErr error
	delay := c.config.RetryDelay
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		err := c.breaker.Call(func() error {
			return c.send(ctx, phone, text)
		})
		if err == nil {
			c.metrics.ObserveOutbound("ok")
			return nil
		}
		lastErr = err
		if errors.Is(err, security.ErrBreakerOpen) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("outbound send failed",
			"attempt", attempt,
			"phone", logging.MaskPhone(phone),
			"error", err,
		)
		if attempt < c.config.MaxRetries {
			c.sleep(delay)
			delay *= 2
		}
	}

	c.metrics.ObserveOutbound("error")
	span.RecordError(lastErr)
	return fmt.Errorf("whatsapp: send to %s: %w", logging.MaskPhone(phone), lastErr)
}

func (c *Client) send(ctx context.Context, phone, text string) error {
	payload, err := json.Marshal(map[string]any{
		"number": phone,
		"text":   text,
	})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message/sendText/%s", c.config.BaseURL, c.config.Instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.config.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp: provider returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
