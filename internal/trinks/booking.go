package trinks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrNotConfirmed rejects a booking the conversation never confirmed.
// The provider is not called at all.
var ErrNotConfirmed = errors.New("trinks: booking not confirmed by the conversation")

// BookingRequest describes the appointment to create. Confirmed must be set
// by the state machine; it is the last line of defense against phantom
// bookings.
type BookingRequest struct {
	Tenant         string
	ClientID       int64
	ClientPhone    string
	ServiceID      int64
	ProfessionalID *int64
	StartISO       string
	DurationMin    int
	Value          *float64
	Confirmed      bool
}

// BookingResult is the provider's answer, or the replayed original when the
// same request was already made.
type BookingResult struct {
	AppointmentID int64  `json:"appointment_id"`
	Status        string `json:"status"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// IdempotencyKey derives the stable key for a booking request. The same
// client, service, start and professional always hash to the same key, so
// webhook replays cannot double-book.
func IdempotencyKey(req BookingRequest) string {
	professional := "any"
	if req.ProfessionalID != nil {
		professional = strconv.FormatInt(*req.ProfessionalID, 10)
	}
	payload := fmt.Sprintf("%d|%d|%s|%s", req.ClientID, req.ServiceID, req.StartISO, professional)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

type appointmentResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// CreateAppointment books the slot. Every attempt leaves an audit row keyed
// by the idempotency key; a repeated request returns the original outcome
// without a second provider call.
func (c *Client) CreateAppointment(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	ctx, span := c.tracer.Start(ctx, "trinks.create_appointment")
	defer span.End()

	if !req.Confirmed {
		return nil, ErrNotConfirmed
	}

	key := IdempotencyKey(req)
	if c.audit != nil {
		prior, err := c.audit.Find(ctx, key)
		if err != nil {
			return nil, err
		}
		if prior != nil && prior.Status == auditStatusSuccess {
			return &BookingResult{AppointmentID: prior.AppointmentID, Status: "agendado", Duplicate: true}, nil
		}
	}

	body := map[string]any{
		"clienteId":        req.ClientID,
		"servicoId":        req.ServiceID,
		"dataHoraInicio":   req.StartISO,
		"duracaoEmMinutos": req.DurationMin,
		"confirmado":       true,
	}
	if req.ProfessionalID != nil {
		body["profissionalId"] = *req.ProfessionalID
	}
	if req.Value != nil {
		body["valor"] = *req.Value
	}
	requestPayload, _ := json.Marshal(body)

	record := AuditRecord{
		Tenant:         req.Tenant,
		IdempotencyKey: key,
		Phone:          req.ClientPhone,
		ServiceID:      req.ServiceID,
		ClientID:       req.ClientID,
		StartISO:       req.StartISO,
		RequestPayload: string(requestPayload),
	}
	if req.ProfessionalID != nil {
		record.ProfessionalID = *req.ProfessionalID
	}

	var response appointmentResponse
	err := c.breaker.Call(func() error {
		return c.do(ctx, "create_appointment", http.MethodPost, "/agendamentos", nil, body, &response)
	})
	if err != nil {
		span.RecordError(err)
		if c.audit != nil {
			record.Status = auditStatusError
			record.Error = err.Error()
			if auditErr := c.audit.Record(ctx, record); auditErr != nil {
				c.logger.Warn("booking audit write failed", "error", auditErr)
			}
		}
		return nil, err
	}

	result := &BookingResult{AppointmentID: response.ID, Status: response.Status}
	if c.audit != nil {
		record.Status = auditStatusSuccess
		record.AppointmentID = response.ID
		responsePayload, _ := json.Marshal(response)
		record.ResponsePayload = string(responsePayload)
		inserted, auditErr := c.audit.RecordSuccess(ctx, record)
		if auditErr != nil {
			c.logger.Warn("booking audit write failed", "error", auditErr)
		} else if !inserted {
			// A concurrent replay won the insert race; surface its result.
			if prior, err := c.audit.Find(ctx, key); err == nil && prior != nil {
				result = &BookingResult{AppointmentID: prior.AppointmentID, Status: "agendado", Duplicate: true}
			}
		}
	}
	return result, nil
}
