package upsell

import (
	"context"
	"regexp"

	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/conversation"
	"github.com/atendezap/atendezap/pkg/logging"
)

var (
	declinePattern = regexp.MustCompile(`(?i)\b(n[aã]o|talvez depois|agora n[aã]o)\b`)
	acceptPattern  = regexp.MustCompile(`(?i)(^\s*1\s*$|\b(sim|quero|aceito|adicionar|pode sim)\b)`)
)

// Intercept implements conversation.UpsellHook. When the last thing this
// conversation saw was an offer, the reply is interpreted as accept or
// decline before the state machine runs; anything else passes through.
func (s *Scheduler) Intercept(ctx context.Context, sess *conversation.Session, text string) (bool, error) {
	if s == nil || !s.cfg.Enabled || sess == nil {
		return false, nil
	}
	state, err := s.store.State(ctx, sess.ID)
	if err != nil {
		s.logger.Warn("upsell state unavailable, passing message through", "error", err)
		return false, nil
	}
	if state == nil || !state.HasShown || state.LastEvent != EventShown {
		return false, nil
	}

	req := OfferRequest{
		Tenant:           sess.Tenant,
		ConversationID:   sess.ID,
		Phone:            sess.Phone,
		AppointmentID:    lookupInt64(sess, "appointment_id"),
		PrimaryServiceID: lookupInt64(sess, "slots.service_id"),
	}

	switch {
	case declinePattern.MatchString(text):
		s.send(ctx, sess.Phone, replyDeclined)
		s.record(ctx, req, Event{Event: EventDeclined, AddonID: state.LastAddonID})
		return true, nil
	case acceptPattern.MatchString(text):
		return true, s.accept(ctx, req, state)
	}
	return false, nil
}

func (s *Scheduler) accept(ctx context.Context, req OfferRequest, state *ConversationState) error {
	addon := s.acceptedAddon(ctx, req, state)

	var appendErr error
	if req.AppointmentID != 0 && state.LastAddonID != nil && s.provider != nil {
		appendErr = s.provider.AppendServiceToAppointment(ctx, req.AppointmentID, *state.LastAddonID)
	}

	// The acceptance is recorded either way; when the provider call did not
	// land synchronously the reply promises a follow-up instead.
	reply := renderAddon(replyConfirmAdded, addon)
	ev := Event{Event: EventAccepted, AddonID: state.LastAddonID, AddonPrice: addonPrice(addon)}
	if appendErr != nil {
		s.logger.Warn("addon append deferred",
			"phone", logging.MaskPhone(req.Phone),
			"appointment_id", req.AppointmentID,
			"error", appendErr)
		reply = renderAddon(replyAddedPending, addon)
		ev.ErrorMessage = appendErr.Error()
	}
	s.send(ctx, req.Phone, reply)
	s.record(ctx, req, ev)
	return nil
}

// acceptedAddon recovers the offered add-on for the confirmation text. The
// ledger only stores the id, so the name comes from a fresh recommendation.
func (s *Scheduler) acceptedAddon(ctx context.Context, req OfferRequest, state *ConversationState) *catalog.Addon {
	if state.LastAddonID == nil {
		return nil
	}
	if req.PrimaryServiceID != 0 {
		addon, err := s.catalog.RecommendedAddon(ctx, req.Tenant, req.PrimaryServiceID)
		if err == nil && addon != nil && addon.ServiceID == *state.LastAddonID {
			return addon
		}
	}
	return &catalog.Addon{ServiceID: *state.LastAddonID, Name: "o serviço extra"}
}

func addonPrice(addon *catalog.Addon) *float64 {
	if addon == nil {
		return nil
	}
	return addon.Price
}

func (s *Scheduler) send(ctx context.Context, phone, text string) {
	if s.messenger == nil {
		return
	}
	if err := s.messenger.SendText(ctx, phone, text); err != nil {
		s.logger.Error("upsell reply not sent", "phone", logging.MaskPhone(phone), "error", err)
	}
}
