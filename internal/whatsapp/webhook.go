package whatsapp

import (
	"encoding/json"
	"regexp"
	"strings"
)

// InboundMessage is one user message extracted from a webhook delivery.
// Instance is the provider instance name that received it; each tenant runs
// its own instance, so it doubles as the tenant id when present.
type InboundMessage struct {
	Phone      string
	Text       string
	MessageID  string
	SenderName string
	Instance   string
}

// webhookPayload mirrors the Evolution API messages.upsert delivery. The
// provider sends either a single data object or a list under the same event.
type webhookPayload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type webhookEntry struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName string         `json:"pushName"`
	Message  webhookMessage `json:"message"`
}

type webhookMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage *struct {
		Caption string `json:"caption"`
	} `json:"imageMessage"`
	EphemeralMessage *struct {
		Message *webhookMessage `json:"message"`
	} `json:"ephemeralMessage"`
}

var nonDigits = regexp.MustCompile(`\D`)

// ParseWebhook extracts user messages from a raw webhook body. Non-message
// events, messages sent by the business itself, and entries without any text
// variant are skipped.
func ParseWebhook(body []byte) ([]InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Event != "" && payload.Event != "messages.upsert" {
		return nil, nil
	}

	entries, err := decodeEntries(payload.Data)
	if err != nil {
		return nil, err
	}

	var out []InboundMessage
	for _, entry := range entries {
		if entry.Key.FromMe {
			continue
		}
		phone := NormalizePhone(entry.Key.RemoteJID)
		text := strings.TrimSpace(entry.Message.text())
		if phone == "" || text == "" {
			continue
		}
		out = append(out, InboundMessage{
			Phone:      phone,
			Text:       text,
			MessageID:  entry.Key.ID,
			SenderName: entry.PushName,
			Instance:   payload.Instance,
		})
	}
	return out, nil
}

func decodeEntries(raw json.RawMessage) ([]webhookEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []webhookEntry
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one webhookEntry
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []webhookEntry{one}, nil
}

// text concatenates the present text variants in a stable order.
func (m webhookMessage) text() string {
	var parts []string
	if m.Conversation != "" {
		parts = append(parts, m.Conversation)
	}
	if m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "" {
		parts = append(parts, m.ExtendedTextMessage.Text)
	}
	if m.ImageMessage != nil && m.ImageMessage.Caption != "" {
		parts = append(parts, m.ImageMessage.Caption)
	}
	if m.EphemeralMessage != nil && m.EphemeralMessage.Message != nil {
		if inner := m.EphemeralMessage.Message.text(); inner != "" {
			parts = append(parts, inner)
		}
	}
	return strings.Join(parts, " ")
}

// NormalizePhone reduces a JID or formatted number to its E.164 digits.
func NormalizePhone(jid string) string {
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		jid = jid[:at]
	}
	digits := nonDigits.ReplaceAllString(jid, "")
	if len(digits) < 8 {
		return ""
	}
	return digits
}
