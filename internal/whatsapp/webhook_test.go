package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhookSingleMessage(t *testing.T) {
	body := []byte(`{
		"event": "messages.upsert",
		"instance": "salao",
		"data": {
			"key": {"remoteJid": "5571999990001@s.whatsapp.net", "fromMe": false, "id": "MSG-1"},
			"pushName": "Maria",
			"message": {"conversation": "Oi, quero agendar"}
		}
	}`)

	msgs, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "5571999990001", msgs[0].Phone)
	assert.Equal(t, "Oi, quero agendar", msgs[0].Text)
	assert.Equal(t, "MSG-1", msgs[0].MessageID)
	assert.Equal(t, "Maria", msgs[0].SenderName)
}

func TestParseWebhookConcatenatesTextVariants(t *testing.T) {
	body := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5571999990001@s.whatsapp.net", "id": "MSG-2"},
			"message": {
				"conversation": "quero",
				"extendedTextMessage": {"text": "agendar corte"}
			}
		}
	}`)

	msgs, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "quero agendar corte", msgs[0].Text)
}

func TestParseWebhookListAndSkips(t *testing.T) {
	body := []byte(`{
		"event": "messages.upsert",
		"data": [
			{"key": {"remoteJid": "5571999990001@s.whatsapp.net", "fromMe": true, "id": "A"},
			 "message": {"conversation": "resposta do bot"}},
			{"key": {"remoteJid": "5571999990002@s.whatsapp.net", "id": "B"},
			 "message": {}},
			{"key": {"remoteJid": "5571999990003@s.whatsapp.net", "id": "C"},
			 "message": {"ephemeralMessage": {"message": {"conversation": "oi"}}}}
		]
	}`)

	msgs, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "5571999990003", msgs[0].Phone)
	assert.Equal(t, "oi", msgs[0].Text)
}

func TestParseWebhookIgnoresOtherEvents(t *testing.T) {
	msgs, err := ParseWebhook([]byte(`{"event": "connection.update", "data": {}}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "5571999990001", NormalizePhone("5571999990001@s.whatsapp.net"))
	assert.Equal(t, "5571999990001", NormalizePhone("+55 (71) 99999-0001"))
	assert.Equal(t, "", NormalizePhone("12345"))
}
