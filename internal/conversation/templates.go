package conversation

import (
	"fmt"
	"strings"

	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/flow"
)

// Template names emitted by the conversation graph.
const (
	TemplateMenuWelcome        = "menu_welcome"
	TemplateInvalidOption      = "invalid_option"
	TemplateConfirmIntent      = "confirm_intent"
	TemplateClarifyService     = "clarify_service"
	TemplateValidationFailed   = "validation_failed"
	TemplateHumanHandoffActive = "human_handoff_active"
	TemplateInfoResponse       = "info_response"
	TemplateBookingConfirmed   = "booking_confirmed"
	TemplateApology            = "apology"
)

// replyTemplates is the pt-BR reply set. Placeholders resolve against the
// session vars; missing values render as empty strings.
var replyTemplates = map[string]string{
	TemplateMenuWelcome: "Olá! 👋 Eu sou a assistente virtual do salão.\n\n" +
		"1 - Agendar um horário\n" +
		"2 - Informações sobre o salão\n\n" +
		"Responda com *1* para Agendar ou *2* para Informações.",

	TemplateInvalidOption: "Desculpe, não entendi. 😅\n" +
		"Responda com *1* para Agendar ou *2* para Informações.",

	TemplateConfirmIntent: "Você gostaria de agendar um horário? 💇\n" +
		"Responda *1* para confirmar o agendamento ou *2* para outras informações.",

	TemplateClarifyService: "Para agendar, preciso saber qual serviço específico você deseja. 😊{{options_block}}",

	TemplateValidationFailed: "Esse horário não está disponível para {{slots.service_name}}. 😕 Vamos tentar outra opção?",

	TemplateHumanHandoffActive: "Um atendente humano está cuidando desta conversa. " +
		"Aguarde um instante, por favor. 🙏",

	TemplateInfoResponse: "Funcionamos de terça a sábado, das 9h às 19h. 💈\n" +
		"Aceitamos cartão, Pix e dinheiro.\n" +
		"Para agendar um horário, é só me mandar uma mensagem!",

	TemplateBookingConfirmed: "Perfeito! Anotei seu agendamento de {{slots.service_name}}. ✅\n" +
		"Qualquer coisa é só chamar. Até lá!",

	TemplateApology: "Desculpe, tive um problema técnico agora. 🙈 " +
		"Pode tentar de novo em alguns instantes?",
}

// RenderTemplate resolves a named template against the scope.
func RenderTemplate(name string, scope flow.Scope) (string, error) {
	tmpl, ok := replyTemplates[name]
	if !ok {
		return "", fmt.Errorf("conversation: unknown template %q", name)
	}
	out, _ := flow.ResolveValue(scope, tmpl).(string)
	return out, nil
}

// OptionsBlock renders the numbered suggestion list appended to
// clarify_service replies, and the same list drives option_N slot picks on
// the next message.
func OptionsBlock(suggestions []catalog.Suggestion) string {
	if len(suggestions) == 0 {
		return "\n\nMe diga, por exemplo: \"corte de cabelo\" ou \"manicure\"."
	}
	var b strings.Builder
	b.WriteString("\n\nEstas são as opções mais pedidas:\n")
	for i, s := range suggestions {
		b.WriteString(fmt.Sprintf("%d) %s", i+1, s.Name))
		if s.Price != nil {
			b.WriteString(fmt.Sprintf(" - R$ %.2f", *s.Price))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nResponda com o número da opção desejada.")
	return b.String()
}
