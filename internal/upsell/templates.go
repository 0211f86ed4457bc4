package upsell

import (
	"fmt"

	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/flow"
)

// Offer copy under test. Both variants carry the same addon placeholders so
// conversion differences come from the wording alone.
const (
	offerCopyA = "Aproveitando! 😉 Que tal adicionar {{addon.nome}} ao seu horário? " +
		"São só {{addon.duracao}} a mais, por {{addon.preco}}.\n" +
		"Responda *1* ou *sim* para eu já incluir."

	offerCopyB = "Nossas clientes adoram combinar esse serviço com {{addon.nome}} " +
		"({{addon.duracao}}, {{addon.preco}}). ✨\n" +
		"Quer que eu inclua no mesmo horário? Responda *1* ou *sim*."

	replyConfirmAdded = "Prontinho! Adicionei {{addon.nome}} ao seu agendamento. ✅"

	replyAddedPending = "Combinado! Vou incluir {{addon.nome}} no seu agendamento " +
		"e te confirmo em instantes. 🙏"

	replyDeclined = "Sem problemas! 😊 Seu agendamento segue confirmado. Até lá!"
)

// RenderOffer renders one copy variant for the add-on.
func RenderOffer(copyVariant string, addon *catalog.Addon) string {
	tmpl := offerCopyA
	if copyVariant == CopyB {
		tmpl = offerCopyB
	}
	return renderAddon(tmpl, addon)
}

func renderAddon(tmpl string, addon *catalog.Addon) string {
	scope := flow.MapScope{}
	if addon != nil {
		scope.Assign("addon.nome", addon.Name)
		scope.Assign("addon.duracao", fmt.Sprintf("%d min", addon.DurationMin))
		if addon.Price != nil {
			scope.Assign("addon.preco", fmt.Sprintf("R$ %.2f", *addon.Price))
		} else {
			scope.Assign("addon.preco", "valor a combinar")
		}
	}
	out, _ := flow.ResolveValue(scope, tmpl).(string)
	return out
}
