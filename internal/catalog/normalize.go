package catalog

import "strings"

// synonyms is the fixed pt-BR synonym map applied after basic normalization.
// Keys and values are already in normalized form.
var synonyms = map[string]string{
	"progressiva": "escova progressiva",
	"luzes":       "mechas/luzes",
	"pe e mao":    "mao e pe",
	"selagem":     "escova progressiva",
	"unha":        "manicure",
	"sobrancelha": "design de sobrancelha",
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ç", "c", "ñ", "n",
)

var separatorReplacer = strings.NewReplacer(
	"/", " ", "-", " ", "_", " ", "•", " ",
)

// Normalize canonicalizes service and category text for storage and search:
// lowercase, accents stripped, synonym map, separators and runs of whitespace
// collapsed to single spaces. The synonym lookup runs before separator
// replacement so that mapped values containing "/" normalize to a fixed point;
// Normalize is idempotent.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = accentReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	if mapped, ok := synonyms[s]; ok {
		s = mapped
	}
	s = separatorReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
