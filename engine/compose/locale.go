package compose

import "strings"

// Supported language tags. English is the fallback for any missing key
// or unknown tag.
var supportedTags = []string{
	"en", "de", "sv", "fr", "es", "it", "pt", "nl", "pl", "cs", "fi", "no",
}

// messages holds per-locale templates. Locales may be partial; lookup
// falls back to English.
var messages = map[string]map[string]string{
	"en": {
		"greeting":            "Welcome to the welding equipment configurator. Tell me what you need and we will start with a power source.",
		"session_expired":     "Your previous session expired, so we are starting fresh. Tell me what you need and we will start with a power source.",
		"prompt_for":          "Let's pick a %s. You can tell me about: %s. Or name a product directly, or say 'skip'.",
		"prompt_for_ps":       "Let's pick a power source. You can tell me about: %s. Or name a product directly.",
		"options_many":        "I found %d %s options:\n%s\nPick a number, refine your requirements, or say 'skip'.",
		"options_many_fb":     "Nothing matched your requirements exactly, so here are %d compatible %s options:\n%s\nPick a number, refine your requirements, or say 'skip'.",
		"options_one":         "I found one matching %s: %s (%s). Shall I add it?",
		"options_none":        "I could not find a matching %s. Try different requirements, name a product, or say 'skip'.",
		"options_none_ps":     "I could not find a matching power source. Try different requirements or name a product.",
		"confirm":             "Added %s (%s) as your %s.",
		"skip_rejected":       "A power source is required and cannot be skipped. Tell me about the power you need, for example '500 A for MIG welding'.",
		"skip_confirmed":      "Skipping %s.",
		"not_applicable":      "The selected power source does not use: %s. Those steps are marked not applicable.",
		"threshold_not_met":   "The configuration has %d selected component(s) but needs at least %d to finalize. Keep going before confirming.",
		"extraction_fallback": "Sorry, I could not work out the details from that. Could you restate your requirements?",
		"unavailable":         "The catalogue is momentarily unavailable. Please try again in a moment.",
		"error_generic":       "Something went wrong on our side. Nothing was changed; please try again.",
		"accessories_more":    "Would you like another accessory? Select from the options, describe one, or say 'done' to finalize.",
		"finalize_prompt":     "Here is your configuration. Say 'confirm' to complete it, or keep changing components.",
		"finalized":           "Your configuration is complete. Thank you!",
		"summary_header":      "Current configuration:",
	},
	"de": {
		"greeting":            "Willkommen beim Schweißgeräte-Konfigurator. Sagen Sie mir, was Sie brauchen, wir beginnen mit der Stromquelle.",
		"session_expired":     "Ihre vorherige Sitzung ist abgelaufen, wir beginnen neu. Sagen Sie mir, was Sie brauchen.",
		"confirm":             "%s (%s) wurde als %s hinzugefügt.",
		"skip_rejected":       "Eine Stromquelle ist erforderlich und kann nicht übersprungen werden.",
		"skip_confirmed":      "%s wird übersprungen.",
		"extraction_fallback": "Das habe ich leider nicht verstanden. Können Sie Ihre Anforderungen anders formulieren?",
		"unavailable":         "Der Katalog ist vorübergehend nicht erreichbar. Bitte versuchen Sie es gleich noch einmal.",
		"finalized":           "Ihre Konfiguration ist abgeschlossen. Vielen Dank!",
	},
	"sv": {
		"greeting":            "Välkommen till konfiguratorn för svetsutrustning. Berätta vad du behöver så börjar vi med strömkällan.",
		"session_expired":     "Din tidigare session har gått ut, vi börjar om. Berätta vad du behöver.",
		"confirm":             "%s (%s) har lagts till som %s.",
		"skip_rejected":       "En strömkälla krävs och kan inte hoppas över.",
		"skip_confirmed":      "Hoppar över %s.",
		"extraction_fallback": "Jag förstod tyvärr inte detaljerna. Kan du formulera om dina krav?",
		"unavailable":         "Katalogen är tillfälligt otillgänglig. Försök igen om en stund.",
		"finalized":           "Din konfiguration är klar. Tack!",
	},
	"fr": {
		"greeting":  "Bienvenue dans le configurateur d'équipement de soudage. Dites-moi ce qu'il vous faut, nous commencerons par la source de courant.",
		"finalized": "Votre configuration est terminée. Merci !",
	},
	"es": {
		"greeting":  "Bienvenido al configurador de equipos de soldadura. Dime qué necesitas y empezaremos por la fuente de energía.",
		"finalized": "Su configuración está completa. ¡Gracias!",
	},
	"it": {"greeting": "Benvenuto nel configuratore di attrezzature per saldatura. Dimmi cosa ti serve e partiremo dal generatore."},
	"pt": {"greeting": "Bem-vindo ao configurador de equipamentos de soldagem. Diga o que precisa e começaremos pela fonte de energia."},
	"nl": {"greeting": "Welkom bij de configurator voor lasapparatuur. Vertel wat u nodig hebt, we beginnen met de stroombron."},
	"pl": {"greeting": "Witamy w konfiguratorze sprzętu spawalniczego. Powiedz, czego potrzebujesz, zaczniemy od źródła prądu."},
	"cs": {"greeting": "Vítejte v konfigurátoru svařovací techniky. Řekněte, co potřebujete, začneme zdrojem proudu."},
	"fi": {"greeting": "Tervetuloa hitsauslaitteiden konfiguraattoriin. Kerro mitä tarvitset, aloitamme virtalähteestä."},
	"no": {"greeting": "Velkommen til konfiguratoren for sveiseutstyr. Fortell hva du trenger, så starter vi med strømkilden."},
}

// NormalizeTag maps a BCP-47-ish tag onto a supported locale, falling
// back to English.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	for _, t := range supportedTags {
		if t == tag {
			return t
		}
	}
	return "en"
}

// lookup returns the template for key in the given locale, falling back
// to English.
func lookup(tag, key string) string {
	if m, ok := messages[tag]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	return messages["en"][key]
}
