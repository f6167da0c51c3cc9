// Package compose renders every user-facing message of the
// configurator from a small set of intents, localized over twelve
// language tags with English as the fallback. No business logic lives
// here.
package compose

import (
	"fmt"
	"strings"

	"github.com/torchline/configurator/engine/domain"
)

// displayNames are the user-facing component names.
var displayNames = map[domain.Kind]string{
	domain.KindPowerSource:    "power source",
	domain.KindFeeder:         "wire feeder",
	domain.KindCooler:         "cooling unit",
	domain.KindInterconnector: "interconnector",
	domain.KindTorch:          "torch",
	domain.KindAccessory:      "accessory",
}

// DisplayName returns the user-facing name for a kind.
func DisplayName(k domain.Kind) string {
	if n, ok := displayNames[k]; ok {
		return n
	}
	return strings.ToLower(string(k))
}

// Composer renders intents for one language tag.
type Composer struct {
	tag string
}

// ForLanguage returns a composer for the given tag.
func ForLanguage(tag string) *Composer {
	return &Composer{tag: NormalizeTag(tag)}
}

// Language returns the normalized tag in effect.
func (c *Composer) Language() string { return c.tag }

// Greeting opens a fresh session.
func (c *Composer) Greeting() string {
	return lookup(c.tag, "greeting")
}

// SessionExpired opens a replacement session after a cache miss.
func (c *Composer) SessionExpired() string {
	return lookup(c.tag, "session_expired")
}

// PromptFor asks for requirements of the current kind, listing its
// attribute vocabulary.
func (c *Composer) PromptFor(kind domain.Kind) string {
	attrs := strings.Join(domain.KindAttributes(kind), ", ")
	if kind == domain.KindPowerSource {
		return fmt.Sprintf(lookup(c.tag, "prompt_for_ps"), attrs)
	}
	return fmt.Sprintf(lookup(c.tag, "prompt_for"), DisplayName(kind), attrs)
}

// PresentOptions renders search results: a numbered list for two or
// more, a single confirmation question for exactly one, guidance for
// none. The fallback flag tells the user the attribute filters matched
// nothing.
func (c *Composer) PresentOptions(kind domain.Kind, products []domain.Product, fallback bool) string {
	name := DisplayName(kind)
	switch len(products) {
	case 0:
		if kind == domain.KindPowerSource {
			return lookup(c.tag, "options_none_ps")
		}
		return fmt.Sprintf(lookup(c.tag, "options_none"), name)
	case 1:
		p := products[0]
		return fmt.Sprintf(lookup(c.tag, "options_one"), name, p.Name, p.GIN)
	default:
		var b strings.Builder
		for i, p := range products {
			fmt.Fprintf(&b, "%d. %s (%s)", i+1, p.Name, p.GIN)
			if p.Description != "" {
				fmt.Fprintf(&b, " — %s", p.Description)
			}
			b.WriteString("\n")
		}
		key := "options_many"
		if fallback {
			key = "options_many_fb"
		}
		return fmt.Sprintf(lookup(c.tag, key), len(products), name, strings.TrimRight(b.String(), "\n"))
	}
}

// Confirm acknowledges a committed selection.
func (c *Composer) Confirm(kind domain.Kind, p domain.Product) string {
	return fmt.Sprintf(lookup(c.tag, "confirm"), p.Name, p.GIN, DisplayName(kind))
}

// RejectSkipOfPowerSource enforces the mandatory S1 rule.
func (c *Composer) RejectSkipOfPowerSource() string {
	return lookup(c.tag, "skip_rejected")
}

// SkipConfirmed acknowledges skipping a non-mandatory state.
func (c *Composer) SkipConfirmed(kind domain.Kind) string {
	return fmt.Sprintf(lookup(c.tag, "skip_confirmed"), DisplayName(kind))
}

// NotApplicableNotice summarizes the kinds the selected power source
// ruled out.
func (c *Composer) NotApplicableNotice(kinds []domain.Kind) string {
	if len(kinds) == 0 {
		return ""
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = DisplayName(k)
	}
	return fmt.Sprintf(lookup(c.tag, "not_applicable"), strings.Join(names, ", "))
}

// ThresholdNotMet refuses finalization below the configured minimum.
func (c *Composer) ThresholdNotMet(current, required int) string {
	return fmt.Sprintf(lookup(c.tag, "threshold_not_met"), current, required)
}

// ExtractionFallback asks the user to restate after an extraction
// failure.
func (c *Composer) ExtractionFallback() string {
	return lookup(c.tag, "extraction_fallback")
}

// Unavailable covers repository outages.
func (c *Composer) Unavailable() string {
	return lookup(c.tag, "unavailable")
}

// GenericError covers integrity violations without leaking internals.
func (c *Composer) GenericError() string {
	return lookup(c.tag, "error_generic")
}

// AccessoriesMore invites further accessory picks or 'done'.
func (c *Composer) AccessoriesMore() string {
	return lookup(c.tag, "accessories_more")
}

// FinalizePrompt asks for the explicit completion confirmation.
func (c *Composer) FinalizePrompt() string {
	return lookup(c.tag, "finalize_prompt")
}

// Finalized closes a completed session.
func (c *Composer) Finalized() string {
	return lookup(c.tag, "finalized")
}

// SummaryEntry is one line of the finalization summary. Only the
// identifier, name, and description are exposed.
type SummaryEntry struct {
	Kind        string `json:"kind"`
	GIN         string `json:"gin"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FinalizationSummary emits the structured summary: single-valued
// kinds in state order, then accessories in selection order.
func FinalizationSummary(cart *domain.Cart) []SummaryEntry {
	var out []SummaryEntry
	for _, k := range domain.Kinds {
		if k == domain.KindAccessory {
			continue
		}
		if p := cart.Selected(k); p != nil {
			out = append(out, SummaryEntry{Kind: string(k), GIN: p.GIN, Name: p.Name, Description: p.Description})
		}
	}
	for _, e := range cart.Accessories {
		if e.Status == domain.StatusSelected && e.Product != nil {
			out = append(out, SummaryEntry{
				Kind: string(domain.KindAccessory), GIN: e.Product.GIN,
				Name: e.Product.Name, Description: e.Product.Description,
			})
		}
	}
	return out
}

// ConfigSummary renders the running configuration after each commit.
func (c *Composer) ConfigSummary(cart *domain.Cart) string {
	entries := FinalizationSummary(cart)
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(lookup(c.tag, "summary_header"))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n- %s: %s (%s)", e.Kind, e.Name, e.GIN)
	}
	return b.String()
}
