package compose

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/torchline/configurator/engine/domain"
)

func TestNormalizeTag(t *testing.T) {
	tests := []struct{ in, want string }{
		{"en", "en"},
		{"de-DE", "de"},
		{"sv_SE", "sv"},
		{"SV", "sv"},
		{"zz", "en"},
		{"", "en"},
	}
	for _, tt := range tests {
		if got := NormalizeTag(tt.in); got != tt.want {
			t.Errorf("NormalizeTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocalizationFallback(t *testing.T) {
	de := ForLanguage("de")
	if !strings.Contains(de.Greeting(), "Willkommen") {
		t.Error("german greeting expected")
	}
	// prompt_for has no German entry; English must fill in.
	if got := de.PromptFor(domain.KindTorch); !strings.Contains(got, "torch") {
		t.Errorf("fallback prompt = %q", got)
	}

	fi := ForLanguage("fi")
	if !strings.Contains(fi.Greeting(), "Tervetuloa") {
		t.Error("finnish greeting expected")
	}
	if fi.Unavailable() != ForLanguage("en").Unavailable() {
		t.Error("finnish should fall back to English for unavailable")
	}
}

func TestPresentOptionsShapes(t *testing.T) {
	c := ForLanguage("en")
	products := []domain.Product{
		{GIN: "g1", Name: "Arc 300", Description: "compact"},
		{GIN: "g2", Name: "Arc 500"},
	}

	many := c.PresentOptions(domain.KindPowerSource, products, false)
	if !strings.Contains(many, "1. Arc 300 (g1)") || !strings.Contains(many, "2. Arc 500 (g2)") {
		t.Errorf("numbered list missing:\n%s", many)
	}

	one := c.PresentOptions(domain.KindFeeder, products[:1], false)
	if !strings.Contains(one, "Arc 300") || !strings.Contains(one, "add it") {
		t.Errorf("single confirmation missing:\n%s", one)
	}

	none := c.PresentOptions(domain.KindCooler, nil, false)
	if !strings.Contains(none, "cooling unit") {
		t.Errorf("zero-result guidance missing:\n%s", none)
	}

	fb := c.PresentOptions(domain.KindTorch, products, true)
	if !strings.Contains(fb, "Nothing matched") {
		t.Errorf("fallback flag must be surfaced:\n%s", fb)
	}
}

func TestFinalizationSummaryOrder(t *testing.T) {
	cart := domain.NewCart()
	cart.Select(domain.KindTorch, domain.Product{GIN: "t1", Name: "Torch A", Description: "water cooled"})
	cart.Select(domain.KindPowerSource, domain.Product{GIN: "ps1", Name: "Arc 500"})
	cart.Select(domain.KindAccessory, domain.Product{GIN: "a1", Name: "Remote"})
	cart.Select(domain.KindAccessory, domain.Product{GIN: "a2", Name: "Cable"})

	got := FinalizationSummary(cart)
	want := []SummaryEntry{
		{Kind: "PowerSource", GIN: "ps1", Name: "Arc 500"},
		{Kind: "Torch", GIN: "t1", Name: "Torch A", Description: "water cooled"},
		{Kind: "Accessory", GIN: "a1", Name: "Remote"},
		{Kind: "Accessory", GIN: "a2", Name: "Cable"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestNotApplicableNotice(t *testing.T) {
	c := ForLanguage("en")
	got := c.NotApplicableNotice([]domain.Kind{domain.KindFeeder, domain.KindCooler})
	if !strings.Contains(got, "wire feeder, cooling unit") {
		t.Errorf("notice = %q", got)
	}
	if c.NotApplicableNotice(nil) != "" {
		t.Error("empty kinds should render nothing")
	}
}

func TestThresholdNotMet(t *testing.T) {
	c := ForLanguage("en")
	got := c.ThresholdNotMet(1, 3)
	if !strings.Contains(got, "1") || !strings.Contains(got, "3") {
		t.Errorf("threshold message = %q", got)
	}
}
