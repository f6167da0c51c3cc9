// Package applicability loads the static power-source applicability
// table: which downstream component kinds each power source supports.
package applicability

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/torchline/configurator/engine/domain"
)

// flags is the serialized Y/N record for one power source.
type flags struct {
	Feeder         string `json:"feeder"`
	Cooler         string `json:"cooler"`
	Interconnector string `json:"interconnector"`
	Torch          string `json:"torch"`
	Accessories    string `json:"accessories"`
}

type entry struct {
	Applicability flags `json:"applicability"`
}

type tableFile struct {
	PowerSources  map[string]entry `json:"power_sources"`
	DefaultPolicy *entry           `json:"default_policy,omitempty"`
}

// Table is the in-memory applicability mapping. It is immutable after
// load; reloads replace the whole table.
type Table struct {
	byGIN      map[string]*domain.Applicability
	defaultApp *domain.Applicability
}

// Load reads the table from a JSON file. A missing default policy falls
// back to all-Y.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("applicability: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a serialized table.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("applicability: decode: %w", err)
	}
	t := &Table{
		byGIN:      make(map[string]*domain.Applicability, len(f.PowerSources)),
		defaultApp: domain.DefaultApplicability(),
	}
	if f.DefaultPolicy != nil {
		t.defaultApp = toApplicability(f.DefaultPolicy.Applicability)
	}
	for gin, e := range f.PowerSources {
		t.byGIN[gin] = toApplicability(e.Applicability)
	}
	return t, nil
}

// Empty returns a table with no entries; every lookup yields all-Y.
func Empty() *Table {
	return &Table{
		byGIN:      map[string]*domain.Applicability{},
		defaultApp: domain.DefaultApplicability(),
	}
}

// Lookup returns the applicability for a power source identifier. An
// unknown identifier gets the default policy.
func (t *Table) Lookup(powerSourceGIN string) *domain.Applicability {
	if a, ok := t.byGIN[powerSourceGIN]; ok {
		clone := *a
		return &clone
	}
	clone := *t.defaultApp
	return &clone
}

// Size returns the number of configured power sources.
func (t *Table) Size() int { return len(t.byGIN) }

func toApplicability(f flags) *domain.Applicability {
	return &domain.Applicability{
		Feeder:         yes(f.Feeder),
		Cooler:         yes(f.Cooler),
		Interconnector: yes(f.Interconnector),
		Torch:          yes(f.Torch),
		Accessories:    yes(f.Accessories),
	}
}

func yes(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "y")
}
