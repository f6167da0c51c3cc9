// Package domain holds the configurator's core data model: component
// kinds, products, the master parameter record, the response cart, and
// the session snapshot that every other package operates on.
package domain

import "time"

// Kind identifies a configurable component category.
type Kind string

const (
	KindPowerSource    Kind = "PowerSource"
	KindFeeder         Kind = "Feeder"
	KindCooler         Kind = "Cooler"
	KindInterconnector Kind = "Interconnector"
	KindTorch          Kind = "Torch"
	KindAccessory      Kind = "Accessory"
)

// Kinds lists all component kinds in configuration order.
var Kinds = []Kind{
	KindPowerSource,
	KindFeeder,
	KindCooler,
	KindInterconnector,
	KindTorch,
	KindAccessory,
}

// Valid reports whether k is a known component kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPowerSource, KindFeeder, KindCooler, KindInterconnector, KindTorch, KindAccessory:
		return true
	}
	return false
}

// AccessoryCategory narrows KindAccessory for compatibility anchoring.
type AccessoryCategory string

const (
	AccessoryPowerSource  AccessoryCategory = "PowerSourceAccessory"
	AccessoryFeeder       AccessoryCategory = "FeederAccessory"
	AccessoryConnectivity AccessoryCategory = "ConnectivityAccessory"
	AccessoryRemote       AccessoryCategory = "Remote"
	AccessoryGeneric      AccessoryCategory = "Accessory"
)

// Product is an immutable catalogue entity as returned by the graph.
type Product struct {
	GIN         string            `json:"gin"`
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Available   bool              `json:"available"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Message is one conversation log entry.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// SessionState is the full per-session snapshot. It is created on the
// first turn, mutated only by the orchestrator, and serialized as-is to
// the hot cache and the archive.
type SessionState struct {
	SessionID     string         `json:"session_id"`
	CurrentState  State          `json:"current_state"`
	Master        *MasterRecord  `json:"master"`
	Cart          *Cart          `json:"cart"`
	Applicability *Applicability `json:"applicability,omitempty"`
	Log           []Message      `json:"conversation_log"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Language      string         `json:"language_tag"`
	Completed     bool           `json:"completed"`

	// TurnErrors counts turns that ended in a recoverable failure
	// (extraction or repository); the archive surfaces it as an error
	// flag.
	TurnErrors int `json:"turn_errors,omitempty"`

	// PendingOptions holds the products presented on the previous turn so
	// that a bare confirmation or a numbered reply can commit one of them.
	PendingOptions []Product `json:"pending_options,omitempty"`
	PendingKind    Kind      `json:"pending_kind,omitempty"`
}

// NewSessionState returns a fresh session positioned at S1.
func NewSessionState(id, language string, now time.Time) *SessionState {
	if language == "" {
		language = "en"
	}
	return &SessionState{
		SessionID:    id,
		CurrentState: StatePowerSource,
		Master:       NewMasterRecord(),
		Cart:         NewCart(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Language:     language,
	}
}

// AddMessage appends a conversation log entry in arrival order.
func (s *SessionState) AddMessage(role, text string) {
	s.Log = append(s.Log, Message{Role: role, Text: text})
}

// LastMessages returns up to n trailing log entries.
func (s *SessionState) LastMessages(n int) []Message {
	if n <= 0 || len(s.Log) <= n {
		return s.Log
	}
	return s.Log[len(s.Log)-n:]
}

// ClearPending drops any options carried over from the previous turn.
func (s *SessionState) ClearPending() {
	s.PendingOptions = nil
	s.PendingKind = ""
}
