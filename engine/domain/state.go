package domain

// State is one of the seven configurator states S1..S7. The string form
// is stable and appears in the wire protocol and the archive.
type State string

const (
	StatePowerSource    State = "power_source_selection"    // S1
	StateFeeder         State = "feeder_selection"          // S2
	StateCooler         State = "cooler_selection"          // S3
	StateInterconnector State = "interconnector_selection"  // S4
	StateTorch          State = "torch_selection"           // S5
	StateAccessories    State = "accessories_selection"     // S6
	StateFinalize       State = "finalize"                  // S7
)

// StateOrder lists the states in S1..S7 order.
var StateOrder = []State{
	StatePowerSource,
	StateFeeder,
	StateCooler,
	StateInterconnector,
	StateTorch,
	StateAccessories,
	StateFinalize,
}

// Index returns the ordinal position of s in StateOrder, or -1.
func (s State) Index() int {
	for i, st := range StateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return s.Index() >= 0 }

// Kind returns the component kind selected in this state. Finalize has
// no associated kind.
func (s State) Kind() (Kind, bool) {
	switch s {
	case StatePowerSource:
		return KindPowerSource, true
	case StateFeeder:
		return KindFeeder, true
	case StateCooler:
		return KindCooler, true
	case StateInterconnector:
		return KindInterconnector, true
	case StateTorch:
		return KindTorch, true
	case StateAccessories:
		return KindAccessory, true
	}
	return "", false
}

// StateForKind is the inverse of State.Kind.
func StateForKind(k Kind) (State, bool) {
	switch k {
	case KindPowerSource:
		return StatePowerSource, true
	case KindFeeder:
		return StateFeeder, true
	case KindCooler:
		return StateCooler, true
	case KindInterconnector:
		return StateInterconnector, true
	case KindTorch:
		return StateTorch, true
	case KindAccessory:
		return StateAccessories, true
	}
	return "", false
}
