// Package flow implements the S1..S7 state machine: deriving the active
// path from applicability, advancing state after successful turns, and
// the downstream-clear cascade.
package flow

import (
	"github.com/torchline/configurator/engine/domain"
)

// ActiveStates derives the ordered list of states this session will
// visit. S1 and S7 are always present; the middle states follow the
// applicability of the selected power source.
func ActiveStates(app *domain.Applicability) []domain.State {
	states := []domain.State{domain.StatePowerSource}
	for _, s := range []domain.State{
		domain.StateFeeder,
		domain.StateCooler,
		domain.StateInterconnector,
		domain.StateTorch,
		domain.StateAccessories,
	} {
		kind, _ := s.Kind()
		if app.Applies(kind) {
			states = append(states, s)
		}
	}
	return append(states, domain.StateFinalize)
}

// IsActive reports whether s is on the session's active path.
func IsActive(s domain.State, app *domain.Applicability) bool {
	for _, st := range ActiveStates(app) {
		if st == s {
			return true
		}
	}
	return false
}

// NextActive returns the active state strictly after current, or false
// when current is the last (finalize).
func NextActive(current domain.State, app *domain.Applicability) (domain.State, bool) {
	active := ActiveStates(app)
	idx := current.Index()
	for _, s := range active {
		if s.Index() > idx {
			return s, true
		}
	}
	return "", false
}

// ApplyApplicability marks every kind the power source rules out as
// NotApplicable in the cart, returning the affected kinds in order. It
// is invoked atomically with the S1 commit.
func ApplyApplicability(cart *domain.Cart, app *domain.Applicability) []domain.Kind {
	var marked []domain.Kind
	for _, k := range []domain.Kind{
		domain.KindFeeder,
		domain.KindCooler,
		domain.KindInterconnector,
		domain.KindTorch,
		domain.KindAccessory,
	} {
		if !app.Applies(k) {
			cart.MarkNotApplicable(k)
			marked = append(marked, k)
		}
	}
	return marked
}

// Cascade runs the downstream-clear rule after a Selected entry at
// `from` is replaced: every cart entry for an active state strictly
// after `from` is reset to unset and its master bag zeroed. The caller
// repositions the session at the next active state.
func Cascade(sess *domain.SessionState, from domain.State) {
	active := ActiveStates(sess.Applicability)
	idx := from.Index()
	for _, s := range active {
		if s.Index() <= idx {
			continue
		}
		kind, ok := s.Kind()
		if !ok {
			continue
		}
		sess.Cart.Reset(kind)
		sess.Master.Zero(kind)
	}
}
