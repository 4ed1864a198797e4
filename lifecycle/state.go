// Package lifecycle drives each cache generation through
// installing -> waiting -> active -> retiring -> retired.
//
// Transition is a pure function over (State, Event). Controller is the
// adapter that feeds host signals ("new version observed", "activate now",
// "manual cache clear") into it, performs the side effects (shell install,
// eviction, client notification) and persists the result.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of one generation.
type State string

const (
	Installing State = "installing"
	Waiting    State = "waiting"
	Active     State = "active"
	Retiring   State = "retiring"
	Retired    State = "retired"
)

// Event is an input to Transition.
type Event string

const (
	// EventInstalled: every shell resource was fetched and stored.
	EventInstalled Event = "installed"
	// EventInstallFailed: at least one shell resource could not be stored.
	EventInstallFailed Event = "install_failed"
	// EventActivate: the host asked for cutover to this generation.
	EventActivate Event = "activate"
	// EventSuperseded: another generation became active.
	EventSuperseded Event = "superseded"
	// EventEvicted: the generation's entries were deleted.
	EventEvicted Event = "evicted"
)

// ErrInvalidTransition is returned by Transition for an event the state does
// not accept.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

var transitions = map[State]map[Event]State{
	Installing: {
		EventInstallFailed: Installing,
		EventInstalled:     Waiting,
		EventEvicted:       Retired,
	},
	Waiting: {
		EventActivate: Active,
		EventEvicted:  Retired,
	},
	Active: {
		EventSuperseded: Retiring,
		EventEvicted:    Retired,
	},
	Retiring: {
		EventEvicted: Retired,
	},
}

// Transition returns the state that follows s on e.
func Transition(s State, e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}

// Terminal reports whether no event leaves s.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }
