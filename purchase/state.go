package purchase

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIllegalStateTransition is matched by every IllegalTransitionError.
	ErrIllegalStateTransition = errors.New("purchase: illegal state transition")
	// ErrStateRestore is matched by every StateRestoreError.
	ErrStateRestore = errors.New("purchase: unknown state")
)

// State is the lifecycle status of a purchase process.
type State uint8

const (
	StateCreated State = iota + 1
	StateValid
	StateBlockedDueToFraudAdvice
	StateProcessing
	StatePending
	StateThreeDAuthenticated
	StateThreeDLookupPerformed
	StateRedirected
	StateCascadeBillersExhausted
	StateProcessed
)

// stateNames holds the persisted name of every state.
var stateNames = map[State]string{
	StateCreated:                 "created",
	StateValid:                   "valid",
	StateBlockedDueToFraudAdvice: "blockedduetofraudadvice",
	StateProcessing:              "processing",
	StatePending:                 "pending",
	StateThreeDAuthenticated:     "threedauthenticated",
	StateThreeDLookupPerformed:   "threedlookupperformed",
	StateRedirected:              "redirected",
	StateCascadeBillersExhausted: "cascadebillersexhausted",
	StateProcessed:               "processed",
}

// States lists every known state in declaration order.
func States() []State {
	return []State{
		StateCreated,
		StateValid,
		StateBlockedDueToFraudAdvice,
		StateProcessing,
		StatePending,
		StateThreeDAuthenticated,
		StateThreeDLookupPerformed,
		StateRedirected,
		StateCascadeBillersExhausted,
		StateProcessed,
	}
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsProcessed reports whether processing finished for the session.
func (s State) IsProcessed() bool {
	return s == StateProcessed
}

// IsTerminal reports whether only the idempotent finishProcessing transition remains.
func (s State) IsTerminal() bool {
	return s == StateProcessed || s == StateCascadeBillersExhausted
}

// Restore resolves a persisted state name. Matching is case-insensitive but exact.
func Restore(name string) (State, error) {
	for _, s := range States() {
		if strings.EqualFold(stateNames[s], name) {
			return s, nil
		}
	}
	return 0, &StateRestoreError{Name: name}
}

func (s State) MarshalJSON() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("purchase: marshal %s", s)
	}
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("purchase: unmarshal state: %w", err)
	}
	restored, err := Restore(name)
	if err != nil {
		return err
	}
	*s = restored
	return nil
}

// Transition names an event that moves a purchase between states.
type Transition string

const (
	TransitionValidate               Transition = "validate"
	TransitionBlockDueToFraudAdvice  Transition = "blockDueToFraudAdvice"
	TransitionStartProcessing        Transition = "startProcessing"
	TransitionStartPending           Transition = "startPending"
	TransitionAuthenticateThreeD     Transition = "authenticateThreeD"
	TransitionPerformThreeDLookup    Transition = "performThreeDLookup"
	TransitionRedirect               Transition = "redirect"
	TransitionFinishProcessing       Transition = "finishProcessing"
	TransitionNoMoreBillersAvailable Transition = "noMoreBillersAvailable"
)

// Transitions lists every known transition.
func Transitions() []Transition {
	return []Transition{
		TransitionValidate,
		TransitionBlockDueToFraudAdvice,
		TransitionStartProcessing,
		TransitionStartPending,
		TransitionAuthenticateThreeD,
		TransitionPerformThreeDLookup,
		TransitionRedirect,
		TransitionFinishProcessing,
		TransitionNoMoreBillersAvailable,
	}
}

// transitionTable is the only source of legality. Pairs missing here fail.
var transitionTable = map[State]map[Transition]State{
	StateCreated: {
		TransitionValidate:              StateValid,
		TransitionBlockDueToFraudAdvice: StateBlockedDueToFraudAdvice,
	},
	StateBlockedDueToFraudAdvice: {
		TransitionValidate:              StateValid,
		TransitionBlockDueToFraudAdvice: StateBlockedDueToFraudAdvice,
	},
	StateValid: {
		TransitionStartProcessing:        StateProcessing,
		TransitionStartPending:           StatePending,
		TransitionRedirect:               StateRedirected,
		TransitionBlockDueToFraudAdvice:  StateBlockedDueToFraudAdvice,
		TransitionNoMoreBillersAvailable: StateCascadeBillersExhausted,
	},
	StateProcessing: {
		TransitionValidate:         StateValid,
		TransitionStartPending:     StatePending,
		TransitionStartProcessing:  StateProcessing,
		TransitionFinishProcessing: StateProcessed,
	},
	StatePending: {
		TransitionAuthenticateThreeD:  StateThreeDAuthenticated,
		TransitionPerformThreeDLookup: StateThreeDLookupPerformed,
		TransitionRedirect:            StateRedirected,
		TransitionFinishProcessing:    StateProcessed,
	},
	StateRedirected: {
		TransitionFinishProcessing: StateProcessed,
		TransitionValidate:         StateValid,
	},
	StateThreeDLookupPerformed: {
		TransitionFinishProcessing: StateProcessed,
		TransitionValidate:         StateValid,
	},
	StateCascadeBillersExhausted: {
		TransitionFinishProcessing: StateCascadeBillersExhausted,
	},
	StateProcessed: {
		TransitionFinishProcessing: StateProcessed,
	},
}

// Next returns the state reached from `from` via t.
func Next(from State, t Transition) (State, error) {
	if to, ok := transitionTable[from][t]; ok {
		return to, nil
	}
	return from, &IllegalTransitionError{From: from, Transition: t}
}

// Allowed returns the transitions legal from the given state.
func Allowed(from State) []Transition {
	out := make([]Transition, 0, len(transitionTable[from]))
	for _, t := range Transitions() {
		if _, ok := transitionTable[from][t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// IllegalTransitionError reports a transition missing from the table.
type IllegalTransitionError struct {
	From       State
	Transition Transition
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("purchase: cannot %s from state %s", e.Transition, e.From)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalStateTransition
}

// StateRestoreError reports an unknown persisted state name.
type StateRestoreError struct {
	Name string
}

func (e *StateRestoreError) Error() string {
	return fmt.Sprintf("purchase: cannot restore state %q", e.Name)
}

func (e *StateRestoreError) Unwrap() error {
	return ErrStateRestore
}
