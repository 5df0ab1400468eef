// Package escrow maintains client-side sessions against the on-chain
// escrow contract. Each session mirrors the contract's state machine
// locally so obviously invalid actions are rejected before any network
// call, while the chain remains the source of truth: mirrored state is
// reconciled from the contract after every confirmed transaction.
package escrow

import "fmt"

// State is the escrow contract state, mirrored from the contract's
// uint8 state enum.
type State uint8

const (
	StateAwaitingDelivery State = iota
	StateDeliveryConfirmed
	StatePayoutRequested
	StateDisputed
	StateRefunded
	StateReleased
)

var stateNames = map[State]string{
	StateAwaitingDelivery:  "AwaitingDelivery",
	StateDeliveryConfirmed: "DeliveryConfirmed",
	StatePayoutRequested:   "PayoutRequested",
	StateDisputed:          "Disputed",
	StateRefunded:          "Refunded",
	StateReleased:          "Released",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IsTerminal reports whether no further actions are possible from s.
func (s State) IsTerminal() bool {
	return s == StateRefunded || s == StateReleased
}

// ParseState converts the contract's raw state value. Unknown values
// are an error: the mirror must never invent a state.
func ParseState(raw uint8) (State, error) {
	s := State(raw)
	if _, ok := stateNames[s]; !ok {
		return 0, fmt.Errorf("escrow: unknown contract state %d", raw)
	}
	return s, nil
}

// Role identifies which contract party a session acts as.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleArbitrator Role = "arbitrator"
	RoleObserver   Role = "observer"
)

// Action is a state-changing contract call.
type Action string

const (
	ActionLockFunds       Action = "lockFunds"
	ActionConfirmDelivery Action = "confirmDelivery"
	ActionRequestPayout   Action = "requestPayout"
	ActionRefundBuyer     Action = "refundBuyer"
	ActionResolveDispute  Action = "resolveDispute"
)

// actionRule captures who may perform an action and from which states.
type actionRule struct {
	role Role
	from map[State]bool
}

// actionRules mirrors the contract's modifiers and require guards.
// Confirming delivery while a payout is pending releases the funds, so
// confirmDelivery is also valid from PayoutRequested.
var actionRules = map[Action]actionRule{
	ActionLockFunds: {
		role: RoleBuyer,
		from: map[State]bool{StateAwaitingDelivery: true},
	},
	ActionConfirmDelivery: {
		role: RoleBuyer,
		from: map[State]bool{StateAwaitingDelivery: true, StatePayoutRequested: true},
	},
	ActionRequestPayout: {
		role: RoleSeller,
		from: map[State]bool{StateAwaitingDelivery: true, StateDeliveryConfirmed: true},
	},
	ActionRefundBuyer: {
		role: RoleBuyer,
		from: map[State]bool{StateAwaitingDelivery: true, StateDisputed: true},
	},
	ActionResolveDispute: {
		role: RoleArbitrator,
		from: map[State]bool{StateDisputed: true, StatePayoutRequested: true},
	},
}

// KnownAction reports whether the action name is recognized.
func KnownAction(a Action) bool {
	_, ok := actionRules[a]
	return ok
}

// checkAction validates an action against the mirrored state and the
// session's role, terminal first so a finished escrow always reports
// ErrTerminalState regardless of who asks.
func checkAction(a Action, s State, r Role) error {
	rule, ok := actionRules[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, a)
	}
	if s.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, s)
	}
	if !rule.from[s] {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, a, s)
	}
	if r != rule.role {
		return fmt.Errorf("%w: %s requires %s, session is %s", ErrWrongRole, a, rule.role, r)
	}
	return nil
}
