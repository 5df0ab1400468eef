package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/chaintrace/internal/metrics"
	"github.com/mbd888/chaintrace/internal/retry"
	"github.com/mbd888/chaintrace/internal/traces"
)

// DefaultConfirmationTimeout bounds how long an Invoke waits for a
// submitted transaction to be mined.
const DefaultConfirmationTimeout = 90 * time.Second

// StateEmitter receives mirrored-state changes, e.g. for fanout to
// websocket subscribers.
type StateEmitter interface {
	EscrowStateChanged(sessionID string, old, new State, txHash string)
}

// InvokeParams carries the per-action inputs: Value for the payable
// lockFunds, ReleaseToSeller for resolveDispute.
type InvokeParams struct {
	Value           *big.Int
	ReleaseToSeller bool
}

// InvokeResult is the outcome of a confirmed action.
type InvokeResult struct {
	Receipt  *Receipt  `json:"receipt"`
	Snapshot *Snapshot `json:"snapshot"`
}

// Status is a read-only view of a session for API responses.
type Status struct {
	ID         string    `json:"id"`
	Account    string    `json:"account"`
	Role       Role      `json:"role"`
	Connected  bool      `json:"connected"`
	State      State     `json:"state"`
	StateName  string    `json:"stateName"`
	InFlight   bool      `json:"actionInFlight"`
	LastTxHash string    `json:"lastTxHash,omitempty"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
}

// Session is one client's connection to the escrow contract. It mirrors
// the contract state locally: guards run against the mirror so invalid
// actions never reach the network, and the mirror is refreshed from the
// chain after every confirmed transaction.
type Session struct {
	ID string

	provider Provider
	binding  *Binding
	chainID  *big.Int
	timeout  time.Duration
	logger   *slog.Logger
	emitter  StateEmitter

	inFlight atomic.Bool

	mu         sync.RWMutex
	connected  bool
	account    common.Address
	role       Role
	state      State
	snapshot   *Snapshot
	lastTxHash string
	sub        Subscription
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithConfirmationTimeout overrides the mining wait bound.
func WithConfirmationTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStateEmitter adds an emitter notified on mirrored-state changes.
func WithStateEmitter(e StateEmitter) SessionOption {
	return func(s *Session) { s.emitter = e }
}

// WithSessionLogger overrides the session logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a disconnected session. Connect must succeed before
// any action can be invoked.
func NewSession(id string, provider Provider, binding *Binding, chainID *big.Int, opts ...SessionOption) *Session {
	s := &Session{
		ID:       id,
		provider: provider,
		binding:  binding,
		chainID:  big.NewInt(0).Set(chainID),
		timeout:  DefaultConfirmationTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)
	return s
}

// Connect establishes the session: account discovery, network check with
// a switch attempt, contract reachability probe, then the initial state
// snapshot. Each failure mode maps to a distinct sentinel error.
func (s *Session) Connect(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "escrow.Connect", traces.SessionID(s.ID))
	defer span.End()

	if s.provider == nil {
		return ErrWalletUnavailable
	}

	accounts, err := s.provider.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	if len(accounts) == 0 {
		return ErrNoAccount
	}
	account := accounts[0]

	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	if chainID.Cmp(s.chainID) != 0 {
		if err := s.provider.SwitchChain(ctx, s.chainID); err != nil {
			return fmt.Errorf("%w: on %s, want %s: %v", ErrNetworkMismatch, chainID, s.chainID, err)
		}
	}

	// Reachability probe: the cheapest view on the contract, retried
	// briefly to ride out a node that is still coming up.
	var buyer common.Address
	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var probeErr error
		buyer, probeErr = s.binding.Buyer(ctx)
		return probeErr
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContractUnreachable, err)
	}

	role, err := s.deriveRole(ctx, account, buyer)
	if err != nil {
		return err
	}

	snap, err := s.binding.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContractUnreachable, err)
	}

	sub := s.provider.OnEvent(s.handleProviderEvent)

	s.mu.Lock()
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.connected = true
	s.account = account
	s.role = role
	s.state = snap.State
	s.snapshot = snap
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("escrow session connected",
		"account", account.Hex(), "role", role, "state", snap.State.String())
	return nil
}

// deriveRole matches the account against the contract's parties.
// Unmatched accounts become observers and can invoke nothing.
func (s *Session) deriveRole(ctx context.Context, account, buyer common.Address) (Role, error) {
	if account == buyer {
		return RoleBuyer, nil
	}
	seller, err := s.binding.Seller(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContractUnreachable, err)
	}
	if account == seller {
		return RoleSeller, nil
	}
	arbitrator, err := s.binding.Arbitrator(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContractUnreachable, err)
	}
	if account == arbitrator {
		return RoleArbitrator, nil
	}
	return RoleObserver, nil
}

// handleProviderEvent reacts to wallet-side changes. Any event that
// invalidates the session's premises forces a reconnect.
func (s *Session) handleProviderEvent(ev ProviderEvent) {
	switch ev.Kind {
	case EventDisconnect:
		s.markDisconnected("provider disconnected")
	case EventAccountsChanged:
		s.mu.RLock()
		account := s.account
		s.mu.RUnlock()
		if len(ev.Accounts) == 0 || ev.Accounts[0] != account {
			s.markDisconnected("active account changed")
		}
	case EventChainChanged:
		if ev.ChainID == nil || ev.ChainID.Cmp(s.chainID) != 0 {
			s.markDisconnected("active chain changed")
		}
	}
}

func (s *Session) markDisconnected(reason string) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if wasConnected {
		s.logger.Warn("escrow session disconnected", "reason", reason)
	}
}

// Connected reports whether the session is usable.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		ID:         s.ID,
		Account:    s.account.Hex(),
		Role:       s.role,
		Connected:  s.connected,
		State:      s.state,
		StateName:  s.state.String(),
		InFlight:   s.inFlight.Load(),
		LastTxHash: s.lastTxHash,
		Snapshot:   s.snapshot,
	}
}

// Invoke performs one state-changing contract action. Guards run in
// order against purely local state: connectivity, action validity, the
// single-flight gate, then the mirrored state machine. Only a request
// that clears every guard touches the network.
func (s *Session) Invoke(ctx context.Context, action Action, params InvokeParams) (*InvokeResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Invoke",
		traces.SessionID(s.ID), traces.Action(string(action)))
	defer span.End()

	if !KnownAction(action) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.EscrowActionsTotal.WithLabelValues(string(action), "in_flight").Inc()
		return nil, ErrActionInFlight
	}
	defer s.inFlight.Store(false)

	s.mu.RLock()
	connected := s.connected
	state := s.state
	role := s.role
	account := s.account
	s.mu.RUnlock()

	if !connected {
		return nil, ErrNotConnected
	}

	if err := checkAction(action, state, role); err != nil {
		metrics.EscrowActionsTotal.WithLabelValues(string(action), "rejected_local").Inc()
		return nil, err
	}

	var args []any
	if action == ActionResolveDispute {
		args = append(args, params.ReleaseToSeller)
	}
	var value *big.Int
	if action == ActionLockFunds {
		value = params.Value
	}

	txHash, err := s.binding.Submit(ctx, s.provider, account, action, value, args...)
	if err != nil {
		metrics.EscrowActionsTotal.WithLabelValues(string(action), "submit_failed").Inc()
		return nil, err
	}

	s.mu.Lock()
	s.lastTxHash = txHash
	s.mu.Unlock()

	s.logger.Info("escrow action submitted", "action", action, "tx_hash", txHash)
	span.SetAttributes(traces.TxHash(txHash))

	start := time.Now()
	receipt, err := s.binding.WaitForReceipt(ctx, txHash, s.timeout)
	if err != nil {
		var rejection *RejectionError
		switch {
		case errors.As(err, &rejection):
			metrics.EscrowActionsTotal.WithLabelValues(string(action), "reverted").Inc()
			// The chain advanced even though the call reverted;
			// refresh the mirror before surfacing the failure.
			s.reconcile(ctx, txHash)
		case errors.Is(err, ErrConfirmationTimeout):
			metrics.EscrowActionsTotal.WithLabelValues(string(action), "timeout").Inc()
			// Keep lastTxHash: the transaction may still be mined and
			// the next reconnect or status read will pick it up.
		}
		return nil, err
	}
	metrics.EscrowConfirmationDuration.Observe(time.Since(start).Seconds())
	metrics.EscrowActionsTotal.WithLabelValues(string(action), "confirmed").Inc()

	snap := s.reconcile(ctx, txHash)
	return &InvokeResult{Receipt: receipt, Snapshot: snap}, nil
}

// reconcile refreshes the mirrored state from the chain. Failure to read
// is logged but not fatal: the mirror simply stays stale until the next
// successful read.
func (s *Session) reconcile(ctx context.Context, txHash string) *Snapshot {
	snap, err := s.binding.FetchSnapshot(ctx)
	if err != nil {
		s.logger.Warn("state reconcile failed", "error", err)
		return nil
	}

	s.mu.Lock()
	old := s.state
	s.state = snap.State
	s.snapshot = snap
	s.mu.Unlock()

	if old != snap.State {
		s.logger.Info("escrow state changed",
			"from", old.String(), "to", snap.State.String(), "tx_hash", txHash)
		if s.emitter != nil {
			s.emitter.EscrowStateChanged(s.ID, old, snap.State, txHash)
		}
	}
	return snap
}

// Refresh re-reads the contract state without performing an action.
func (s *Session) Refresh(ctx context.Context) (*Snapshot, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	snap, err := s.binding.FetchSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractUnreachable, err)
	}

	s.mu.Lock()
	old := s.state
	s.state = snap.State
	s.snapshot = snap
	s.mu.Unlock()

	if old != snap.State && s.emitter != nil {
		s.emitter.EscrowStateChanged(s.ID, old, snap.State, "")
	}
	return snap, nil
}

// Close disconnects the session and releases its provider subscription.
func (s *Session) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.connected = false
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}
