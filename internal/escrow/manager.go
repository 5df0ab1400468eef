package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/chaintrace/internal/idgen"
	"github.com/mbd888/chaintrace/internal/metrics"
	"github.com/mbd888/chaintrace/internal/validation"
)

// Manager owns the escrow sessions of one server instance.
type Manager struct {
	binding  *Binding
	provider Provider
	chainID  *big.Int
	timeout  time.Duration
	logger   *slog.Logger
	emitter  StateEmitter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerConfig configures a session manager.
type ManagerConfig struct {
	Client              EthClient
	Provider            Provider
	ContractAddress     string
	ChainID             int64
	ConfirmationTimeout time.Duration
	Logger              *slog.Logger
	Emitter             StateEmitter
}

// NewManager creates a manager bound to one deployed escrow contract.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("escrow: eth client required")
	}
	if !validation.IsValidEthAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("escrow: invalid contract address %q", cfg.ContractAddress)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("escrow: chain ID required")
	}

	chainID := big.NewInt(cfg.ChainID)
	binding, err := NewBinding(cfg.Client, common.HexToAddress(cfg.ContractAddress), chainID)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConfirmationTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}

	return &Manager{
		binding:  binding,
		provider: cfg.Provider,
		chainID:  chainID,
		timeout:  timeout,
		logger:   logger,
		emitter:  cfg.Emitter,
		sessions: make(map[string]*Session),
	}, nil
}

// Connect creates a new session and connects it. The session is only
// registered once the connection succeeds.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	id := idgen.WithPrefix("esc_")
	session := NewSession(id, m.provider, m.binding, m.chainID,
		WithConfirmationTimeout(m.timeout),
		WithStateEmitter(m.emitter),
		WithSessionLogger(m.logger),
	)

	if err := session.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	metrics.ActiveEscrowSessions.Inc()
	return session, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Disconnect closes a session and removes it from the registry.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	session.Close()
	metrics.ActiveEscrowSessions.Dec()
	m.logger.Info("escrow session closed", "session_id", id)
	return nil
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		metrics.ActiveEscrowSessions.Dec()
	}
}
