package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind identifies a provider-side change a session must react to.
type EventKind string

const (
	EventAccountsChanged EventKind = "accountsChanged"
	EventChainChanged    EventKind = "chainChanged"
	EventDisconnect      EventKind = "disconnect"
)

// ProviderEvent is delivered to subscribed sessions when the wallet's
// accounts, chain, or connectivity changes out from under them.
type ProviderEvent struct {
	Kind     EventKind
	Accounts []common.Address
	ChainID  *big.Int
}

// Subscription is a handle on a provider event stream. Unsubscribe is
// idempotent.
type Subscription interface {
	Unsubscribe()
}

// Provider abstracts the wallet: it owns the authorized accounts, the
// active chain, and transaction signing. Sessions never hold keys.
type Provider interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	OnEvent(handler func(ProviderEvent)) Subscription
}

// KeyProvider is a Provider backed by a local private key. It stands in
// for a browser wallet in server-side and test deployments: one account,
// chain switching always honored, events emitted only when the caller
// drives them.
type KeyProvider struct {
	mu       sync.RWMutex
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	nextSub  int
	handlers map[int]func(ProviderEvent)
}

var _ Provider = (*KeyProvider)(nil)

// NewKeyProvider creates a provider from a hex private key, with or
// without the 0x prefix.
func NewKeyProvider(hexKey string, chainID *big.Int) (*KeyProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("escrow: invalid private key: %w", err)
	}
	return &KeyProvider{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(0).Set(chainID),
		handlers: make(map[int]func(ProviderEvent)),
	}, nil
}

// Address returns the provider's single account address.
func (p *KeyProvider) Address() common.Address { return p.address }

// Accounts returns the single key-derived account.
func (p *KeyProvider) Accounts(ctx context.Context) ([]common.Address, error) {
	return []common.Address{p.address}, nil
}

// ChainID returns the chain the provider currently points at.
func (p *KeyProvider) ChainID(ctx context.Context) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return big.NewInt(0).Set(p.chainID), nil
}

// SwitchChain repoints the provider and notifies subscribers.
func (p *KeyProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	p.mu.Lock()
	p.chainID = big.NewInt(0).Set(chainID)
	p.mu.Unlock()

	p.emit(ProviderEvent{Kind: EventChainChanged, ChainID: big.NewInt(0).Set(chainID)})
	return nil
}

// SignTx signs with the local key using EIP-155 replay protection.
func (p *KeyProvider) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if from != p.address {
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, from.Hex())
	}
	return types.SignTx(tx, types.NewEIP155Signer(chainID), p.key)
}

// OnEvent registers a handler for provider events.
func (p *KeyProvider) OnEvent(handler func(ProviderEvent)) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++
	p.handlers[id] = handler
	return &keySubscription{provider: p, id: id}
}

// Disconnect notifies subscribers that the provider is gone. Used by
// tests and by deployments tearing down the signer.
func (p *KeyProvider) Disconnect() {
	p.emit(ProviderEvent{Kind: EventDisconnect})
}

func (p *KeyProvider) emit(ev ProviderEvent) {
	p.mu.RLock()
	handlers := make([]func(ProviderEvent), 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

type keySubscription struct {
	provider *KeyProvider
	id       int
	once     sync.Once
}

func (s *keySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.provider.mu.Lock()
		delete(s.provider.handlers, s.id)
		s.provider.mu.Unlock()
	})
}
