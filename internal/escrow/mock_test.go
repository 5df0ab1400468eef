package escrow

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// testKey and testKey2 are the first two Hardhat dev accounts.
const (
	testKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testKey2 = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

const testChainID = int64(31337)

// mockEthClient simulates a node hosting one escrow contract. View calls
// answer from in-memory fields; sent transactions are mined instantly by
// applying the contract's transition rules.
type mockEthClient struct {
	mu  sync.Mutex
	abi abi.ABI

	buyer      common.Address
	seller     common.Address
	arbitrator common.Address

	state           uint8
	amount          *big.Int
	deadline        *big.Int
	buyerConfirmed  bool
	sellerRequested bool

	nonce        uint64
	blockNumber  uint64
	callErr      error  // forces every CallContract to fail
	sendErr      error  // forces SendTransaction to fail
	failNext     bool   // mine the next transaction as reverted
	revertReason string // replay answer for reverted calls
	mineDelay    int    // receipt polls answered "not found" first

	receipts    map[common.Hash]*types.Receipt
	txs         map[common.Hash]*types.Transaction
	pendingPoll map[common.Hash]int
	viewCalls   int
	sentCount   int
}

func newMockEthClient() *mockEthClient {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		panic(err)
	}
	return &mockEthClient{
		abi:         parsed,
		amount:      big.NewInt(0),
		deadline:    big.NewInt(0),
		receipts:    make(map[common.Hash]*types.Receipt),
		txs:         make(map[common.Hash]*types.Transaction),
		pendingPoll: make(map[common.Hash]int),
	}
}

func (m *mockEthClient) methodBySelector(data []byte) (abi.Method, bool) {
	if len(data) < 4 {
		return abi.Method{}, false
	}
	for _, method := range m.abi.Methods {
		if bytes.Equal(method.ID, data[:4]) {
			return method, true
		}
	}
	return abi.Method{}, false
}

func (m *mockEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.callErr != nil {
		return nil, m.callErr
	}

	method, ok := m.methodBySelector(call.Data)
	if !ok {
		return nil, errors.New("unknown selector")
	}

	switch method.Name {
	case "buyer":
		m.viewCalls++
		return method.Outputs.Pack(m.buyer)
	case "seller":
		m.viewCalls++
		return method.Outputs.Pack(m.seller)
	case "arbitrator":
		m.viewCalls++
		return method.Outputs.Pack(m.arbitrator)
	case "state":
		m.viewCalls++
		return method.Outputs.Pack(m.state)
	case "amount":
		m.viewCalls++
		return method.Outputs.Pack(m.amount)
	case "deliveryDeadline":
		m.viewCalls++
		return method.Outputs.Pack(m.deadline)
	case "buyerConfirmedDelivery":
		m.viewCalls++
		return method.Outputs.Pack(m.buyerConfirmed)
	case "sellerRequestedPayout":
		m.viewCalls++
		return method.Outputs.Pack(m.sellerRequested)
	default:
		// Replay of a state-changing call, used for revert reasons.
		if m.revertReason != "" {
			return nil, errors.New("execution reverted: " + m.revertReason)
		}
		return nil, nil
	}
}

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}

	m.sentCount++
	m.nonce++
	m.blockNumber++
	m.txs[tx.Hash()] = tx
	if m.mineDelay > 0 {
		m.pendingPoll[tx.Hash()] = m.mineDelay
	}

	status := types.ReceiptStatusSuccessful
	if m.failNext {
		m.failNext = false
		status = types.ReceiptStatusFailed
	} else {
		m.applyTransition(tx)
	}

	m.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(m.blockNumber)),
		GasUsed:     42000,
	}
	return nil
}

// applyTransition mirrors the contract's state changes for a mined call.
func (m *mockEthClient) applyTransition(tx *types.Transaction) {
	method, ok := m.methodBySelector(tx.Data())
	if !ok {
		return
	}
	switch method.Name {
	case "lockFunds":
		m.amount = new(big.Int).Set(tx.Value())
	case "confirmDelivery":
		// Confirming a pending payout releases the funds.
		if m.state == uint8(StatePayoutRequested) {
			m.state = uint8(StateReleased)
		} else {
			m.state = uint8(StateDeliveryConfirmed)
		}
		m.buyerConfirmed = true
	case "requestPayout":
		m.state = uint8(StatePayoutRequested)
		m.sellerRequested = true
	case "refundBuyer":
		m.state = uint8(StateRefunded)
	case "resolveDispute":
		args, err := method.Inputs.Unpack(tx.Data()[4:])
		if err != nil || len(args) != 1 {
			return
		}
		if release, _ := args[0].(bool); release {
			m.state = uint8(StateReleased)
		} else {
			m.state = uint8(StateRefunded)
		}
	}
}

func (m *mockEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if remaining, ok := m.pendingPoll[txHash]; ok && remaining > 0 {
		m.pendingPoll[txHash] = remaining - 1
		return nil, ethereum.NotFound
	}
	receipt, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (m *mockEthClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txHash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (m *mockEthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(testChainID), nil
}

func (m *mockEthClient) Close() {}

func (m *mockEthClient) sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentCount
}

func (m *mockEthClient) views() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewCalls
}

// stubProvider is a Provider with scripted failures for connection tests.
type stubProvider struct {
	accounts    []common.Address
	accountsErr error
	chainID     *big.Int
	switchErr   error
}

func (p *stubProvider) Accounts(ctx context.Context) ([]common.Address, error) {
	return p.accounts, p.accountsErr
}

func (p *stubProvider) ChainID(ctx context.Context) (*big.Int, error) {
	if p.chainID == nil {
		return big.NewInt(testChainID), nil
	}
	return p.chainID, nil
}

func (p *stubProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	return p.switchErr
}

func (p *stubProvider) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func (p *stubProvider) OnEvent(handler func(ProviderEvent)) Subscription {
	return nopSubscription{}
}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}
