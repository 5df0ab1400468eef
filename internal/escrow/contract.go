package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// escrowABI is the SupplyChainEscrow contract interface: party and state
// views plus the five state-changing actions.
const escrowABI = `[
	{"inputs":[],"name":"buyer","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"seller","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"arbitrator","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"state","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"amount","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"deliveryDeadline","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"buyerConfirmedDelivery","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"sellerRequestedPayout","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"lockFunds","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"confirmDelivery","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"requestPayout","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"refundBuyer","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"releaseToSeller","type":"bool"}],"name":"resolveDispute","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(200000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Snapshot is a point-in-time read of the contract's public state.
type Snapshot struct {
	State            State    `json:"state"`
	StateName        string   `json:"stateName"`
	Amount           *big.Int `json:"amount"`
	DeliveryDeadline *big.Int `json:"deliveryDeadline"`
	BuyerConfirmed   bool     `json:"buyerConfirmedDelivery"`
	SellerRequested  bool     `json:"sellerRequestedPayout"`
}

// Receipt summarizes a confirmed transaction.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// Binding is a typed client for one deployed SupplyChainEscrow contract.
type Binding struct {
	client       EthClient
	address      common.Address
	chainID      *big.Int
	abi          abi.ABI
	pollInterval time.Duration
}

// NewBinding creates a binding for the contract at the given address.
func NewBinding(client EthClient, address common.Address, chainID *big.Int) (*Binding, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	return &Binding{
		client:       client,
		address:      address,
		chainID:      big.NewInt(0).Set(chainID),
		abi:          parsed,
		pollInterval: ConfirmationPollInterval,
	}, nil
}

// Address returns the bound contract address.
func (b *Binding) Address() common.Address { return b.address }

// view executes a no-argument call and returns the single decoded output.
func (b *Binding) view(ctx context.Context, method string) (any, error) {
	data, err := b.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContractUnreachable, method, err)
	}
	results, err := b.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("unexpected %s result arity %d", method, len(results))
	}
	return results[0], nil
}

func (b *Binding) viewAddress(ctx context.Context, method string) (common.Address, error) {
	v, err := b.view(ctx, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s result type %T", method, v)
	}
	return addr, nil
}

func (b *Binding) viewBool(ctx context.Context, method string) (bool, error) {
	v, err := b.view(ctx, method)
	if err != nil {
		return false, err
	}
	val, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result type %T", method, v)
	}
	return val, nil
}

func (b *Binding) viewBigInt(ctx context.Context, method string) (*big.Int, error) {
	v, err := b.view(ctx, method)
	if err != nil {
		return nil, err
	}
	val, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, v)
	}
	return val, nil
}

// Buyer returns the contract's buyer address. Sessions also use it as the
// cheapest liveness probe during connection.
func (b *Binding) Buyer(ctx context.Context) (common.Address, error) {
	return b.viewAddress(ctx, "buyer")
}

// Seller returns the contract's seller address.
func (b *Binding) Seller(ctx context.Context) (common.Address, error) {
	return b.viewAddress(ctx, "seller")
}

// Arbitrator returns the contract's arbitrator address.
func (b *Binding) Arbitrator(ctx context.Context) (common.Address, error) {
	return b.viewAddress(ctx, "arbitrator")
}

// CurrentState reads and validates the contract's state enum.
func (b *Binding) CurrentState(ctx context.Context) (State, error) {
	v, err := b.view(ctx, "state")
	if err != nil {
		return 0, err
	}
	raw, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected state result type %T", v)
	}
	return ParseState(raw)
}

// FetchSnapshot reads the full public state of the contract.
func (b *Binding) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	state, err := b.CurrentState(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{State: state, StateName: state.String()}
	if snap.Amount, err = b.viewBigInt(ctx, "amount"); err != nil {
		return nil, err
	}
	if snap.DeliveryDeadline, err = b.viewBigInt(ctx, "deliveryDeadline"); err != nil {
		return nil, err
	}
	if snap.BuyerConfirmed, err = b.viewBool(ctx, "buyerConfirmedDelivery"); err != nil {
		return nil, err
	}
	if snap.SellerRequested, err = b.viewBool(ctx, "sellerRequestedPayout"); err != nil {
		return nil, err
	}
	return snap, nil
}

// Submit builds, signs, and sends one contract call. Value is attached
// only for payable actions; args carries resolveDispute's bool.
func (b *Binding) Submit(ctx context.Context, p Provider, from common.Address, action Action, value *big.Int, args ...any) (string, error) {
	data, err := b.abi.Pack(string(action), args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s call: %w", action, err)
	}

	nonce, err := b.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrContractUnreachable, err)
	}

	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrContractUnreachable, err)
	}

	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &b.address,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Estimation also fails for calls the contract would revert;
		// let the node reject the real transaction instead.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, b.address, value, gasLimit, gasPrice, data)

	signedTx, err := p.SignTx(ctx, from, tx, b.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s transaction: %w", action, err)
	}

	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		return signedTx.Hash().Hex(), fmt.Errorf("failed to send %s transaction: %w", action, err)
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls until the transaction is mined or the timeout
// elapses. A mined-but-reverted transaction returns a RejectionError
// carrying the revert reason when one can be recovered.
func (b *Binding) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmationTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := b.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep polling.
				continue
			}

			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &RejectionError{
					TxHash: txHash,
					Reason: b.revertReason(ctx, receipt),
				}
			}

			return &Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// revertReason replays the failed call at its block to recover the
// contract's require message. Falls back to a generic reason when the
// node returns nothing parseable.
func (b *Binding) revertReason(ctx context.Context, receipt *types.Receipt) string {
	const generic = "transaction reverted"

	tx, _, err := b.client.TransactionByHash(ctx, receipt.TxHash)
	if err != nil || tx == nil {
		return generic
	}

	msg := ethereum.CallMsg{
		To:    tx.To(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	if sender, err := types.Sender(types.NewEIP155Signer(b.chainID), tx); err == nil {
		msg.From = sender
	}

	_, callErr := b.client.CallContract(ctx, msg, receipt.BlockNumber)
	if callErr == nil {
		return generic
	}
	if reason, ok := parseRevertReason(callErr); ok {
		return reason
	}
	return generic
}

// parseRevertReason extracts the require message from a node error of
// the form "execution reverted: <reason>".
func parseRevertReason(err error) (string, bool) {
	const marker = "execution reverted"
	msg := err.Error()
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len(marker):], ":"))
	if reason == "" {
		return "", false
	}
	return strings.TrimSpace(reason), true
}
