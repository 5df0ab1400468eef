// Package ledger implements the append-only product ledger.
//
// Products are stored as a chain of immutable blocks, each carrying a link
// value derived from its index, timestamp, payload, and the previous block's
// link value. The link is a plain concatenation fingerprint, not a
// cryptographic hash: it fixes append order but offers no tamper resistance.
// A retroactive edit of an earlier block would go undetected. Supply-chain
// events live in a separate append-only log keyed by product ID.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/chaintrace/internal/metrics"
	"github.com/mbd888/chaintrace/internal/traces"
)

var (
	ErrMissingField     = errors.New("ledger: missing required field")
	ErrDuplicateProduct = errors.New("ledger: product ID already exists")
	ErrProductNotFound  = errors.New("ledger: product not found")
)

// GenesisLink is the sentinel previous-link value of the first block.
const GenesisLink = "0"

// ProductData is the payload recorded in a product block.
// Field order matters: the link fingerprint serializes this struct, so
// reordering fields changes every derived link value.
type ProductData struct {
	ProductID     string `json:"productId"`
	Description   string `json:"description"`
	Owner         string `json:"owner"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// ProductBlock is one immutable ledger record. Index equals the block's
// position in the chain; PreviousLink of block N equals Link of block N-1.
type ProductBlock struct {
	Index        int         `json:"index"`
	Timestamp    string      `json:"timestamp"` // ISO-8601
	Data         ProductData `json:"data"`
	PreviousLink string      `json:"previousHash"`
	Link         string      `json:"hash"`
}

// EventRecord is one supply-chain event for an existing product.
// Events have no uniqueness constraint; insertion order is preserved.
type EventRecord struct {
	ProductID     string `json:"productId"`
	EventType     string `json:"eventType"`
	Key           string `json:"key,omitempty"`
	Value         string `json:"value,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Timestamp     string `json:"timestamp"` // ISO-8601
}

// Well-known event types. The set is open: any non-empty type is accepted.
const (
	EventProductionStart = "ProductionStart"
	EventQualityCheck    = "QualityCheck"
	EventShipment        = "Shipment"
	EventStorage         = "Storage"
	EventDelivery        = "Delivery"
	EventAlert           = "Alert"
)

// linkValue derives a block's link from its full tuple. Deliberately the
// original append-order fingerprint, not a content hash.
func linkValue(index int, timestamp string, data ProductData, previousLink string) string {
	payload, _ := json.Marshal(data)
	return fmt.Sprintf("%d-%s-%s-%s", index, timestamp, payload, previousLink)
}

// Store persists the block chain and event log. Implementations must
// serialize appends so indexes stay monotonic and duplicate-ID checks
// cannot race under concurrent submissions.
type Store interface {
	AppendProduct(ctx context.Context, data ProductData) (*ProductBlock, error)
	AppendEvent(ctx context.Context, event *EventRecord) error
	Blocks(ctx context.Context) ([]ProductBlock, error)
	Events(ctx context.Context) ([]EventRecord, error)
	HasProduct(ctx context.Context, productID string) (bool, error)
	Length(ctx context.Context) (int, error)
}

// EventEmitter receives notifications of successful appends.
type EventEmitter interface {
	BlockAppended(block *ProductBlock)
	EventAppended(event *EventRecord)
}

// AppendProductRequest contains the parameters for appending a product block.
type AppendProductRequest struct {
	ProductID     string `json:"productId"`
	Description   string `json:"description"`
	Owner         string `json:"owner"`
	WalletAddress string `json:"walletAddress"`
}

// AppendEventRequest contains the parameters for appending a product event.
type AppendEventRequest struct {
	ProductID     string `json:"productId"`
	EventType     string `json:"eventType"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	WalletAddress string `json:"walletAddress"`
}

// Ledger validates and appends to a Store.
type Ledger struct {
	store   Store
	emitter EventEmitter
}

// New creates a ledger service backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// WithEvents adds an emitter notified after successful appends.
func (l *Ledger) WithEvents(e EventEmitter) *Ledger {
	l.emitter = e
	return l
}

// AppendProduct validates the request and appends one immutable block.
func (l *Ledger) AppendProduct(ctx context.Context, req AppendProductRequest) (*ProductBlock, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.AppendProduct", traces.ProductID(req.ProductID))
	defer span.End()

	for _, f := range []struct{ name, value string }{
		{"productId", req.ProductID},
		{"description", req.Description},
		{"owner", req.Owner},
	} {
		if f.value == "" {
			metrics.AppendRejectedTotal.WithLabelValues("missing_field").Inc()
			return nil, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}

	block, err := l.store.AppendProduct(ctx, ProductData{
		ProductID:     req.ProductID,
		Description:   req.Description,
		Owner:         req.Owner,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateProduct) {
			metrics.AppendRejectedTotal.WithLabelValues("duplicate").Inc()
		}
		return nil, err
	}

	metrics.BlocksAppendedTotal.Inc()
	metrics.ChainLength.Set(float64(block.Index + 1))

	if l.emitter != nil {
		l.emitter.BlockAppended(block)
	}

	return block, nil
}

// AppendEvent validates the request and appends one event record.
// The referenced product must already exist in the chain.
func (l *Ledger) AppendEvent(ctx context.Context, req AppendEventRequest) (*EventRecord, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.AppendEvent",
		traces.ProductID(req.ProductID), traces.EventType(req.EventType))
	defer span.End()

	if req.ProductID == "" || req.EventType == "" {
		metrics.AppendRejectedTotal.WithLabelValues("missing_field").Inc()
		return nil, fmt.Errorf("%w: productId and eventType", ErrMissingField)
	}

	event := &EventRecord{
		ProductID:     req.ProductID,
		EventType:     req.EventType,
		Key:           req.Key,
		Value:         req.Value,
		WalletAddress: req.WalletAddress,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}

	if err := l.store.AppendEvent(ctx, event); err != nil {
		if errors.Is(err, ErrProductNotFound) {
			metrics.AppendRejectedTotal.WithLabelValues("unknown_product").Inc()
		}
		return nil, err
	}

	metrics.EventsAppendedTotal.WithLabelValues(event.EventType).Inc()

	if l.emitter != nil {
		l.emitter.EventAppended(event)
	}

	return event, nil
}

// ListProducts returns a read-only snapshot of the chain in append order.
func (l *Ledger) ListProducts(ctx context.Context) ([]ProductBlock, error) {
	return l.store.Blocks(ctx)
}

// ListEvents returns a read-only snapshot of the event log in append order.
func (l *Ledger) ListEvents(ctx context.Context) ([]EventRecord, error) {
	return l.store.Events(ctx)
}

// Length returns the current number of blocks in the chain.
func (l *Ledger) Length(ctx context.Context) (int, error) {
	return l.store.Length(ctx)
}
