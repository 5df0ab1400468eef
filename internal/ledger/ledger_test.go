package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store), store
}

func TestAppendProductGenesis(t *testing.T) {
	l, _ := newTestLedger()

	block, err := l.AppendProduct(context.Background(), AppendProductRequest{
		ProductID:   "P1001",
		Description: "Organic Coffee",
		Owner:       "FarmCo",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, block.Index)
	assert.Equal(t, GenesisLink, block.PreviousLink)
	assert.Equal(t, "P1001", block.Data.ProductID)

	payload, err := json.Marshal(block.Data)
	require.NoError(t, err)
	want := fmt.Sprintf("0-%s-%s-0", block.Timestamp, payload)
	assert.Equal(t, want, block.Link)
}

func TestAppendProductChaining(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	var prev *ProductBlock
	for i := range 5 {
		block, err := l.AppendProduct(ctx, AppendProductRequest{
			ProductID:   fmt.Sprintf("P%d", i),
			Description: "test",
			Owner:       "owner",
		})
		require.NoError(t, err)
		assert.Equal(t, i, block.Index)
		if prev == nil {
			assert.Equal(t, GenesisLink, block.PreviousLink)
		} else {
			assert.Equal(t, prev.Link, block.PreviousLink)
		}
		prev = block
	}
}

func TestAppendProductDuplicate(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.AppendProduct(ctx, AppendProductRequest{
		ProductID: "P1001", Description: "first", Owner: "a",
	})
	require.NoError(t, err)

	_, err = l.AppendProduct(ctx, AppendProductRequest{
		ProductID: "P1001", Description: "second", Owner: "b",
	})
	assert.ErrorIs(t, err, ErrDuplicateProduct)

	// Rejected append must not grow the chain.
	blocks, err := l.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.Equal(t, "first", blocks[0].Data.Description)
}

func TestAppendProductMissingFields(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name string
		req  AppendProductRequest
	}{
		{"no product id", AppendProductRequest{Description: "d", Owner: "o"}},
		{"no description", AppendProductRequest{ProductID: "P1", Owner: "o"}},
		{"no owner", AppendProductRequest{ProductID: "P1", Description: "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.AppendProduct(ctx, tt.req)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}

	// WalletAddress is optional.
	_, err := l.AppendProduct(ctx, AppendProductRequest{
		ProductID: "P1", Description: "d", Owner: "o",
	})
	assert.NoError(t, err)
}

func TestAppendEvent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.AppendProduct(ctx, AppendProductRequest{
		ProductID: "P1001", Description: "coffee", Owner: "FarmCo",
	})
	require.NoError(t, err)

	event, err := l.AppendEvent(ctx, AppendEventRequest{
		ProductID: "P1001",
		EventType: EventShipment,
		Key:       "location",
		Value:     "Rotterdam",
	})
	require.NoError(t, err)
	assert.Equal(t, EventShipment, event.EventType)
	assert.NotEmpty(t, event.Timestamp)

	events, err := l.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Rotterdam", events[0].Value)
}

func TestAppendEventUnknownProduct(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.AppendEvent(ctx, AppendEventRequest{
		ProductID: "nope", EventType: EventDelivery,
	})
	assert.ErrorIs(t, err, ErrProductNotFound)

	// Rejected append must not grow the event log.
	events, err := l.ListEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendEventCustomType(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.AppendProduct(ctx, AppendProductRequest{
		ProductID: "P1", Description: "d", Owner: "o",
	})
	require.NoError(t, err)

	// Event types beyond the well-known set are accepted as-is.
	event, err := l.AppendEvent(ctx, AppendEventRequest{
		ProductID: "P1", EventType: "CustomsInspection",
	})
	require.NoError(t, err)
	assert.Equal(t, "CustomsInspection", event.EventType)
}

func TestListReadsAreIdempotent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.AppendProduct(ctx, AppendProductRequest{
		ProductID: "P1", Description: "d", Owner: "o",
	})
	require.NoError(t, err)
	_, err = l.AppendEvent(ctx, AppendEventRequest{ProductID: "P1", EventType: EventStorage})
	require.NoError(t, err)

	first, err := l.ListProducts(ctx)
	require.NoError(t, err)
	second, err := l.ListProducts(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Mutating a returned snapshot must not affect the store.
	first[0].Data.Owner = "tampered"
	third, err := l.ListProducts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o", third[0].Data.Owner)
}

func TestLinkValueDeterministic(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	block, err := store.AppendProduct(context.Background(), ProductData{
		ProductID:   "P1001",
		Description: "Organic Coffee",
		Owner:       "FarmCo",
	})
	require.NoError(t, err)

	// JSON field order in the fingerprint follows struct declaration order.
	assert.Equal(t,
		`0-2026-03-01T12:00:00Z-{"productId":"P1001","description":"Organic Coffee","owner":"FarmCo"}-0`,
		block.Link)
	assert.True(t, strings.HasSuffix(block.Link, "-"+GenesisLink))
}

func TestConcurrentAppends(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendProduct(ctx, AppendProductRequest{
				ProductID:   fmt.Sprintf("P%03d", i),
				Description: "d",
				Owner:       "o",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	blocks, err := l.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, n)

	// Indexes strictly increasing, every block chained to its predecessor.
	for i, b := range blocks {
		assert.Equal(t, i, b.Index)
		if i == 0 {
			assert.Equal(t, GenesisLink, b.PreviousLink)
		} else {
			assert.Equal(t, blocks[i-1].Link, b.PreviousLink)
		}
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	blocks []*ProductBlock
	events []*EventRecord
}

func (r *recordingEmitter) BlockAppended(b *ProductBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, b)
}

func (r *recordingEmitter) EventAppended(e *EventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestEmitterNotified(t *testing.T) {
	emitter := &recordingEmitter{}
	l := New(NewMemoryStore()).WithEvents(emitter)
	ctx := context.Background()

	_, err := l.AppendProduct(ctx, AppendProductRequest{
		ProductID: "P1", Description: "d", Owner: "o",
	})
	require.NoError(t, err)
	_, err = l.AppendEvent(ctx, AppendEventRequest{ProductID: "P1", EventType: EventAlert})
	require.NoError(t, err)

	assert.Len(t, emitter.blocks, 1)
	assert.Len(t, emitter.events, 1)

	// Failed appends emit nothing.
	_, err = l.AppendEvent(ctx, AppendEventRequest{ProductID: "missing", EventType: EventAlert})
	require.Error(t, err)
	assert.Len(t, emitter.events, 1)
}
