package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. All appends run under one mutex so
// block indexes stay strictly monotonic and the duplicate-ID check cannot
// race. Reads return copies; callers never see internal slices.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []ProductBlock
	events []EventRecord
	byID   map[string]int // productId -> block index
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]int),
		now:  time.Now,
	}
}

// AppendProduct appends one block for a previously unseen product ID.
// Returns ErrDuplicateProduct if the ID is already in the chain.
func (s *MemoryStore) AppendProduct(ctx context.Context, data ProductData) (*ProductBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[data.ProductID]; exists {
		return nil, ErrDuplicateProduct
	}

	prev := GenesisLink
	if n := len(s.blocks); n > 0 {
		prev = s.blocks[n-1].Link
	}

	block := ProductBlock{
		Index:        len(s.blocks),
		Timestamp:    s.now().UTC().Format(time.RFC3339Nano),
		Data:         data,
		PreviousLink: prev,
	}
	block.Link = linkValue(block.Index, block.Timestamp, block.Data, block.PreviousLink)

	s.blocks = append(s.blocks, block)
	s.byID[data.ProductID] = block.Index

	out := block
	return &out, nil
}

// AppendEvent appends one event record. The product must already exist.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[event.ProductID]; !exists {
		return ErrProductNotFound
	}

	s.events = append(s.events, *event)
	return nil
}

// Blocks returns a snapshot of the chain in append order.
func (s *MemoryStore) Blocks(ctx context.Context) ([]ProductBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ProductBlock, len(s.blocks))
	copy(out, s.blocks)
	return out, nil
}

// Events returns a snapshot of the event log in append order.
func (s *MemoryStore) Events(ctx context.Context) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out, nil
}

// HasProduct reports whether a block exists for the given product ID.
func (s *MemoryStore) HasProduct(ctx context.Context, productID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byID[productID]
	return ok, nil
}

// Length returns the number of blocks in the chain.
func (s *MemoryStore) Length(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks), nil
}
