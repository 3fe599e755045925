package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

// Memory bundles in-memory stores suitable for tests and local demos.
// The transactor emulates the database transaction with a critical
// section keyed by request id, so the engine's CAS semantics hold under
// full concurrency.
type Memory struct {
	Requests *MemoryRequestStore
	Bids     *MemoryBidStore
	Tx       *MemoryTransactor
}

// NewMemory constructs wired, empty in-memory stores.
func NewMemory() *Memory {
	requests := &MemoryRequestStore{items: make(map[uuid.UUID]request.Request)}
	bids := &MemoryBidStore{
		items:    make(map[uuid.UUID]bid.Bid),
		requests: requests,
	}
	tx := &MemoryTransactor{
		locks:  make(map[uuid.UUID]*requestLock),
		stores: negotiation.TxStores{Requests: requests, Bids: bids},
	}
	return &Memory{Requests: requests, Bids: bids, Tx: tx}
}

// MemoryRequestStore implements negotiation.RequestStore over a map.
type MemoryRequestStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]request.Request
}

func (m *MemoryRequestStore) Create(_ context.Context, r *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[r.ID] = *r
	return nil
}

func (m *MemoryRequestStore) GetByID(_ context.Context, id uuid.UUID) (*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return nil, negotiation.ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryRequestStore) ListByPassenger(_ context.Context, passengerID uuid.UUID) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*request.Request
	for _, r := range m.items {
		if r.PassengerID == passengerID {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRequestStore) ListOpen(_ context.Context, limit int) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*request.Request
	for _, r := range m.items {
		if r.Status == request.StatusOpen {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRequestStore) ListOverdueOpen(_ context.Context, now time.Time, limit int) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*request.Request
	for _, r := range m.items {
		if r.Status == request.StatusOpen && !now.Before(r.ExpiresAt) {
			cp := r
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryRequestStore) TryTransition(_ context.Context, id uuid.UUID, expected, next request.Status, mutate func(*request.Request)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return negotiation.ErrNotFound
	}
	if r.Status != expected {
		return negotiation.ErrConflict
	}
	r.Status = next
	if mutate != nil {
		mutate(&r)
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	m.items[id] = r
	return nil
}

// MemoryBidStore implements negotiation.BidStore over a map. It keeps a
// reference to the request store so the overdue-pending query can join
// against request status the way the SQL store does.
type MemoryBidStore struct {
	mu       sync.RWMutex
	items    map[uuid.UUID]bid.Bid
	requests *MemoryRequestStore
}

func (m *MemoryBidStore) InsertIfAbsent(_ context.Context, b *bid.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.RequestID == b.RequestID &&
			existing.DriverID == b.DriverID &&
			existing.Status != bid.StatusWithdrawn {
			return negotiation.ErrDuplicateBid
		}
	}
	m.items[b.ID] = *b
	return nil
}

func (m *MemoryBidStore) GetByID(_ context.Context, id uuid.UUID) (*bid.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.items[id]
	if !ok {
		return nil, negotiation.ErrNotFound
	}
	cp := b
	return &cp, nil
}

func (m *MemoryBidStore) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*bid.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*bid.Bid
	for _, b := range m.items {
		if b.RequestID == requestID {
			cp := b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryBidStore) UpdateFields(_ context.Context, b *bid.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[b.ID]
	if !ok {
		return negotiation.ErrNotFound
	}
	if cur.Status != bid.StatusPending || cur.Version != b.Version {
		return negotiation.ErrConflict
	}
	cur.PriceOffer = b.PriceOffer
	cur.ProposedAt = b.ProposedAt
	cur.Message = b.Message
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	m.items[b.ID] = cur
	*b = cur
	return nil
}

func (m *MemoryBidStore) TryTransition(_ context.Context, id uuid.UUID, expected, next bid.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return negotiation.ErrNotFound
	}
	if b.Status != expected {
		return negotiation.ErrConflict
	}
	b.Status = next
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	m.items[id] = b
	return nil
}

func (m *MemoryBidStore) TransitionAllPending(_ context.Context, requestID uuid.UUID, next bid.Status, except *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	now := time.Now().UTC()
	for id, b := range m.items {
		if b.RequestID != requestID || b.Status != bid.StatusPending {
			continue
		}
		if except != nil && id == *except {
			continue
		}
		b.Status = next
		b.Version++
		b.UpdatedAt = now
		m.items[id] = b
		count++
	}
	return count, nil
}

func (m *MemoryBidStore) ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*bid.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*bid.Bid
	for _, b := range m.items {
		if b.Status != bid.StatusPending || now.Before(b.ExpiresAt) {
			continue
		}
		r, err := m.requests.GetByID(ctx, b.RequestID)
		if err != nil || r.Status != request.StatusOpen {
			continue
		}
		cp := b
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MemoryTransactor serializes all mutations touching one request behind a
// per-request mutex, emulating the row-level transaction the SQL stores
// get from the database. Lock entries are refcounted and dropped once the
// last holder releases, so the map stays proportional to the requests
// currently in flight.
type MemoryTransactor struct {
	mu     sync.Mutex
	locks  map[uuid.UUID]*requestLock
	stores negotiation.TxStores
}

type requestLock struct {
	mu   sync.Mutex
	refs int
}

func (t *MemoryTransactor) InRequestTx(ctx context.Context, requestID uuid.UUID, fn func(ctx context.Context, stores negotiation.TxStores) error) error {
	lock := t.acquire(requestID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		t.release(requestID, lock)
	}()
	return fn(ctx, t.stores)
}

func (t *MemoryTransactor) acquire(requestID uuid.UUID) *requestLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[requestID]
	if !ok {
		lock = &requestLock{}
		t.locks[requestID] = lock
	}
	lock.refs++
	return lock
}

func (t *MemoryTransactor) release(requestID uuid.UUID, lock *requestLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(t.locks, requestID)
	}
}
