package saga

import (
	"context"
	"sync"
	"time"
)

// MemoryStateStore is an in-memory StateStore for tests and single-process
// use. It enforces the same optimistic-version contract as the durable store.
type MemoryStateStore struct {
	mu    sync.Mutex
	sagas map[string]*Instance
	now   func() time.Time
}

// NewMemoryStateStore constructs an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		sagas: make(map[string]*Instance),
		now:   time.Now,
	}
}

func (s *MemoryStateStore) Create(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[inst.ID]; ok {
		return ErrDuplicateSaga
	}
	s.sagas[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStateStore) Get(ctx context.Context, id string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.sagas[id]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStateStore) Update(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sagas[inst.ID]
	if !ok {
		return ErrSagaNotFound
	}
	if stored.Version != inst.Version {
		return ErrConcurrentModification
	}
	inst.Version++
	inst.UpdatedAt = s.now().UTC()
	s.sagas[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStateStore) ListActive(ctx context.Context, olderThan time.Duration, limit int) ([]*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().Add(-olderThan)
	var out []*Instance
	for _, inst := range s.sagas {
		if inst.Status.Terminal() {
			continue
		}
		if !inst.UpdatedAt.After(cutoff) {
			out = append(out, inst.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type memoryIdemRecord struct {
	status    Claim
	result    string
	updatedAt time.Time
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore for tests and
// single-process use.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]memoryIdemRecord
	now     func() time.Time
}

// NewMemoryIdempotencyStore constructs an empty MemoryIdempotencyStore.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records: make(map[string]memoryIdemRecord),
		now:     time.Now,
	}
}

func idemKey(operation, key string) string {
	return operation + "\x00" + key
}

func (s *MemoryIdempotencyStore) Begin(ctx context.Context, operation, key string) (Claim, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(operation, key)
	rec, ok := s.records[k]
	if !ok {
		s.records[k] = memoryIdemRecord{status: ClaimInFlight, updatedAt: s.now().UTC()}
		return ClaimFresh, "", nil
	}
	if rec.status == ClaimCompleted {
		return ClaimCompleted, rec.result, nil
	}
	return ClaimInFlight, "", nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, operation, key, result string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[idemKey(operation, key)] = memoryIdemRecord{
		status:    ClaimCompleted,
		result:    result,
		updatedAt: s.now().UTC(),
	}
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, operation, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(operation, key)
	if rec, ok := s.records[k]; ok && rec.status == ClaimInFlight {
		delete(s.records, k)
	}
	return nil
}

// PurgeOlderThan drops completed records last touched before the retention
// window. In-flight claims are kept; the owning saga may still be retried.
func (s *MemoryIdempotencyStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().Add(-age)
	removed := 0
	for k, rec := range s.records {
		if rec.status == ClaimCompleted && rec.updatedAt.Before(cutoff) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}
