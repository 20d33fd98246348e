package booking

import (
	"context"
	"fmt"
	"sync"
)

// In-memory collaborator clients. They back local development and tests, and
// they enforce the same contracts the Postgres-backed clients do: version
// guarded inventory writes and per-key deduplication on every mutating call.

// MemoryInventory is an in-memory InventoryClient.
type MemoryInventory struct {
	mu    sync.Mutex
	items map[string]*inventoryItem
	// FailReserve, when set, is consulted before each reserve attempt.
	FailReserve func(itemID string) error
	// FailRelease, when set, is consulted before each release attempt.
	FailRelease func(itemID string) error

	reservations map[string]Reservation
	releases     map[string]struct{}
	nextID       int
}

type inventoryItem struct {
	available int
	version   int64
}

// NewMemoryInventory creates an empty inventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		items:        make(map[string]*inventoryItem),
		reservations: make(map[string]Reservation),
		releases:     make(map[string]struct{}),
	}
}

// Stock sets an item's available units and version token.
func (m *MemoryInventory) Stock(itemID string, units int, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemID] = &inventoryItem{available: units, version: version}
}

// Available reports an item's free units and current version.
func (m *MemoryInventory) Available(itemID string) (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return 0, 0
	}
	return item.available, item.version
}

// Bump advances an item's version without changing stock, simulating a
// concurrent writer.
func (m *MemoryInventory) Bump(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[itemID]; ok {
		item.version++
	}
}

func (m *MemoryInventory) Reserve(_ context.Context, key, itemID string, units int, version int64) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.reservations[key]; ok {
		return prior, nil
	}
	if m.FailReserve != nil {
		if err := m.FailReserve(itemID); err != nil {
			return Reservation{}, err
		}
	}
	item, ok := m.items[itemID]
	if !ok {
		return Reservation{}, ErrInsufficientInventory
	}
	if item.version != version {
		return Reservation{}, &VersionConflictError{ItemID: itemID, CurrentVersion: item.version}
	}
	if item.available < units {
		return Reservation{}, ErrInsufficientInventory
	}
	item.available -= units
	item.version++
	m.nextID++
	res := Reservation{
		ReservationID: fmt.Sprintf("res-%d", m.nextID),
		ItemID:        itemID,
		Units:         units,
		Version:       item.version,
	}
	m.reservations[key] = res
	return res, nil
}

func (m *MemoryInventory) Release(_ context.Context, key, itemID string, units int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[key]; ok {
		return ErrAlreadyReleased
	}
	if m.FailRelease != nil {
		if err := m.FailRelease(itemID); err != nil {
			return err
		}
	}
	item, ok := m.items[itemID]
	if !ok {
		return nil
	}
	item.available += units
	item.version++
	m.releases[key] = struct{}{}
	return nil
}

// MemoryPayments is an in-memory PaymentClient.
type MemoryPayments struct {
	mu      sync.Mutex
	charges map[string]Charge
	refunds map[string]struct{}
	// Decline, when set, rejects charges for the given customer.
	Decline func(customerID string) error
	// FailRefund, when set, is consulted before each refund attempt.
	FailRefund func(key string) error
	nextID     int
}

// NewMemoryPayments creates an empty payment ledger.
func NewMemoryPayments() *MemoryPayments {
	return &MemoryPayments{
		charges: make(map[string]Charge),
		refunds: make(map[string]struct{}),
	}
}

// Charged reports whether a capture landed for the key and was not refunded.
func (m *MemoryPayments) Charged(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, charged := m.charges[key]
	_, refunded := m.refunds[key]
	return charged && !refunded
}

func (m *MemoryPayments) Charge(_ context.Context, key, customerID string, amount float64) (Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.charges[key]; ok {
		return prior, nil
	}
	if m.Decline != nil {
		if err := m.Decline(customerID); err != nil {
			return Charge{}, err
		}
	}
	m.nextID++
	charge := Charge{ChargeID: fmt.Sprintf("ch-%d", m.nextID), Amount: amount}
	m.charges[key] = charge
	return charge, nil
}

func (m *MemoryPayments) Refund(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.charges[key]; !ok {
		return ErrNotCharged
	}
	if _, ok := m.refunds[key]; ok {
		return ErrAlreadyRefunded
	}
	if m.FailRefund != nil {
		if err := m.FailRefund(key); err != nil {
			return err
		}
	}
	m.refunds[key] = struct{}{}
	return nil
}

// MemoryBookings is an in-memory BookingClient.
type MemoryBookings struct {
	mu        sync.Mutex
	confirmed map[string]Confirmation
	cancelled map[string]struct{}
	// FailConfirm, when set, is consulted before each confirm attempt.
	FailConfirm func(customerID string) error
	nextID      int
}

// NewMemoryBookings creates an empty booking store.
func NewMemoryBookings() *MemoryBookings {
	return &MemoryBookings{
		confirmed: make(map[string]Confirmation),
		cancelled: make(map[string]struct{}),
	}
}

func (m *MemoryBookings) Confirm(_ context.Context, key, customerID, itemID string, units int) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.confirmed[key]; ok {
		return prior, nil
	}
	if m.FailConfirm != nil {
		if err := m.FailConfirm(customerID); err != nil {
			return Confirmation{}, err
		}
	}
	m.nextID++
	conf := Confirmation{BookingID: fmt.Sprintf("bk-%d", m.nextID)}
	m.confirmed[key] = conf
	return conf, nil
}

func (m *MemoryBookings) Cancel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.confirmed[key]; !ok {
		return ErrBookingNotFound
	}
	if _, ok := m.cancelled[key]; ok {
		return ErrAlreadyCancelled
	}
	m.cancelled[key] = struct{}{}
	return nil
}

// MemoryNotifier records notifications instead of sending them.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []string
	// Fail, when set, rejects every notification.
	Fail error
}

// NewMemoryNotifier creates an empty notifier.
func NewMemoryNotifier() *MemoryNotifier { return &MemoryNotifier{} }

// Sent returns the recorded notification keys in send order.
func (m *MemoryNotifier) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MemoryNotifier) Notify(_ context.Context, key, _, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.sent = append(m.sent, key)
	return nil
}
