// Package store provides in-memory implementations of the circulation
// persistence interfaces.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY LEDGER - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements circulation.AdminLedger and circulation.AuditLog.
// A single RWMutex makes every compare-and-set atomic.
type Memory struct {
	mu     sync.RWMutex
	copies map[circulation.CopyID]circulation.Copy
	audit  map[circulation.CopyID][]circulation.AuditEntry
}

var (
	_ circulation.AdminLedger = (*Memory)(nil)
	_ circulation.AuditLog    = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		copies: make(map[circulation.CopyID]circulation.Copy),
		audit:  make(map[circulation.CopyID][]circulation.AuditEntry),
	}
}

func (m *Memory) Get(_ context.Context, id circulation.CopyID) (circulation.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.copies[id]
	if !ok {
		return circulation.Copy{}, circulation.ErrCopyNotFound
	}
	return c, nil
}

// CompareAndSet replaces the record if status and version still match.
func (m *Memory) CompareAndSet(
	_ context.Context,
	id circulation.CopyID,
	expected circulation.Status,
	expectedVersion uint64,
	next circulation.Copy,
) (circulation.Copy, error) {
	if next.ID != id {
		return circulation.Copy{}, &circulation.InvariantError{CopyID: id, Rule: "id", Detail: "copy id cannot change"}
	}
	if err := next.Validate(); err != nil {
		return circulation.Copy{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.copies[id]
	if !ok {
		return circulation.Copy{}, circulation.ErrCopyNotFound
	}
	if cur.Status != expected || cur.Version != expectedVersion {
		return circulation.Copy{}, circulation.ErrConcurrencyConflict
	}
	if next.TitleRef != cur.TitleRef {
		return circulation.Copy{}, &circulation.InvariantError{CopyID: id, Rule: "title", Detail: "title reference cannot change"}
	}

	next.Version = expectedVersion + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	m.copies[id] = next
	return next, nil
}

func (m *Memory) ListByTitle(_ context.Context, title circulation.TitleRef, statuses ...circulation.Status) ([]circulation.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := circulation.StatusSet(statuses)
	var result []circulation.Copy
	for _, c := range m.copies {
		if c.TitleRef != title {
			continue
		}
		if want != nil && !want[c.Status] {
			continue
		}
		result = append(result, c)
	}
	circulation.SortByID(result)
	return result, nil
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

func (m *Memory) Create(_ context.Context, c circulation.Copy) error {
	if err := c.ValidateNew(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.copies[c.ID]; exists {
		return circulation.ErrDuplicateCopy
	}
	c.Version = 1
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.copies[c.ID] = c
	return nil
}

func (m *Memory) Delete(_ context.Context, id circulation.CopyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.copies[id]
	if !ok {
		return circulation.ErrCopyNotFound
	}
	if c.Status == circulation.StatusOnLoan || c.Status == circulation.StatusReserved {
		return circulation.ErrCopyInUse
	}
	delete(m.copies, id)
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses ...circulation.Status) ([]circulation.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := circulation.StatusSet(statuses)
	var result []circulation.Copy
	for _, c := range m.copies {
		if want == nil || want[c.Status] {
			result = append(result, c)
		}
	}
	circulation.SortByID(result)
	return result, nil
}

func (m *Memory) ListByHolder(_ context.Context, patron circulation.PatronID) ([]circulation.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []circulation.Copy
	for _, c := range m.copies {
		if c.Holder == patron {
			result = append(result, c)
		}
	}
	circulation.SortByDueBack(result)
	return result, nil
}

func (m *Memory) CountByStatus(_ context.Context, title circulation.TitleRef) (map[circulation.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[circulation.Status]int, len(circulation.AllStatuses))
	for _, s := range circulation.AllStatuses {
		counts[s] = 0
	}
	for _, c := range m.copies {
		if title == "" || c.TitleRef == title {
			counts[c.Status]++
		}
	}
	return counts, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, entry circulation.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[entry.CopyID] = append(m.audit[entry.CopyID], entry)
	return nil
}

func (m *Memory) History(_ context.Context, id circulation.CopyID) ([]circulation.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]circulation.AuditEntry, len(m.audit[id]))
	copy(result, m.audit[id])
	return result, nil
}
