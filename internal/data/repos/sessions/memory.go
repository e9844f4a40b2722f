package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/notebookhub/internal/domain/session"
)

// MemoryStore is a thread-safe in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*session.Record
	live    map[string]uuid.UUID
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*session.Record),
		live:    make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, rec *session.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := prepare(rec, m.now()); err != nil {
		return err
	}
	if _, dup := m.records[rec.ID]; dup {
		return fmt.Errorf("create %s: %w", rec.ID, ErrConflict)
	}
	if rec.Live {
		if _, exists := m.live[rec.User]; exists {
			return fmt.Errorf("create for %s: live record exists: %w", rec.User, ErrConflict)
		}
		m.live[rec.User] = rec.ID
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) GetLive(_ context.Context, user string) (*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.live[user]
	if !ok {
		return nil, nil
	}
	return m.records[id].Clone(), nil
}

func (m *MemoryStore) Latest(_ context.Context, user string) (*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *session.Record
	for _, rec := range m.records {
		if rec.User != user {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, rec *session.Record, expect session.State) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expect {
		return fmt.Errorf("update %s: state is %s, expected %s: %w", rec.User, cur.State, expect, ErrConflict)
	}
	if err := prepare(rec, m.now()); err != nil {
		return err
	}
	if rec.Live {
		if id, exists := m.live[rec.User]; exists && id != rec.ID {
			return fmt.Errorf("update %s: another live record: %w", rec.User, ErrConflict)
		}
		m.live[rec.User] = rec.ID
	} else if m.live[rec.User] == rec.ID {
		delete(m.live, rec.User)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) ListLive(_ context.Context) ([]*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Record, 0, len(m.live))
	for _, id := range m.live {
		out = append(out, m.records[id].Clone())
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if !rec.State.Terminal() || rec.FinishedAt == nil {
			continue
		}
		if rec.FinishedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func sortRecords(recs []*session.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].User < recs[j].User
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
