package memory

import (
	"context"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
)

// ArchivedSession is one retained session record.
type ArchivedSession struct {
	Snapshot  domain.SessionSnapshot
	StoppedAt *time.Time
	EndState  domain.SessionState
}

// SessionArchive retains session records in memory, for deployments without
// Postgres. Bounded: oldest records fall off past maxRecords.
type SessionArchive struct {
	mu         sync.Mutex
	records    map[domain.StreamKey]*ArchivedSession
	order      []domain.StreamKey
	maxRecords int
}

func NewSessionArchive(maxRecords int) *SessionArchive {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &SessionArchive{
		records:    make(map[domain.StreamKey]*ArchivedSession),
		maxRecords: maxRecords,
	}
}

func (a *SessionArchive) RecordSession(ctx context.Context, snap domain.SessionSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.records[snap.StreamKey]; !exists {
		a.order = append(a.order, snap.StreamKey)
	}
	a.records[snap.StreamKey] = &ArchivedSession{Snapshot: snap}

	for len(a.order) > a.maxRecords {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.records, oldest)
	}
	return nil
}

func (a *SessionArchive) RecordStop(ctx context.Context, key domain.StreamKey, state domain.SessionState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.records[key]
	if !ok {
		return nil
	}
	now := time.Now()
	record.StoppedAt = &now
	record.EndState = state
	return nil
}

// Lookup returns the retained record for a stream, if any.
func (a *SessionArchive) Lookup(key domain.StreamKey) (ArchivedSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.records[key]
	if !ok {
		return ArchivedSession{}, false
	}
	return *record, true
}

func (a *SessionArchive) Close(ctx context.Context) error {
	return nil
}

var _ ports.SessionArchive = (*SessionArchive)(nil)
