package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

// Repository implements simpleledger.RecordStore and simpleledger.UploadJournal
// using in-memory storage
type Repository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*simpleledger.MetadataRecord
	journal map[simpleledger.ContentID]*simpleledger.JournalEntry
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		records: make(map[uuid.UUID]*simpleledger.MetadataRecord),
		journal: make(map[simpleledger.ContentID]*simpleledger.JournalEntry),
	}
}

// Record operations

func (r *Repository) UpsertRecord(ctx context.Context, record *simpleledger.MetadataRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// Create a copy to avoid external modifications
	recordCopy := *record
	if existing, ok := r.records[record.ID]; ok {
		if existing.OwnerID != record.OwnerID || existing.Kind != record.Kind {
			return fmt.Errorf("%w: %s %s belongs to another owner", simpleledger.ErrPersistence, existing.Kind, record.ID)
		}
		recordCopy.CreatedAt = existing.CreatedAt
		record.CreatedAt = existing.CreatedAt
	}
	r.records[record.ID] = &recordCopy
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, kind simpleledger.RecordKind, id uuid.UUID) (*simpleledger.MetadataRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok || record.Kind != kind {
		return nil, simpleledger.ErrRecordNotFound
	}
	recordCopy := *record
	return &recordCopy, nil
}

func (r *Repository) ReferencedMedia(ctx context.Context, ids []simpleledger.ContentID) (map[simpleledger.ContentID]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[simpleledger.ContentID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	found := make(map[simpleledger.ContentID]bool)
	for _, record := range r.records {
		if wanted[record.MediaRef] {
			found[record.MediaRef] = true
		}
	}
	return found, nil
}

func (r *Repository) ListMediaRecords(ctx context.Context, since time.Time, limit, offset int) ([]*simpleledger.MetadataRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simpleledger.MetadataRecord
	for _, record := range r.records {
		if record.MediaRef.IsZero() || record.UpdatedAt.Before(since) {
			continue
		}
		recordCopy := *record
		result = append(result, &recordCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return page(result, limit, offset), nil
}

// Journal operations

func (r *Repository) Begin(ctx context.Context, entry *simpleledger.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entryCopy := *entry
	entryCopy.Status = simpleledger.JournalStatusPending
	entryCopy.FinishedAt = nil
	r.journal[entry.ContentID] = &entryCopy
	return nil
}

func (r *Repository) Complete(ctx context.Context, id simpleledger.ContentID, at time.Time) error {
	return r.finish(id, simpleledger.JournalStatusComplete, at, "")
}

func (r *Repository) Fail(ctx context.Context, id simpleledger.ContentID, at time.Time, reason string) error {
	return r.finish(id, simpleledger.JournalStatusFailed, at, reason)
}

func (r *Repository) finish(id simpleledger.ContentID, status simpleledger.JournalStatus, at time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.journal[id]
	if !ok {
		return simpleledger.ErrJournalEntryNotFound
	}
	entry.Status = status
	entry.FinishedAt = &at
	entry.Reason = reason
	return nil
}

func (r *Repository) Get(ctx context.Context, id simpleledger.ContentID) (*simpleledger.JournalEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.journal[id]
	if !ok {
		return nil, simpleledger.ErrJournalEntryNotFound
	}
	return copyEntry(entry), nil
}

func (r *Repository) ListByStatus(ctx context.Context, status simpleledger.JournalStatus, from, to time.Time) ([]*simpleledger.JournalEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simpleledger.JournalEntry
	for _, entry := range r.journal {
		if entry.Status != status {
			continue
		}
		at := entry.StartedAt
		if status != simpleledger.JournalStatusPending && entry.FinishedAt != nil {
			at = *entry.FinishedAt
		}
		if at.Before(from) || !at.Before(to) {
			continue
		}
		result = append(result, copyEntry(entry))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ContentID < result[j].ContentID
	})
	return result, nil
}

func copyEntry(entry *simpleledger.JournalEntry) *simpleledger.JournalEntry {
	entryCopy := *entry
	if entry.FinishedAt != nil {
		finished := *entry.FinishedAt
		entryCopy.FinishedAt = &finished
	}
	return &entryCopy
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
