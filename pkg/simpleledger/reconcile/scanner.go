// Package reconcile finds content stored on the ledger that no metadata
// record references, and records that reference content the journal never
// saw complete. It only reads; acting on a report is left to an operator.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/clock"
)

const (
	// DefaultBatchSize is how many ids are checked per ReferencedMedia call
	// and how many records are read per page.
	DefaultBatchSize = 100

	// DefaultGracePeriod leaves recent uploads alone so an in-flight commit
	// is not reported as an orphan.
	DefaultGracePeriod = time.Hour
)

// Scanner compares the upload journal with the record store.
type Scanner struct {
	store   simpleledger.RecordStore
	journal simpleledger.UploadJournal
	grace   time.Duration
	batch   int
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithGracePeriod sets how old a completed upload must be before it can be an orphan.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scanner) { s.grace = d }
}

// WithBatchSize sets the reference check and paging batch size.
func WithBatchSize(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Scanner) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scanner. Both store and journal are required.
func New(store simpleledger.RecordStore, journal simpleledger.UploadJournal, opts ...Option) (*Scanner, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: record store is required", simpleledger.ErrInvalidInput)
	}
	if journal == nil {
		return nil, fmt.Errorf("%w: upload journal is required", simpleledger.ErrInvalidInput)
	}
	s := &Scanner{
		store:   store,
		journal: journal,
		grace:   DefaultGracePeriod,
		batch:   DefaultBatchSize,
		clock:   clock.Real(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.grace < 0 {
		return nil, fmt.Errorf("%w: grace period must not be negative", simpleledger.ErrInvalidInput)
	}
	return s, nil
}

// Cutoff returns the latest finish time an upload may have to be considered.
func (s *Scanner) Cutoff() time.Time {
	return s.clock.Now().UTC().Add(-s.grace)
}

// FindOrphans returns the ids of uploads completed at or after since and
// before the grace period cutoff that no metadata record references.
func (s *Scanner) FindOrphans(ctx context.Context, since time.Time) ([]simpleledger.ContentID, error) {
	orphans, err := s.orphans(ctx, since, s.Cutoff())
	if err != nil {
		return nil, err
	}
	ids := make([]simpleledger.ContentID, len(orphans))
	for i, o := range orphans {
		ids[i] = o.ContentID
	}
	return ids, nil
}

// Scan builds a full Report for the window starting at since. Orphans and
// stale pending uploads are limited to the grace cutoff; orphaned
// references cover every record updated since.
func (s *Scanner) Scan(ctx context.Context, since time.Time) (*Report, error) {
	cutoff := s.Cutoff()
	report := &Report{
		GeneratedAt: s.clock.Now().UTC(),
		Since:       since.UTC(),
		Cutoff:      cutoff,
	}

	orphans, err := s.orphans(ctx, since, cutoff)
	if err != nil {
		return nil, err
	}
	report.Orphans = orphans

	refs, err := s.orphanedReferences(ctx, since)
	if err != nil {
		return nil, err
	}
	report.OrphanedReferences = refs

	pending, err := s.stalePending(ctx, since, cutoff)
	if err != nil {
		return nil, err
	}
	report.StalePending = pending

	s.logger.InfoContext(ctx, "reconciliation scan finished",
		"since", report.Since,
		"cutoff", cutoff,
		"orphans", len(report.Orphans),
		"orphaned_references", len(report.OrphanedReferences),
		"stale_pending", len(report.StalePending))
	return report, nil
}

func (s *Scanner) orphans(ctx context.Context, since, cutoff time.Time) ([]Upload, error) {
	if !since.Before(cutoff) {
		return nil, nil
	}
	entries, err := s.journal.ListByStatus(ctx, simpleledger.JournalStatusComplete, since, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed uploads: %w", err)
	}

	var orphans []Upload
	for start := 0; start < len(entries); start += s.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := entries[start:min(start+s.batch, len(entries))]
		ids := make([]simpleledger.ContentID, len(batch))
		for i, e := range batch {
			ids[i] = e.ContentID
		}

		referenced, err := s.store.ReferencedMedia(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to check references: %w", err)
		}
		for _, e := range batch {
			if !referenced[e.ContentID] {
				orphans = append(orphans, uploadFromEntry(e))
			}
		}
	}
	return orphans, nil
}

func (s *Scanner) stalePending(ctx context.Context, since, cutoff time.Time) ([]Upload, error) {
	if !since.Before(cutoff) {
		return nil, nil
	}
	entries, err := s.journal.ListByStatus(ctx, simpleledger.JournalStatusPending, since, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending uploads: %w", err)
	}
	var pending []Upload
	for _, e := range entries {
		pending = append(pending, uploadFromEntry(e))
	}
	return pending, nil
}

// orphanedReferences does not depend on the grace cutoff: a record only
// commits after its upload completed, so any mismatch is reportable.
func (s *Scanner) orphanedReferences(ctx context.Context, since time.Time) ([]OrphanedReference, error) {
	var refs []OrphanedReference
	offset := 0
	for {
		records, err := s.store.ListMediaRecords(ctx, since, s.batch, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list media records: %w", err)
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			status, err := s.uploadStatus(ctx, rec.MediaRef)
			if err != nil {
				return nil, err
			}
			if status == simpleledger.JournalStatusComplete {
				continue
			}
			refs = append(refs, OrphanedReference{
				RecordID:      rec.ID.String(),
				Kind:          rec.Kind,
				OwnerID:       rec.OwnerID,
				MediaRef:      rec.MediaRef,
				JournalStatus: status,
				UpdatedAt:     rec.UpdatedAt,
			})
		}

		if len(records) < s.batch {
			break
		}
		offset += s.batch
	}
	return refs, nil
}

func (s *Scanner) uploadStatus(ctx context.Context, id simpleledger.ContentID) (simpleledger.JournalStatus, error) {
	entry, err := s.journal.Get(ctx, id)
	if errors.Is(err, simpleledger.ErrJournalEntryNotFound) {
		return StatusUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up upload %s: %w", id, err)
	}
	return entry.Status, nil
}
