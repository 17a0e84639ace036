package simpleledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-ledger/pkg/simpleledger/clock"
)

// profileNamespace derives stable record ids for owner-keyed kinds.
var profileNamespace = uuid.MustParse("6f1d3c2e-8a4b-5e7f-9c0d-1b2a3e4f5a6b")

// ProfileRecordID returns the record id of the profile field kind for owner.
func ProfileRecordID(kind RecordKind, ownerID int64) uuid.UUID {
	return uuid.NewSHA1(profileNamespace, []byte(string(kind)+"/"+strconv.FormatInt(ownerID, 10)))
}

// MetadataCommitter links content ids to metadata records with one atomic
// upsert per commit. It never reads or mutates a ContentTransaction and by
// default trusts that a non-empty id came from a completed upload.
type MetadataCommitter struct {
	store     RecordStore
	verifier  ReferenceVerifier
	eventSink EventSink
	logger    *slog.Logger
	clock     clock.Clock

	sideEffectTimeout time.Duration
}

// NewCommitter creates a MetadataCommitter. A record store is required.
func NewCommitter(opts ...Option) (*MetadataCommitter, error) {
	o := applyOptions(opts)
	if o.store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	return &MetadataCommitter{
		store:     o.store,
		verifier:  o.verifier,
		eventSink: o.eventSink,
		logger:    o.logger,
		clock:     o.clock,

		sideEffectTimeout: o.sideEffectTimeout,
	}, nil
}

// Commit writes the record described by mutation with its media reference
// set to id. An empty id stores a record without media, clearing the
// field for profile kinds. Commit does not retry.
func (m *MetadataCommitter) Commit(ctx context.Context, id ContentID, mutation RecordMutation) (*CommitResult, error) {
	recordID, err := resolveRecordID(mutation)
	if err != nil {
		return nil, m.failed(ctx, id, mutation, recordID, KindInvalidInput, err)
	}

	if !id.IsZero() && m.verifier != nil {
		if err := m.verify(ctx, id); err != nil {
			kind := KindOf(err)
			if kind != KindInvalidInput {
				kind = KindPersistence
			}
			return nil, m.failed(ctx, id, mutation, recordID, kind, err)
		}
	}

	now := m.clock.Now().UTC()
	record := &MetadataRecord{
		ID:          recordID,
		Kind:        mutation.Kind,
		OwnerID:     mutation.OwnerID,
		Description: mutation.Description,
		MediaRef:    id,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.UpsertRecord(ctx, record); err != nil {
		if !errors.Is(err, ErrPersistence) {
			err = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil, m.failed(ctx, id, mutation, recordID, KindPersistence, err)
	}

	result := &CommitResult{
		RecordID:    record.ID,
		Kind:        record.Kind,
		OwnerID:     record.OwnerID,
		MediaRef:    record.MediaRef,
		CommittedAt: record.UpdatedAt,
	}
	m.logger.Info("record committed",
		"kind", result.Kind,
		"record_id", result.RecordID,
		"owner_id", result.OwnerID,
		"content_id", result.MediaRef)

	sinkCtx, cancel := detached(ctx, m.sideEffectTimeout)
	defer cancel()
	if err := m.eventSink.RecordCommitted(sinkCtx, result); err != nil {
		m.logger.Warn("record committed event failed", "record_id", result.RecordID, "err", err)
	}
	return result, nil
}

func (m *MetadataCommitter) verify(ctx context.Context, id ContentID) error {
	entry, err := m.verifier.Get(ctx, id)
	if errors.Is(err, ErrJournalEntryNotFound) {
		return fmt.Errorf("%w: content %s has no recorded upload", ErrInvalidInput, id)
	}
	if err != nil {
		return fmt.Errorf("%w: verifying content %s: %w", ErrPersistence, id, err)
	}
	if entry.Status != JournalStatusComplete {
		return fmt.Errorf("%w: content %s upload is %s", ErrInvalidInput, id, entry.Status)
	}
	return nil
}

func (m *MetadataCommitter) failed(ctx context.Context, id ContentID, mutation RecordMutation, recordID uuid.UUID, kind ErrorKind, err error) error {
	cerr := &CommitError{
		ContentID: id,
		Kind:      kind,
		Record:    mutation.Kind,
		Err:       err,
	}
	if recordID != uuid.Nil {
		cerr.RecordID = recordID.String()
	}

	if id.IsZero() {
		m.logger.Error("commit failed", "kind", mutation.Kind, "record_id", cerr.RecordID, "err", err)
	} else {
		m.logger.Error("commit failed, content stored but not linked",
			"kind", mutation.Kind,
			"record_id", cerr.RecordID,
			"content_id", id,
			"err", err)
	}
	sinkCtx, cancel := detached(ctx, m.sideEffectTimeout)
	defer cancel()
	if serr := m.eventSink.CommitFailed(sinkCtx, id, mutation, cerr); serr != nil {
		m.logger.Warn("commit failed event failed", "content_id", id, "err", serr)
	}
	return cerr
}

func resolveRecordID(mutation RecordMutation) (uuid.UUID, error) {
	if !mutation.Kind.IsValid() {
		return uuid.Nil, fmt.Errorf("%w: unknown record kind %q", ErrInvalidInput, mutation.Kind)
	}
	if mutation.OwnerID <= 0 {
		return uuid.Nil, fmt.Errorf("%w: owner id must be positive, got %d", ErrInvalidInput, mutation.OwnerID)
	}
	if mutation.Kind.IsProfile() {
		return ProfileRecordID(mutation.Kind, mutation.OwnerID), nil
	}
	if mutation.RecordID == uuid.Nil {
		return uuid.New(), nil
	}
	return mutation.RecordID, nil
}
