package simpleledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerTransport is the network boundary to the content-addressed store.
// Implementations keep no per-transaction state between calls; the caller
// passes the transaction in every time.
type LedgerTransport interface {
	// CreateTransaction registers a transaction with the ledger and returns
	// it in status Created with the ledger-assigned id.
	CreateTransaction(ctx context.Context, params CreateParams, cred Credential) (*ContentTransaction, error)

	// Sign signs tx with cred and moves it to status Signed. It fails with
	// ErrAuth when cred is nil or cannot sign.
	Sign(ctx context.Context, tx *ContentTransaction, cred Credential) error

	// SendChunk transmits chunk index of tx. Resending an accepted chunk is
	// harmless.
	SendChunk(ctx context.Context, tx *ContentTransaction, index int) error

	// IsComplete asks the ledger whether every chunk of tx has been
	// received. It never mutates tx.
	IsComplete(ctx context.Context, tx *ContentTransaction) (bool, error)
}

// RecordStore persists metadata records.
type RecordStore interface {
	// UpsertRecord inserts or updates a record in a single atomic write keyed by record.ID.
	UpsertRecord(ctx context.Context, record *MetadataRecord) error

	// GetRecord returns a record by kind and id.
	GetRecord(ctx context.Context, kind RecordKind, id uuid.UUID) (*MetadataRecord, error)

	// ReferencedMedia reports which of ids are referenced by at least one record.
	ReferencedMedia(ctx context.Context, ids []ContentID) (map[ContentID]bool, error)

	// ListMediaRecords lists records with a non-empty media reference
	// updated at or after since, oldest first.
	ListMediaRecords(ctx context.Context, since time.Time, limit, offset int) ([]*MetadataRecord, error)
}

// UploadJournal tracks ledger transactions so orphans can be found after
// a failed commit or a crash mid-upload.
type UploadJournal interface {
	// Begin records a pending transaction.
	Begin(ctx context.Context, entry *JournalEntry) error

	// Complete marks a transaction complete.
	Complete(ctx context.Context, id ContentID, at time.Time) error

	// Fail marks a transaction failed.
	Fail(ctx context.Context, id ContentID, at time.Time, reason string) error

	// Get returns the entry for id or ErrJournalEntryNotFound.
	Get(ctx context.Context, id ContentID) (*JournalEntry, error)

	// ListByStatus lists entries with the given status. Complete and failed
	// entries are filtered on FinishedAt, pending on StartedAt, within [from, to).
	ListByStatus(ctx context.Context, status JournalStatus, from, to time.Time) ([]*JournalEntry, error)
}

// EventSink receives pipeline events. Errors are logged by the caller and
// never fail the operation.
type EventSink interface {
	// UploadCompleted is fired when the ledger confirms a transaction
	UploadCompleted(ctx context.Context, tx *ContentTransaction) error

	// UploadFailed is fired on terminal upload failure
	UploadFailed(ctx context.Context, txID string, err error) error

	// RecordCommitted is fired after a successful relational write
	RecordCommitted(ctx context.Context, result *CommitResult) error

	// CommitFailed is fired when the relational write fails
	CommitFailed(ctx context.Context, id ContentID, mutation RecordMutation, err error) error
}

// Uploader produces content identifiers.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) UploadOutcome
}

// Committer links content identifiers to records.
type Committer interface {
	Commit(ctx context.Context, id ContentID, mutation RecordMutation) (*CommitResult, error)
}

// ReferenceVerifier confirms that an id finished uploading.
type ReferenceVerifier interface {
	Get(ctx context.Context, id ContentID) (*JournalEntry, error)
}
