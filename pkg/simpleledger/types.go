package simpleledger

import (
	"time"

	"github.com/google/uuid"
)

// ContentID is the identifier the ledger assigns to a transaction. It is
// the only value that crosses from the upload side into the relational side.
type ContentID string

func (id ContentID) String() string {
	return string(id)
}

// IsZero reports whether the id is empty, meaning "no media".
func (id ContentID) IsZero() bool {
	return id == ""
}

// TransactionStatus is the lifecycle state of a ContentTransaction.
type TransactionStatus string

const (
	TransactionStatusCreated   TransactionStatus = "created"
	TransactionStatusSigned    TransactionStatus = "signed"
	TransactionStatusUploading TransactionStatus = "uploading"
	TransactionStatusComplete  TransactionStatus = "complete"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusComplete || s == TransactionStatusFailed
}

// Credential is the opaque signing key authorizing ledger writes. It is
// read-only and safe for concurrent use.
type Credential interface {
	// Owner returns the public owner value sent to the ledger.
	Owner() string

	// Address returns a short public identifier suitable for logs.
	Address() string

	// Sign signs msg.
	Sign(msg []byte) ([]byte, error)
}

// ByteRange is a contiguous slice of a payload.
type ByteRange struct {
	Offset int
	Length int
}

// End returns the exclusive end offset.
func (r ByteRange) End() int {
	return r.Offset + r.Length
}

// UploadRequest is one upload attempt. It must not be modified after it is
// handed to a Coordinator.
type UploadRequest struct {
	Payload     []byte
	ContentType string
	Credential  Credential
}

// ContentTransaction is owned by the Coordinator for the duration of one
// upload and is never shared between uploads.
type ContentTransaction struct {
	ID          string
	Chunks      []ByteRange
	Signature   []byte
	Status      TransactionStatus
	Owner       string
	DataRoot    Digest
	DataSize    int
	ContentType string

	payload []byte
}

// Chunk returns the bytes of chunk i.
func (tx *ContentTransaction) Chunk(i int) []byte {
	r := tx.Chunks[i]
	return tx.payload[r.Offset:r.End()]
}

// Payload returns the transaction data. Callers must not modify it.
func (tx *ContentTransaction) Payload() []byte {
	return tx.payload
}

// NewContentTransaction builds a transaction in status Created. Transports
// call it once the ledger has assigned an id.
func NewContentTransaction(id string, params CreateParams, owner string) *ContentTransaction {
	return &ContentTransaction{
		ID:          id,
		Chunks:      params.Chunks,
		Status:      TransactionStatusCreated,
		Owner:       owner,
		DataRoot:    params.DataRoot,
		DataSize:    len(params.Payload),
		ContentType: params.ContentType,
		payload:     params.Payload,
	}
}

// CreateParams describes the transaction a transport should create.
type CreateParams struct {
	Payload     []byte
	ContentType string
	Chunks      []ByteRange
	DataRoot    Digest
}

// UploadOutcome is the terminal result of Upload. Exactly one of ContentID
// and Err is set, except for the empty-media case where both are empty.
type UploadOutcome struct {
	ContentID ContentID
	Err       error
}

// Kind classifies the outcome.
func (o UploadOutcome) Kind() ErrorKind {
	return KindOf(o.Err)
}

// Result returns the outcome as a conventional value/error pair.
func (o UploadOutcome) Result() (ContentID, error) {
	return o.ContentID, o.Err
}

// RecordKind names the relational entity that carries a media reference.
type RecordKind string

const (
	RecordKindPost           RecordKind = "post"
	RecordKindStory          RecordKind = "story"
	RecordKindProfilePicture RecordKind = "profile_picture"
	RecordKindCoverPicture   RecordKind = "cover_picture"
)

// IsValid reports whether k is a known record kind.
func (k RecordKind) IsValid() bool {
	switch k {
	case RecordKindPost, RecordKindStory, RecordKindProfilePicture, RecordKindCoverPicture:
		return true
	}
	return false
}

// IsProfile reports whether records of kind k are keyed by owner rather than by record id.
func (k RecordKind) IsProfile() bool {
	return k == RecordKindProfilePicture || k == RecordKindCoverPicture
}

// RecordMutation describes one relational write. A zero RecordID on a post
// or story inserts a new record.
type RecordMutation struct {
	Kind        RecordKind
	RecordID    uuid.UUID
	OwnerID     int64
	Description string
}

// MetadataRecord is the mutable relational entity carrying MediaRef.
// MediaRef is empty or a ContentID whose transaction reached Complete.
type MetadataRecord struct {
	ID          uuid.UUID
	Kind        RecordKind
	OwnerID     int64
	Description string
	MediaRef    ContentID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CommitResult is returned by a successful Commit.
type CommitResult struct {
	RecordID    uuid.UUID
	Kind        RecordKind
	OwnerID     int64
	MediaRef    ContentID
	CommittedAt time.Time
}

// JournalStatus is the state of an upload as recorded in the journal.
type JournalStatus string

const (
	JournalStatusPending  JournalStatus = "pending"
	JournalStatusComplete JournalStatus = "complete"
	JournalStatusFailed   JournalStatus = "failed"
)

// JournalEntry records one ledger transaction for reconciliation.
type JournalEntry struct {
	ContentID   ContentID
	Status      JournalStatus
	DataSize    int
	ContentType string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Reason      string
}
