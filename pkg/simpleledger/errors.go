package simpleledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindInvalidInput      ErrorKind = "invalid_input"
	KindCredentialMissing ErrorKind = "credential_missing"
	KindTransport         ErrorKind = "transport"
	KindUploadIncomplete  ErrorKind = "upload_incomplete"
	KindPersistence       ErrorKind = "persistence"
	KindInternal          ErrorKind = "internal"
)

// Error types
var (
	// ErrInvalidInput indicates a malformed request, never retried
	ErrInvalidInput = errors.New("invalid input")

	// ErrCredentialMissing indicates the signing credential is absent or was rejected
	ErrCredentialMissing = errors.New("credential missing")

	// ErrAuth is returned by transports when the credential cannot sign or
	// the ledger refuses it
	ErrAuth = errors.New("ledger authorization failed")

	// ErrTransport indicates a network or remote store failure
	ErrTransport = errors.New("ledger transport failure")

	// ErrUploadIncomplete indicates retries or time budget ran out before
	// the ledger confirmed the transaction
	ErrUploadIncomplete = errors.New("upload incomplete")

	// ErrPersistence indicates the relational write failed
	ErrPersistence = errors.New("persistence failure")

	// ErrRecordNotFound indicates a metadata record does not exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrJournalEntryNotFound indicates the upload journal has no entry for an id
	ErrJournalEntryNotFound = errors.New("journal entry not found")
)

// TransportError represents a failed call into a LedgerTransport.
type TransportError struct {
	Op        string
	TxID      string
	Chunk     int
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Chunk >= 0 && e.Op == "send_chunk" {
		return fmt.Sprintf("ledger %s failed for tx %s chunk %d: %v", e.Op, e.TxID, e.Chunk, e.Err)
	}
	if e.TxID != "" {
		return fmt.Sprintf("ledger %s failed for tx %s: %v", e.Op, e.TxID, e.Err)
	}
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports every TransportError as ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// UploadError is the terminal failure of an upload. No content identifier
// accompanies it.
type UploadError struct {
	Kind ErrorKind
	TxID string
	Err  error
}

func (e *UploadError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("upload failed (%s) for tx %s: %v", e.Kind, e.TxID, e.Err)
	}
	return fmt.Sprintf("upload failed (%s): %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Is(target error) bool {
	return kindSentinel(e.Kind) == target
}

// CommitError is a failed relational write. ContentID, when set, is
// durably stored on the ledger but not referenced by any record.
type CommitError struct {
	ContentID ContentID
	Kind      ErrorKind
	Record    RecordKind
	RecordID  string
	Err       error
}

func (e *CommitError) Error() string {
	if e.ContentID != "" {
		return fmt.Sprintf("commit of %s record %s failed (%s), content %s stored but not linked: %v",
			e.Record, e.RecordID, e.Kind, e.ContentID, e.Err)
	}
	return fmt.Sprintf("commit of %s record %s failed (%s): %v", e.Record, e.RecordID, e.Kind, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func (e *CommitError) Is(target error) bool {
	return kindSentinel(e.Kind) == target
}

func kindSentinel(kind ErrorKind) error {
	switch kind {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindCredentialMissing:
		return ErrCredentialMissing
	case KindTransport:
		return ErrTransport
	case KindUploadIncomplete:
		return ErrUploadIncomplete
	case KindPersistence:
		return ErrPersistence
	}
	return nil
}

// KindOf classifies err. A nil error is KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrCredentialMissing), errors.Is(err, ErrAuth):
		return KindCredentialMissing
	case errors.Is(err, ErrUploadIncomplete),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindUploadIncomplete
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	}
	return KindInternal
}

// IsRetryable reports whether a failed ledger call may be retried.
// Authorization and input failures never are; a TransportError is
// retryable only when marked so; any other error is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrCredentialMissing) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}
