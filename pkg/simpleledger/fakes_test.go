package simpleledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

type fakeCredential struct{}

func (fakeCredential) Owner() string   { return "owner-pub" }
func (fakeCredential) Address() string { return "owner-addr" }
func (fakeCredential) Sign(msg []byte) ([]byte, error) {
	return append([]byte("sig:"), msg...), nil
}

// fakeTransport models a ledger for one upload. Every method honors ctx.
type fakeTransport struct {
	mu sync.Mutex

	id            string
	createErr     error
	signErr       error
	sendFailures  int // the first sendFailures SendChunk calls fail with a retryable error
	sendErr       error
	neverComplete bool
	blockSend     bool
	lost          map[int]bool // first send of these chunks is silently dropped
	onSend        func(index int)

	tx       *simpleledger.ContentTransaction
	received map[int]bool
	creates  int
	signs    int
	sends    int
	statuses int
	sendLog  []int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: "tx-1", received: make(map[int]bool), lost: make(map[int]bool)}
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.signs + f.sends + f.statuses
}

func (f *fakeTransport) CreateTransaction(ctx context.Context, params simpleledger.CreateParams, cred simpleledger.Credential) (*simpleledger.ContentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.tx = simpleledger.NewContentTransaction(f.id, params, cred.Owner())
	return f.tx, nil
}

func (f *fakeTransport) Sign(ctx context.Context, tx *simpleledger.ContentTransaction, cred simpleledger.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.signErr != nil {
		return f.signErr
	}
	return simpleledger.SignTransaction(tx, cred)
}

func (f *fakeTransport) SendChunk(ctx context.Context, tx *simpleledger.ContentTransaction, index int) error {
	f.mu.Lock()
	f.sends++
	f.sendLog = append(f.sendLog, index)
	hook, block := f.onSend, f.blockSend
	f.mu.Unlock()

	if hook != nil {
		hook(index)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.sendFailures > 0 {
		f.sendFailures--
		return &simpleledger.TransportError{
			Op: "send_chunk", TxID: tx.ID, Chunk: index, Retryable: true,
			Err: errors.New("connection reset by peer"),
		}
	}
	if f.lost[index] {
		delete(f.lost, index)
		return nil
	}
	f.received[index] = true
	return nil
}

func (f *fakeTransport) IsComplete(ctx context.Context, tx *simpleledger.ContentTransaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if f.neverComplete {
		return false, nil
	}
	return len(f.received) == len(tx.Chunks), nil
}

// recordingSink captures events.
type recordingSink struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	committed []*simpleledger.CommitResult
	commitErr []simpleledger.ContentID
	err       error
}

func (s *recordingSink) UploadCompleted(ctx context.Context, tx *simpleledger.ContentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, tx.ID)
	return s.err
}

func (s *recordingSink) UploadFailed(ctx context.Context, txID string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, txID)
	return s.err
}

func (s *recordingSink) RecordCommitted(ctx context.Context, result *simpleledger.CommitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, result)
	return s.err
}

func (s *recordingSink) CommitFailed(ctx context.Context, id simpleledger.ContentID, mutation simpleledger.RecordMutation, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = append(s.commitErr, id)
	return s.err
}

// hangingBackend is an event sink and journal that never answers: every
// call waits for its context to end.
type hangingBackend struct {
	mu    sync.Mutex
	calls int
}

func (h *hangingBackend) wait(ctx context.Context) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (h *hangingBackend) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *hangingBackend) UploadCompleted(ctx context.Context, tx *simpleledger.ContentTransaction) error {
	return h.wait(ctx)
}

func (h *hangingBackend) UploadFailed(ctx context.Context, txID string, err error) error {
	return h.wait(ctx)
}

func (h *hangingBackend) RecordCommitted(ctx context.Context, result *simpleledger.CommitResult) error {
	return h.wait(ctx)
}

func (h *hangingBackend) CommitFailed(ctx context.Context, id simpleledger.ContentID, mutation simpleledger.RecordMutation, err error) error {
	return h.wait(ctx)
}

func (h *hangingBackend) Begin(ctx context.Context, entry *simpleledger.JournalEntry) error {
	return h.wait(ctx)
}

func (h *hangingBackend) Complete(ctx context.Context, id simpleledger.ContentID, at time.Time) error {
	return h.wait(ctx)
}

func (h *hangingBackend) Fail(ctx context.Context, id simpleledger.ContentID, at time.Time, reason string) error {
	return h.wait(ctx)
}

func (h *hangingBackend) Get(ctx context.Context, id simpleledger.ContentID) (*simpleledger.JournalEntry, error) {
	return nil, simpleledger.ErrJournalEntryNotFound
}

func (h *hangingBackend) ListByStatus(ctx context.Context, status simpleledger.JournalStatus, from, to time.Time) ([]*simpleledger.JournalEntry, error) {
	return nil, nil
}

// unreachableStore fails every call as a down database would.
type unreachableStore struct{}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

func (unreachableStore) UpsertRecord(ctx context.Context, record *simpleledger.MetadataRecord) error {
	return errConnRefused
}

func (unreachableStore) GetRecord(ctx context.Context, kind simpleledger.RecordKind, id uuid.UUID) (*simpleledger.MetadataRecord, error) {
	return nil, errConnRefused
}

func (unreachableStore) ReferencedMedia(ctx context.Context, ids []simpleledger.ContentID) (map[simpleledger.ContentID]bool, error) {
	return nil, errConnRefused
}

func (unreachableStore) ListMediaRecords(ctx context.Context, since time.Time, limit, offset int) ([]*simpleledger.MetadataRecord, error) {
	return nil, errConnRefused
}

// failingJournal fails every write.
type failingJournal struct{}

func (failingJournal) Begin(ctx context.Context, entry *simpleledger.JournalEntry) error {
	return errors.New("journal down")
}
func (failingJournal) Complete(ctx context.Context, id simpleledger.ContentID, at time.Time) error {
	return errors.New("journal down")
}
func (failingJournal) Fail(ctx context.Context, id simpleledger.ContentID, at time.Time, reason string) error {
	return errors.New("journal down")
}
func (failingJournal) Get(ctx context.Context, id simpleledger.ContentID) (*simpleledger.JournalEntry, error) {
	return nil, fmt.Errorf("journal down")
}
func (failingJournal) ListByStatus(ctx context.Context, status simpleledger.JournalStatus, from, to time.Time) ([]*simpleledger.JournalEntry, error) {
	return nil, errors.New("journal down")
}

func fastPolicy() simpleledger.RetryPolicy {
	return simpleledger.RetryPolicy{
		MaxAttempts:    3,
		MaxChunkSends:  4,
		ChunkTimeout:   time.Second,
		UploadTimeout:  5 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		PollInterval:   time.Millisecond,
		MaxIdlePolls:   2,
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
