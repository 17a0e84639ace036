// Package memory provides an in-process ledger: the remote store model,
// a LedgerTransport that calls it directly and an HTTP handler that
// serves it over the ledger network API.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/credential"
)

var (
	// ErrTxNotFound indicates an unknown transaction id
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBadRequest indicates a malformed descriptor or chunk
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized indicates a missing or invalid signature
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotComplete indicates data was requested before every chunk arrived
	ErrNotComplete = errors.New("transaction not complete")
)

// Descriptor is what a client declares when creating a transaction.
type Descriptor struct {
	DataSize    int
	DataRoot    simpleledger.Digest
	ChunkCount  int
	ContentType string
	Owner       string
}

// Status is a transaction's delivery progress.
type Status struct {
	Complete bool
	Received int
	Total    int
}

type ledgerTx struct {
	desc      Descriptor
	id        string
	signature []byte
	chunks    map[int][]byte
	digests   map[int]simpleledger.Digest
}

// Ledger is an append-only content store. Chunks are accepted at least
// once; a repeated chunk with the same digest is a no-op. Every chunk must
// carry a valid signature by the declared owner.
type Ledger struct {
	mu  sync.RWMutex
	txs map[string]*ledgerTx
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{txs: make(map[string]*ledgerTx)}
}

// Create registers a transaction and returns its id.
func (l *Ledger) Create(ctx context.Context, desc Descriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch {
	case desc.DataSize <= 0:
		return "", fmt.Errorf("%w: data size must be positive", ErrBadRequest)
	case desc.ChunkCount <= 0 || desc.ChunkCount > desc.DataSize:
		return "", fmt.Errorf("%w: chunk count %d invalid for %d bytes", ErrBadRequest, desc.ChunkCount, desc.DataSize)
	case desc.Owner == "":
		return "", fmt.Errorf("%w: owner is required", ErrUnauthorized)
	case desc.DataRoot.IsZero():
		return "", fmt.Errorf("%w: data root is required", ErrBadRequest)
	}

	id, err := newTxID()
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[id] = &ledgerTx{
		desc:    desc,
		id:      id,
		chunks:  make(map[int][]byte),
		digests: make(map[int]simpleledger.Digest),
	}
	return id, nil
}

// PutChunk stores chunk index of tx id.
func (l *Ledger) PutChunk(ctx context.Context, id string, index int, data []byte, digest simpleledger.Digest, signature []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if index < 0 || index >= tx.desc.ChunkCount {
		return fmt.Errorf("%w: chunk %d out of range [0,%d)", ErrBadRequest, index, tx.desc.ChunkCount)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrBadRequest)
	}
	if simpleledger.ChunkDigest(data) != digest {
		return fmt.Errorf("%w: chunk %d digest mismatch", ErrBadRequest, index)
	}
	if err := tx.verify(signature); err != nil {
		return err
	}

	if existing, ok := tx.digests[index]; ok {
		if existing == digest {
			return nil
		}
		return fmt.Errorf("%w: chunk %d already stored with different content", ErrBadRequest, index)
	}
	tx.chunks[index] = append([]byte(nil), data...)
	tx.digests[index] = digest
	return nil
}

// Status reports delivery progress of tx id. A transaction is complete
// once every chunk is stored, the sizes add up and the chunk digests
// reproduce the declared data root.
func (l *Ledger) Status(ctx context.Context, id string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	tx, ok := l.txs[id]
	if !ok {
		return Status{}, ErrTxNotFound
	}
	return Status{
		Complete: tx.complete(),
		Received: len(tx.chunks),
		Total:    tx.desc.ChunkCount,
	}, nil
}

// Data returns the stored bytes of a complete transaction.
func (l *Ledger) Data(ctx context.Context, id string) ([]byte, string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tx, ok := l.txs[id]
	if !ok {
		return nil, "", ErrTxNotFound
	}
	if !tx.complete() {
		return nil, "", ErrNotComplete
	}
	data := make([]byte, 0, tx.desc.DataSize)
	for i := 0; i < tx.desc.ChunkCount; i++ {
		data = append(data, tx.chunks[i]...)
	}
	return data, tx.desc.ContentType, nil
}

// Len returns the number of transactions, complete or not.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.txs)
}

func (tx *ledgerTx) verify(signature []byte) error {
	if len(signature) == 0 {
		return fmt.Errorf("%w: unsigned chunk", ErrUnauthorized)
	}
	if tx.signature != nil && string(tx.signature) == string(signature) {
		return nil
	}
	view := &simpleledger.ContentTransaction{
		ID:          tx.id,
		Owner:       tx.desc.Owner,
		DataRoot:    tx.desc.DataRoot,
		DataSize:    tx.desc.DataSize,
		ContentType: tx.desc.ContentType,
	}
	if err := credential.Verify(tx.desc.Owner, simpleledger.SigningPayload(view), signature); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	tx.signature = append([]byte(nil), signature...)
	return nil
}

func (tx *ledgerTx) complete() bool {
	if len(tx.chunks) != tx.desc.ChunkCount {
		return false
	}
	size := 0
	digests := make([]simpleledger.Digest, tx.desc.ChunkCount)
	for i := range digests {
		size += len(tx.chunks[i])
		digests[i] = tx.digests[i]
	}
	return size == tx.desc.DataSize && simpleledger.MerkleRoot(digests) == tx.desc.DataRoot
}

func newTxID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating transaction id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
