package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

// Transport is a LedgerTransport calling a Ledger in process.
type Transport struct {
	ledger *Ledger
}

var _ simpleledger.LedgerTransport = (*Transport)(nil)

// NewTransport creates a transport over ledger
func NewTransport(ledger *Ledger) *Transport {
	return &Transport{ledger: ledger}
}

func (t *Transport) CreateTransaction(ctx context.Context, params simpleledger.CreateParams, cred simpleledger.Credential) (*simpleledger.ContentTransaction, error) {
	if cred == nil {
		return nil, fmt.Errorf("%w: no credential", simpleledger.ErrAuth)
	}
	id, err := t.ledger.Create(ctx, Descriptor{
		DataSize:    len(params.Payload),
		DataRoot:    params.DataRoot,
		ChunkCount:  len(params.Chunks),
		ContentType: params.ContentType,
		Owner:       cred.Owner(),
	})
	if err != nil {
		return nil, transportError("create", "", -1, err)
	}
	return simpleledger.NewContentTransaction(id, params, cred.Owner()), nil
}

func (t *Transport) Sign(ctx context.Context, tx *simpleledger.ContentTransaction, cred simpleledger.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return simpleledger.SignTransaction(tx, cred)
}

func (t *Transport) SendChunk(ctx context.Context, tx *simpleledger.ContentTransaction, index int) error {
	if len(tx.Signature) == 0 {
		return fmt.Errorf("%w: tx %s is not signed", simpleledger.ErrAuth, tx.ID)
	}
	if index < 0 || index >= len(tx.Chunks) {
		return fmt.Errorf("%w: chunk %d out of range", simpleledger.ErrInvalidInput, index)
	}
	data := tx.Chunk(index)
	err := t.ledger.PutChunk(ctx, tx.ID, index, data, simpleledger.ChunkDigest(data), tx.Signature)
	if err != nil {
		return transportError("send_chunk", tx.ID, index, err)
	}
	return nil
}

func (t *Transport) IsComplete(ctx context.Context, tx *simpleledger.ContentTransaction) (bool, error) {
	status, err := t.ledger.Status(ctx, tx.ID)
	if err != nil {
		return false, transportError("status", tx.ID, -1, err)
	}
	return status.Complete, nil
}

func transportError(op, txID string, chunk int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrUnauthorized) {
		err = fmt.Errorf("%w: %w", simpleledger.ErrAuth, err)
	}
	return &simpleledger.TransportError{Op: op, TxID: txID, Chunk: chunk, Retryable: false, Err: err}
}
