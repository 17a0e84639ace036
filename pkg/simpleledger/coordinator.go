package simpleledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tendant/simple-ledger/pkg/simpleledger/clock"
)

// Coordinator drives the create, sign, send and confirm protocol for each
// upload. It holds no per-upload state, so one Coordinator serves
// concurrent uploads.
type Coordinator struct {
	transport LedgerTransport
	policy    RetryPolicy
	chunkSize int
	journal   UploadJournal
	eventSink EventSink
	logger    *slog.Logger
	clock     clock.Clock

	// sideEffectTimeout bounds each journal write and sink call.
	sideEffectTimeout time.Duration
}

// NewCoordinator creates a Coordinator. A transport is required.
func NewCoordinator(opts ...Option) (*Coordinator, error) {
	o := applyOptions(opts)
	if o.transport == nil {
		return nil, fmt.Errorf("ledger transport is required")
	}
	if o.chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidInput, o.chunkSize)
	}
	if err := o.policy.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		transport: o.transport,
		policy:    o.policy,
		chunkSize: o.chunkSize,
		journal:   o.journal,
		eventSink: o.eventSink,
		logger:    o.logger,
		clock:     o.clock,

		sideEffectTimeout: o.sideEffectTimeout,
	}, nil
}

// Policy returns the retry policy in effect.
func (c *Coordinator) Policy() RetryPolicy {
	return c.policy
}

// Upload stores req.Payload on the ledger and returns its content id. An
// empty payload returns an empty outcome without touching the network. A
// content id is returned only once the ledger reports the transaction
// complete.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest) UploadOutcome {
	if len(req.Payload) == 0 {
		return UploadOutcome{}
	}

	chunks, err := Split(req.Payload, c.chunkSize)
	if err != nil {
		return c.fail(ctx, nil, err)
	}
	if req.Credential == nil {
		return c.fail(ctx, nil, fmt.Errorf("%w: no signing credential", ErrCredentialMissing))
	}

	ctx, cancel := context.WithTimeout(ctx, c.policy.UploadTimeout)
	defer cancel()

	params := CreateParams{
		Payload:     req.Payload,
		ContentType: req.ContentType,
		Chunks:      chunks,
		DataRoot:    DataRoot(req.Payload, chunks),
	}

	var tx *ContentTransaction
	err = c.call(ctx, "create", "", -1, func(ctx context.Context) error {
		created, err := c.transport.CreateTransaction(ctx, params, req.Credential)
		if err != nil {
			return err
		}
		tx = created
		return nil
	})
	if err != nil {
		return c.fail(ctx, nil, err)
	}
	c.journalBegin(ctx, tx)

	err = c.call(ctx, "sign", tx.ID, -1, func(ctx context.Context) error {
		return c.transport.Sign(ctx, tx, req.Credential)
	})
	if err == nil && (tx.Status != TransactionStatusSigned || len(tx.Signature) == 0) {
		err = fmt.Errorf("%w: transaction %s was not signed", ErrCredentialMissing, tx.ID)
	}
	if err != nil {
		return c.fail(ctx, tx, err)
	}

	tx.Status = TransactionStatusUploading
	if err := c.transfer(ctx, tx); err != nil {
		return c.fail(ctx, tx, err)
	}
	tx.Status = TransactionStatusComplete

	c.logger.Info("upload complete",
		"tx_id", tx.ID,
		"chunks", len(tx.Chunks),
		"bytes", tx.DataSize,
		"owner", req.Credential.Address())

	c.journalComplete(ctx, tx)
	sinkCtx, cancelSink := detached(ctx, c.sideEffectTimeout)
	defer cancelSink()
	if err := c.eventSink.UploadCompleted(sinkCtx, tx); err != nil {
		c.logger.Warn("upload completed event failed", "tx_id", tx.ID, "err", err)
	}

	return UploadOutcome{ContentID: ContentID(tx.ID)}
}

// transfer sends the next unacknowledged chunk until the ledger reports
// the transaction complete.
func (c *Coordinator) transfer(ctx context.Context, tx *ContentTransaction) error {
	acked := make([]bool, len(tx.Chunks))
	sends := make([]int, len(tx.Chunks))
	idlePolls := 0

	for {
		var complete bool
		err := c.call(ctx, "status", tx.ID, -1, func(ctx context.Context) error {
			done, err := c.transport.IsComplete(ctx, tx)
			complete = done
			return err
		})
		if err != nil {
			return err
		}
		if complete {
			return nil
		}

		next := nextUnacked(acked)
		if next < 0 {
			if idlePolls < c.policy.MaxIdlePolls {
				idlePolls++
				if err := c.wait(ctx, c.policy.PollInterval); err != nil {
					return err
				}
				continue
			}
			// Every chunk was acknowledged but the ledger still lacks some.
			c.logger.Warn("ledger incomplete after all chunks acknowledged, resending",
				"tx_id", tx.ID, "polls", idlePolls)
			clear(acked)
			idlePolls = 0
			next = 0
		}

		if sends[next] >= c.policy.MaxChunkSends {
			return fmt.Errorf("%w: chunk %d sent %d times without confirmation",
				ErrUploadIncomplete, next, sends[next])
		}
		index := next
		err = c.call(ctx, "send_chunk", tx.ID, index, func(ctx context.Context) error {
			return c.transport.SendChunk(ctx, tx, index)
		})
		if err != nil {
			return err
		}
		sends[index]++
		acked[index] = true
	}
}

func nextUnacked(acked []bool) int {
	for i, ok := range acked {
		if !ok {
			return i
		}
	}
	return -1
}

// call runs fn under the per-call timeout, retrying with exponential
// backoff. It returns nil, an error wrapping ErrUploadIncomplete when the
// retry ceiling or a timeout is hit or the ledger rejects the call, or the
// first authorization or input error.
func (c *Coordinator) call(ctx context.Context, op, txID string, chunk int, fn func(ctx context.Context) error) error {
	attempt := 0
	var timedOut bool

	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.policy.ChunkTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			timedOut = true
			return backoff.Permanent(err)
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("ledger call failed, retrying",
			"op", op,
			"tx_id", txID,
			"chunk", chunk,
			"attempt", attempt,
			"backoff", wait,
			"err", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialBackoff
	b.MaxInterval = c.policy.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx),
		notify)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s interrupted: %w", ErrUploadIncomplete, op, ctx.Err())
	case timedOut:
		return fmt.Errorf("%w: %s exceeded %s: %w", ErrUploadIncomplete, op, c.policy.ChunkTimeout, err)
	case IsRetryable(err):
		return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrUploadIncomplete, op, attempt, err)
	}
	var te *TransportError
	if errors.As(err, &te) && !errors.Is(err, ErrAuth) {
		return fmt.Errorf("%w: ledger rejected %s: %w", ErrUploadIncomplete, op, err)
	}
	return err
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for confirmation: %w", ErrUploadIncomplete, ctx.Err())
	case <-c.clock.After(d):
		return nil
	}
}

func (c *Coordinator) fail(ctx context.Context, tx *ContentTransaction, err error) UploadOutcome {
	uerr := &UploadError{Kind: KindOf(err), Err: err}
	if tx != nil {
		tx.Status = TransactionStatusFailed
		uerr.TxID = tx.ID
		c.journalFail(ctx, tx, err)
	}

	c.logger.Error("upload failed", "tx_id", uerr.TxID, "kind", uerr.Kind, "err", err)
	sinkCtx, cancel := detached(ctx, c.sideEffectTimeout)
	defer cancel()
	if err := c.eventSink.UploadFailed(sinkCtx, uerr.TxID, uerr); err != nil {
		c.logger.Warn("upload failed event failed", "tx_id", uerr.TxID, "err", err)
	}
	return UploadOutcome{Err: uerr}
}

// Journal writes run detached from the upload's cancellation under their
// own deadline; a failure is logged and never changes the outcome.

func (c *Coordinator) journalBegin(ctx context.Context, tx *ContentTransaction) {
	if c.journal == nil {
		return
	}
	entry := &JournalEntry{
		ContentID:   ContentID(tx.ID),
		Status:      JournalStatusPending,
		DataSize:    tx.DataSize,
		ContentType: tx.ContentType,
		StartedAt:   c.clock.Now().UTC(),
	}
	jctx, cancel := detached(ctx, c.sideEffectTimeout)
	defer cancel()
	if err := c.journal.Begin(jctx, entry); err != nil {
		c.logger.Warn("journal begin failed", "tx_id", tx.ID, "err", err)
	}
}

func (c *Coordinator) journalComplete(ctx context.Context, tx *ContentTransaction) {
	if c.journal == nil {
		return
	}
	jctx, cancel := detached(ctx, c.sideEffectTimeout)
	defer cancel()
	if err := c.journal.Complete(jctx, ContentID(tx.ID), c.clock.Now().UTC()); err != nil {
		c.logger.Warn("journal complete failed", "tx_id", tx.ID, "err", err)
	}
}

func (c *Coordinator) journalFail(ctx context.Context, tx *ContentTransaction, cause error) {
	if c.journal == nil {
		return
	}
	jctx, cancel := detached(ctx, c.sideEffectTimeout)
	defer cancel()
	if err := c.journal.Fail(jctx, ContentID(tx.ID), c.clock.Now().UTC(), cause.Error()); err != nil {
		c.logger.Warn("journal fail failed", "tx_id", tx.ID, "err", err)
	}
}
