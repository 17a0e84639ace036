package simpleledger

import (
	"fmt"
	"time"
)

// RetryPolicy bounds one upload.
type RetryPolicy struct {
	// MaxAttempts is the number of tries per ledger call. A call that
	// fails MaxAttempts consecutive times ends the upload.
	MaxAttempts int

	// MaxChunkSends caps how often a single chunk is sent, counting
	// resends after the ledger reported it missing.
	MaxChunkSends int

	// ChunkTimeout bounds each create, sign, send and status call.
	ChunkTimeout time.Duration

	// UploadTimeout bounds the whole upload.
	UploadTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PollInterval is the wait between status checks once every chunk
	// has been acknowledged.
	PollInterval time.Duration

	// MaxIdlePolls is the number of incomplete status checks tolerated
	// after every chunk was acknowledged before all chunks are resent.
	MaxIdlePolls int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		MaxChunkSends:  8,
		ChunkTimeout:   30 * time.Second,
		UploadTimeout:  5 * time.Minute,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		PollInterval:   time.Second,
		MaxIdlePolls:   10,
	}
}

// Validate checks the policy
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidInput, p.MaxAttempts)
	case p.MaxChunkSends < 1:
		return fmt.Errorf("%w: max chunk sends must be at least 1, got %d", ErrInvalidInput, p.MaxChunkSends)
	case p.ChunkTimeout <= 0:
		return fmt.Errorf("%w: chunk timeout must be positive", ErrInvalidInput)
	case p.UploadTimeout <= 0:
		return fmt.Errorf("%w: upload timeout must be positive", ErrInvalidInput)
	case p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff:
		return fmt.Errorf("%w: backoff must satisfy 0 < initial <= max", ErrInvalidInput)
	case p.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidInput)
	case p.MaxIdlePolls < 0:
		return fmt.Errorf("%w: max idle polls must not be negative", ErrInvalidInput)
	}
	return nil
}
