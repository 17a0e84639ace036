package simpleledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-ledger/pkg/simpleledger/clock"
)

// DefaultSideEffectTimeout bounds each journal write and event sink call.
const DefaultSideEffectTimeout = 5 * time.Second

type options struct {
	transport         LedgerTransport
	policy            RetryPolicy
	chunkSize         int
	store             RecordStore
	journal           UploadJournal
	verifier          ReferenceVerifier
	eventSink         EventSink
	logger            *slog.Logger
	clock             clock.Clock
	sideEffectTimeout time.Duration
}

// Option configures a Coordinator, MetadataCommitter or Publisher.
// Options that do not apply to a component are ignored by it.
type Option func(*options)

func defaultOptions() options {
	return options{
		policy:            DefaultRetryPolicy(),
		chunkSize:         DefaultChunkSize,
		eventSink:         NewNoopEventSink(),
		logger:            slog.Default(),
		clock:             clock.Real(),
		sideEffectTimeout: DefaultSideEffectTimeout,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTransport sets the ledger transport
func WithTransport(transport LedgerTransport) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithRetryPolicy sets the upload retry and timeout policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithChunkSize sets the maximum chunk size in bytes
func WithChunkSize(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// WithRecordStore sets the metadata record store
func WithRecordStore(store RecordStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithJournal sets the upload journal. Uploads are not journaled without one.
func WithJournal(journal UploadJournal) Option {
	return func(o *options) {
		o.journal = journal
	}
}

// WithReferenceVerifier makes the committer reject content ids the
// verifier does not report as complete.
func WithReferenceVerifier(verifier ReferenceVerifier) Option {
	return func(o *options) {
		o.verifier = verifier
	}
}

// WithEventSink sets the event sink
func WithEventSink(sink EventSink) Option {
	return func(o *options) {
		if sink != nil {
			o.eventSink = sink
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithSideEffectTimeout bounds each journal write and event sink call.
// Non-positive values are ignored.
func WithSideEffectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sideEffectTimeout = d
		}
	}
}

// detached returns a context that outlives ctx's cancellation but expires
// after d, for writes that must not block the caller indefinitely.
func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
