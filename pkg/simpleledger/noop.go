package simpleledger

import "context"

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// UploadCompleted does nothing and returns nil
func (n *NoopEventSink) UploadCompleted(ctx context.Context, tx *ContentTransaction) error {
	return nil
}

// UploadFailed does nothing and returns nil
func (n *NoopEventSink) UploadFailed(ctx context.Context, txID string, err error) error {
	return nil
}

// RecordCommitted does nothing and returns nil
func (n *NoopEventSink) RecordCommitted(ctx context.Context, result *CommitResult) error {
	return nil
}

// CommitFailed does nothing and returns nil
func (n *NoopEventSink) CommitFailed(ctx context.Context, id ContentID, mutation RecordMutation, err error) error {
	return nil
}

// MultiEventSink fans events out to several sinks and returns the first error.
type MultiEventSink []EventSink

// UploadCompleted forwards to every sink
func (m MultiEventSink) UploadCompleted(ctx context.Context, tx *ContentTransaction) error {
	var first error
	for _, s := range m {
		if err := s.UploadCompleted(ctx, tx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UploadFailed forwards to every sink
func (m MultiEventSink) UploadFailed(ctx context.Context, txID string, cause error) error {
	var first error
	for _, s := range m {
		if err := s.UploadFailed(ctx, txID, cause); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RecordCommitted forwards to every sink
func (m MultiEventSink) RecordCommitted(ctx context.Context, result *CommitResult) error {
	var first error
	for _, s := range m {
		if err := s.RecordCommitted(ctx, result); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CommitFailed forwards to every sink
func (m MultiEventSink) CommitFailed(ctx context.Context, id ContentID, mutation RecordMutation, cause error) error {
	var first error
	for _, s := range m {
		if err := s.CommitFailed(ctx, id, mutation, cause); err != nil && first == nil {
			first = err
		}
	}
	return first
}
