package simpleledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Publisher sequences Upload and Commit for one logical request. Commit
// runs only after Upload returned a content id without error.
type Publisher struct {
	uploader  Uploader
	committer Committer
	logger    *slog.Logger
}

// NewPublisher creates a Publisher over uploader and committer.
func NewPublisher(uploader Uploader, committer Committer, opts ...Option) (*Publisher, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if committer == nil {
		return nil, fmt.Errorf("committer is required")
	}
	o := applyOptions(opts)
	return &Publisher{
		uploader:  uploader,
		committer: committer,
		logger:    o.logger,
	}, nil
}

// PublishItem is one upload and the record that will reference it.
type PublishItem struct {
	Request  UploadRequest
	Mutation RecordMutation
}

// Publish uploads req and commits mutation referencing the result. It
// returns an *UploadError when nothing was stored, or a *CommitError when
// the content is stored on the ledger but not linked to a record.
func (p *Publisher) Publish(ctx context.Context, req UploadRequest, mutation RecordMutation) (*CommitResult, error) {
	outcome := p.uploader.Upload(ctx, req)
	if outcome.Err != nil {
		return nil, asUploadError(outcome.Err)
	}
	if outcome.ContentID.IsZero() {
		p.logger.Debug("no media to upload", "kind", mutation.Kind, "owner_id", mutation.OwnerID)
	}
	return p.commit(ctx, outcome.ContentID, mutation)
}

// PublishBatch uploads every item before committing any of them, so an
// upload failure returns an *UploadError with no record changed. Commits
// then run in order; a *CommitError is returned together with the results
// committed before it.
func (p *Publisher) PublishBatch(ctx context.Context, items []PublishItem) ([]*CommitResult, error) {
	ids := make([]ContentID, len(items))
	for i, item := range items {
		outcome := p.uploader.Upload(ctx, item.Request)
		if outcome.Err != nil {
			if stored := nonZero(ids[:i]); len(stored) > 0 {
				p.logger.Warn("batch upload failed, earlier uploads left unlinked",
					"kind", item.Mutation.Kind,
					"owner_id", item.Mutation.OwnerID,
					"content_ids", stored)
			}
			return nil, asUploadError(outcome.Err)
		}
		ids[i] = outcome.ContentID
	}

	results := make([]*CommitResult, 0, len(items))
	for i, item := range items {
		result, err := p.commit(ctx, ids[i], item.Mutation)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (p *Publisher) commit(ctx context.Context, id ContentID, mutation RecordMutation) (*CommitResult, error) {
	result, err := p.committer.Commit(ctx, id, mutation)
	if err != nil {
		var cerr *CommitError
		if !errors.As(err, &cerr) {
			cerr = &CommitError{
				ContentID: id,
				Kind:      KindOf(err),
				Record:    mutation.Kind,
				Err:       err,
			}
		}
		if cerr.ContentID.IsZero() {
			cerr.ContentID = id
		}
		return nil, cerr
	}
	return result, nil
}

func asUploadError(err error) *UploadError {
	var uerr *UploadError
	if !errors.As(err, &uerr) {
		uerr = &UploadError{Kind: KindOf(err), Err: err}
	}
	return uerr
}

func nonZero(ids []ContentID) []ContentID {
	var out []ContentID
	for _, id := range ids {
		if !id.IsZero() {
			out = append(out, id)
		}
	}
	return out
}
