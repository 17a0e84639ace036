package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

// StatusUnknown marks a reference to an id the journal has no entry for.
const StatusUnknown simpleledger.JournalStatus = "unknown"

// Report is the result of a reconciliation scan.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Since       time.Time `json:"since"`
	Cutoff      time.Time `json:"cutoff"`

	// Orphans completed on the ledger but are referenced by no record.
	Orphans []Upload `json:"orphans"`

	// OrphanedReferences point at ids that never completed.
	OrphanedReferences []OrphanedReference `json:"orphaned_references"`

	// StalePending started before the cutoff and never finished, usually
	// because the process stopped mid-upload.
	StalePending []Upload `json:"stale_pending"`
}

// Upload summarises one journal entry.
type Upload struct {
	ContentID   simpleledger.ContentID `json:"content_id"`
	DataSize    int                    `json:"data_size"`
	ContentType string                 `json:"content_type,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// OrphanedReference is a record whose MediaRef has no complete upload.
type OrphanedReference struct {
	RecordID      string                     `json:"record_id"`
	Kind          simpleledger.RecordKind    `json:"kind"`
	OwnerID       int64                      `json:"owner_id"`
	MediaRef      simpleledger.ContentID     `json:"media_ref"`
	JournalStatus simpleledger.JournalStatus `json:"journal_status"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Empty reports whether the scan found nothing to act on.
func (r *Report) Empty() bool {
	return len(r.Orphans) == 0 && len(r.OrphanedReferences) == 0 && len(r.StalePending) == 0
}

func uploadFromEntry(e *simpleledger.JournalEntry) Upload {
	return Upload{
		ContentID:   e.ContentID,
		DataSize:    e.DataSize,
		ContentType: e.ContentType,
		StartedAt:   e.StartedAt,
		FinishedAt:  e.FinishedAt,
	}
}

// ReportWriter delivers a report to the operator.
type ReportWriter interface {
	WriteReport(ctx context.Context, report *Report) error
}

// ReportWriterFunc adapts a function to the ReportWriter interface.
type ReportWriterFunc func(ctx context.Context, report *Report) error

func (f ReportWriterFunc) WriteReport(ctx context.Context, report *Report) error {
	return f(ctx, report)
}

// JSONWriter writes each report as indented JSON to w.
func JSONWriter(w io.Writer) ReportWriter {
	return ReportWriterFunc(func(ctx context.Context, report *Report) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	})
}
