// Package simpleledger stores media on an external append-only ledger and
// links the resulting content identifier to a relational record.
//
// The pipeline has two halves that never share state:
//
//   - a Coordinator drives the ledger upload protocol (create, sign,
//     chunked send, confirm) through a LedgerTransport and produces a
//     ContentID only when the ledger reports the transaction complete;
//   - a MetadataCommitter writes the post, story or profile record that
//     references the ContentID through a RecordStore.
//
// A Publisher sequences the two. Commit is never invoked unless Upload
// returned a ContentID without error, so a record can only reference
// content that finished uploading.
//
// # Failure Surface
//
// An upload failure (*UploadError) means nothing was stored. A commit
// failure (*CommitError) means the content is on the ledger but no record
// links to it; the ledger is immutable so nothing is rolled back, and the
// reconcile package reports such orphans for operators.
package simpleledger
