package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simpleledger.RecordStore and simpleledger.UploadJournal
// using PostgreSQL. Every method is a single statement, so each commit is
// one atomic write and no connection is held across calls.
type Repository struct {
	db DBTX
}

var (
	_ simpleledger.RecordStore   = (*Repository)(nil)
	_ simpleledger.UploadJournal = (*Repository)(nil)
)

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Error handling helper. Every returned error wraps simpleledger.ErrPersistence.
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: duplicate entry in %s (%s)", simpleledger.ErrPersistence, operation, pgErr.ConstraintName)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: required field %s is missing", simpleledger.ErrPersistence, pgErr.ColumnName)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s violates %s", simpleledger.ErrPersistence, operation, pgErr.ConstraintName)
		case "42P01": // undefined_table
			return fmt.Errorf("%w: table does not exist - database migration required", simpleledger.ErrPersistence)
		default:
			return fmt.Errorf("%w: database error in %s: %s (code: %s)", simpleledger.ErrPersistence, operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("%w: database error in %s: %w", simpleledger.ErrPersistence, operation, err)
}

// Record operations

func (r *Repository) UpsertRecord(ctx context.Context, record *simpleledger.MetadataRecord) error {
	var query string
	args := []interface{}{record.ID, record.OwnerID, string(record.MediaRef), record.CreatedAt, record.UpdatedAt}

	switch record.Kind {
	case simpleledger.RecordKindPost:
		query = `
			INSERT INTO posts (id, user_id, img, created_at, updated_at, description)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				img = EXCLUDED.img, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at
			WHERE posts.user_id = EXCLUDED.user_id
			RETURNING id, created_at`
		args = append(args, record.Description)
	case simpleledger.RecordKindStory:
		query = `
			INSERT INTO stories (id, user_id, img, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				img = EXCLUDED.img, updated_at = EXCLUDED.updated_at
			WHERE stories.user_id = EXCLUDED.user_id
			RETURNING id, created_at`
	case simpleledger.RecordKindProfilePicture, simpleledger.RecordKindCoverPicture:
		query = `
			INSERT INTO profile_media (id, user_id, media_ref, created_at, updated_at, kind)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, kind) DO UPDATE SET
				media_ref = EXCLUDED.media_ref, updated_at = EXCLUDED.updated_at
			RETURNING id, created_at`
		args = append(args, string(record.Kind))
	default:
		return fmt.Errorf("%w: unknown record kind %q", simpleledger.ErrInvalidInput, record.Kind)
	}

	var id uuid.UUID
	var createdAt time.Time
	err := r.db.QueryRow(ctx, query, args...).Scan(&id, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s belongs to another owner", simpleledger.ErrPersistence, record.Kind, record.ID)
	}
	if err != nil {
		return r.handlePostgresError("upsert "+string(record.Kind), err)
	}
	record.ID = id
	record.CreatedAt = createdAt
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, kind simpleledger.RecordKind, id uuid.UUID) (*simpleledger.MetadataRecord, error) {
	query := `
		SELECT id, kind, user_id, description, media_ref, created_at, updated_at
		FROM media_records WHERE id = $1 AND kind = $2`

	record, err := scanRecord(r.db.QueryRow(ctx, query, id, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, simpleledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, r.handlePostgresError("get record", err)
	}
	return record, nil
}

func (r *Repository) ReferencedMedia(ctx context.Context, ids []simpleledger.ContentID) (map[simpleledger.ContentID]bool, error) {
	found := make(map[simpleledger.ContentID]bool)
	if len(ids) == 0 {
		return found, nil
	}
	refs := make([]string, len(ids))
	for i, id := range ids {
		refs[i] = string(id)
	}

	rows, err := r.db.Query(ctx, `SELECT DISTINCT media_ref FROM media_records WHERE media_ref = ANY($1)`, refs)
	if err != nil {
		return nil, r.handlePostgresError("referenced media", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, r.handlePostgresError("referenced media", err)
		}
		found[simpleledger.ContentID(ref)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("referenced media", err)
	}
	return found, nil
}

func (r *Repository) ListMediaRecords(ctx context.Context, since time.Time, limit, offset int) ([]*simpleledger.MetadataRecord, error) {
	query := `
		SELECT id, kind, user_id, description, media_ref, created_at, updated_at
		FROM media_records
		WHERE media_ref <> '' AND updated_at >= $1
		ORDER BY updated_at, id
		LIMIT $2 OFFSET $3`

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, query, since, limit, max(offset, 0))
	if err != nil {
		return nil, r.handlePostgresError("list media records", err)
	}
	defer rows.Close()

	var records []*simpleledger.MetadataRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, r.handlePostgresError("list media records", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list media records", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (*simpleledger.MetadataRecord, error) {
	var record simpleledger.MetadataRecord
	var kind, ref string
	err := row.Scan(&record.ID, &kind, &record.OwnerID, &record.Description, &ref, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	record.Kind = simpleledger.RecordKind(kind)
	record.MediaRef = simpleledger.ContentID(ref)
	return &record, nil
}

// Journal operations

func (r *Repository) Begin(ctx context.Context, entry *simpleledger.JournalEntry) error {
	query := `
		INSERT INTO ledger_uploads (content_id, status, data_size, content_type, started_at)
		VALUES ($1, 'pending', $2, $3, $4)
		ON CONFLICT (content_id) DO UPDATE SET
			status = 'pending', started_at = EXCLUDED.started_at, finished_at = NULL, reason = ''`

	_, err := r.db.Exec(ctx, query, string(entry.ContentID), entry.DataSize, entry.ContentType, entry.StartedAt)
	if err != nil {
		return r.handlePostgresError("journal begin", err)
	}
	return nil
}

func (r *Repository) Complete(ctx context.Context, id simpleledger.ContentID, at time.Time) error {
	return r.finish(ctx, id, simpleledger.JournalStatusComplete, at, "")
}

func (r *Repository) Fail(ctx context.Context, id simpleledger.ContentID, at time.Time, reason string) error {
	return r.finish(ctx, id, simpleledger.JournalStatusFailed, at, reason)
}

func (r *Repository) finish(ctx context.Context, id simpleledger.ContentID, status simpleledger.JournalStatus, at time.Time, reason string) error {
	query := `UPDATE ledger_uploads SET status = $2, finished_at = $3, reason = $4 WHERE content_id = $1`

	tag, err := r.db.Exec(ctx, query, string(id), string(status), at, reason)
	if err != nil {
		return r.handlePostgresError("journal "+string(status), err)
	}
	if tag.RowsAffected() == 0 {
		return simpleledger.ErrJournalEntryNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id simpleledger.ContentID) (*simpleledger.JournalEntry, error) {
	query := `
		SELECT content_id, status, data_size, content_type, started_at, finished_at, reason
		FROM ledger_uploads WHERE content_id = $1`

	entry, err := scanEntry(r.db.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, simpleledger.ErrJournalEntryNotFound
	}
	if err != nil {
		return nil, r.handlePostgresError("journal get", err)
	}
	return entry, nil
}

func (r *Repository) ListByStatus(ctx context.Context, status simpleledger.JournalStatus, from, to time.Time) ([]*simpleledger.JournalEntry, error) {
	column := "finished_at"
	if status == simpleledger.JournalStatusPending {
		column = "started_at"
	}
	query := fmt.Sprintf(`
		SELECT content_id, status, data_size, content_type, started_at, finished_at, reason
		FROM ledger_uploads
		WHERE status = $1 AND %[1]s >= $2 AND %[1]s < $3
		ORDER BY content_id`, column)

	rows, err := r.db.Query(ctx, query, string(status), from, to)
	if err != nil {
		return nil, r.handlePostgresError("journal list", err)
	}
	defer rows.Close()

	var entries []*simpleledger.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, r.handlePostgresError("journal list", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("journal list", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*simpleledger.JournalEntry, error) {
	var entry simpleledger.JournalEntry
	var id, status string
	var size int64
	err := row.Scan(&id, &status, &size, &entry.ContentType, &entry.StartedAt, &entry.FinishedAt, &entry.Reason)
	if err != nil {
		return nil, err
	}
	entry.ContentID = simpleledger.ContentID(id)
	entry.Status = simpleledger.JournalStatus(status)
	entry.DataSize = int(size)
	return &entry, nil
}
