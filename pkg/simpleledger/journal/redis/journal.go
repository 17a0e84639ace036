// Package redis implements simpleledger.UploadJournal on Redis.
//
// Keys used:
//   - <prefix>:upload:<contentID>: hash with the entry fields
//   - <prefix>:uploads:<status>: sorted set of content ids scored by the
//     entry's StartedAt (pending) or FinishedAt (complete, failed) in
//     microseconds
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

// DefaultPrefix is used when New is given an empty prefix.
const DefaultPrefix = "ledger"

var statuses = []simpleledger.JournalStatus{
	simpleledger.JournalStatusPending,
	simpleledger.JournalStatusComplete,
	simpleledger.JournalStatusFailed,
}

// Journal is an UploadJournal backed by a Redis client.
type Journal struct {
	client redis.UniversalClient
	prefix string
}

var _ simpleledger.UploadJournal = (*Journal)(nil)

func New(client redis.UniversalClient, prefix string) *Journal {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Journal{client: client, prefix: prefix}
}

func (j *Journal) entryKey(id simpleledger.ContentID) string {
	return fmt.Sprintf("%s:upload:%s", j.prefix, id)
}

func (j *Journal) statusKey(status simpleledger.JournalStatus) string {
	return fmt.Sprintf("%s:uploads:%s", j.prefix, status)
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", simpleledger.ErrPersistence, op, err)
}

func (j *Journal) Begin(ctx context.Context, entry *simpleledger.JournalEntry) error {
	key := j.entryKey(entry.ContentID)
	member := string(entry.ContentID)

	_, err := j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"status", string(simpleledger.JournalStatusPending),
			"data_size", entry.DataSize,
			"content_type", entry.ContentType,
			"started_at", entry.StartedAt.UTC().Format(time.RFC3339Nano),
		)
		for _, s := range statuses[1:] {
			pipe.ZRem(ctx, j.statusKey(s), member)
		}
		pipe.ZAdd(ctx, j.statusKey(simpleledger.JournalStatusPending), redis.Z{Score: score(entry.StartedAt), Member: member})
		return nil
	})
	if err != nil {
		return persistence("begin", err)
	}
	return nil
}

func (j *Journal) Complete(ctx context.Context, id simpleledger.ContentID, at time.Time) error {
	return j.finish(ctx, id, simpleledger.JournalStatusComplete, at, "")
}

func (j *Journal) Fail(ctx context.Context, id simpleledger.ContentID, at time.Time, reason string) error {
	return j.finish(ctx, id, simpleledger.JournalStatusFailed, at, reason)
}

func (j *Journal) finish(ctx context.Context, id simpleledger.ContentID, status simpleledger.JournalStatus, at time.Time, reason string) error {
	key := j.entryKey(id)
	member := string(id)

	n, err := j.client.Exists(ctx, key).Result()
	if err != nil {
		return persistence(string(status), err)
	}
	if n == 0 {
		return simpleledger.ErrJournalEntryNotFound
	}

	_, err = j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(status),
			"finished_at", at.UTC().Format(time.RFC3339Nano),
			"reason", reason,
		)
		for _, s := range statuses {
			if s != status {
				pipe.ZRem(ctx, j.statusKey(s), member)
			}
		}
		pipe.ZAdd(ctx, j.statusKey(status), redis.Z{Score: score(at), Member: member})
		return nil
	})
	if err != nil {
		return persistence(string(status), err)
	}
	return nil
}

func (j *Journal) Get(ctx context.Context, id simpleledger.ContentID) (*simpleledger.JournalEntry, error) {
	fields, err := j.client.HGetAll(ctx, j.entryKey(id)).Result()
	if err != nil {
		return nil, persistence("get", err)
	}
	if len(fields) == 0 {
		return nil, simpleledger.ErrJournalEntryNotFound
	}
	entry, err := decodeEntry(id, fields)
	if err != nil {
		return nil, persistence("get", err)
	}
	return entry, nil
}

func (j *Journal) ListByStatus(ctx context.Context, status simpleledger.JournalStatus, from, to time.Time) ([]*simpleledger.JournalEntry, error) {
	ids, err := j.client.ZRangeByScore(ctx, j.statusKey(status), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMicro(), 10),
		Max: "(" + strconv.FormatInt(to.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, persistence("list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = j.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, j.entryKey(simpleledger.ContentID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, persistence("list", err)
	}

	entries := make([]*simpleledger.JournalEntry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// hash expired or deleted out of band
			continue
		}
		entry, err := decodeEntry(simpleledger.ContentID(ids[i]), fields)
		if err != nil {
			return nil, persistence("list", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeEntry(id simpleledger.ContentID, fields map[string]string) (*simpleledger.JournalEntry, error) {
	entry := &simpleledger.JournalEntry{
		ContentID:   id,
		Status:      simpleledger.JournalStatus(fields["status"]),
		ContentType: fields["content_type"],
		Reason:      fields["reason"],
	}
	if v := fields["data_size"]; v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("data_size: %w", err)
		}
		entry.DataSize = size
	}
	started, err := time.Parse(time.RFC3339Nano, fields["started_at"])
	if err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	entry.StartedAt = started
	if v := fields["finished_at"]; v != "" {
		finished, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("finished_at: %w", err)
		}
		entry.FinishedAt = &finished
	}
	if entry.Status == "" {
		return nil, errors.New("missing status")
	}
	return entry, nil
}
