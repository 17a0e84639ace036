package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping redis test: TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err(), "redis ping")
	t.Cleanup(func() { _ = client.Close() })

	prefix := fmt.Sprintf("ledger-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
	})
	return New(client, prefix)
}

func TestJournal_Lifecycle(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, j.Begin(ctx, &simpleledger.JournalEntry{
		ContentID: "tx-1", DataSize: 42, ContentType: "image/jpeg", StartedAt: start,
	}))

	entry, err := j.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, simpleledger.JournalStatusPending, entry.Status)
	assert.Equal(t, 42, entry.DataSize)
	assert.Equal(t, "image/jpeg", entry.ContentType)
	assert.True(t, start.Equal(entry.StartedAt))
	assert.Nil(t, entry.FinishedAt)

	pending, err := j.ListByStatus(ctx, simpleledger.JournalStatusPending, start, start.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	done := start.Add(time.Minute)
	require.NoError(t, j.Complete(ctx, "tx-1", done))

	pending, err = j.ListByStatus(ctx, simpleledger.JournalStatusPending, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)

	complete, err := j.ListByStatus(ctx, simpleledger.JournalStatusComplete, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, complete, 1)
	require.NotNil(t, complete[0].FinishedAt)
	assert.True(t, done.Equal(*complete[0].FinishedAt))

	outside, err := j.ListByStatus(ctx, simpleledger.JournalStatusComplete, start, done)
	require.NoError(t, err)
	assert.Empty(t, outside)
}

func TestJournal_FailAndRebegin(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, j.Begin(ctx, &simpleledger.JournalEntry{ContentID: "tx-2", StartedAt: start}))
	require.NoError(t, j.Fail(ctx, "tx-2", start.Add(time.Second), "timeout"))

	entry, err := j.Get(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, simpleledger.JournalStatusFailed, entry.Status)
	assert.Equal(t, "timeout", entry.Reason)

	require.NoError(t, j.Begin(ctx, &simpleledger.JournalEntry{ContentID: "tx-2", StartedAt: start.Add(time.Minute)}))
	entry, err = j.Get(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, simpleledger.JournalStatusPending, entry.Status)
	assert.Empty(t, entry.Reason)
	assert.Nil(t, entry.FinishedAt)

	failed, err := j.ListByStatus(ctx, simpleledger.JournalStatusFailed, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestJournal_Missing(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	_, err := j.Get(ctx, "tx-missing")
	assert.ErrorIs(t, err, simpleledger.ErrJournalEntryNotFound)
	assert.ErrorIs(t, j.Complete(ctx, "tx-missing", time.Now()), simpleledger.ErrJournalEntryNotFound)
	assert.ErrorIs(t, j.Fail(ctx, "tx-missing", time.Now(), "x"), simpleledger.ErrJournalEntryNotFound)
}

func TestJournal_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	j := New(client, "")

	err := j.Begin(context.Background(), &simpleledger.JournalEntry{ContentID: "tx", StartedAt: time.Now()})
	assert.ErrorIs(t, err, simpleledger.ErrPersistence)

	_, err = j.Get(context.Background(), "tx")
	assert.ErrorIs(t, err, simpleledger.ErrPersistence)
}

func TestKeys(t *testing.T) {
	j := New(nil, "")
	assert.Equal(t, "ledger:upload:tx-1", j.entryKey("tx-1"))
	assert.Equal(t, "ledger:uploads:complete", j.statusKey(simpleledger.JournalStatusComplete))
}

func TestDecodeEntry(t *testing.T) {
	_, err := decodeEntry("tx", map[string]string{"status": "pending", "started_at": "yesterday"})
	assert.Error(t, err)

	_, err = decodeEntry("tx", map[string]string{"started_at": time.Now().Format(time.RFC3339Nano)})
	assert.Error(t, err)

	entry, err := decodeEntry("tx", map[string]string{
		"status": "complete", "data_size": "7",
		"started_at":  "2026-01-02T03:04:05Z",
		"finished_at": "2026-01-02T03:04:06Z",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, entry.DataSize)
	require.NotNil(t, entry.FinishedAt)
}
