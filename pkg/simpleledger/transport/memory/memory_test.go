package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/credential"
	"github.com/tendant/simple-ledger/pkg/simpleledger/transport/memory"
)

var (
	walletOnce sync.Once
	wallet     *credential.Wallet
)

func testWallet(t *testing.T) *credential.Wallet {
	t.Helper()
	walletOnce.Do(func() {
		w, err := credential.Generate(credential.MinKeyBits)
		if err != nil {
			panic(err)
		}
		wallet = w
	})
	return wallet
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func createSigned(t *testing.T, transport *memory.Transport, data []byte, chunkSize int) *simpleledger.ContentTransaction {
	t.Helper()
	ctx := context.Background()
	chunks, err := simpleledger.Split(data, chunkSize)
	require.NoError(t, err)
	tx, err := transport.CreateTransaction(ctx, simpleledger.CreateParams{
		Payload: data, ContentType: "image/png", Chunks: chunks, DataRoot: simpleledger.DataRoot(data, chunks),
	}, testWallet(t))
	require.NoError(t, err)
	require.NoError(t, transport.Sign(ctx, tx, testWallet(t)))
	return tx
}

func TestTransportRoundTrip(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	transport := memory.NewTransport(ledger)
	data := testPayload(10000)
	tx := createSigned(t, transport, data, 4096)

	assert.Equal(t, simpleledger.TransactionStatusSigned, tx.Status)
	for i := range tx.Chunks {
		complete, err := transport.IsComplete(ctx, tx)
		require.NoError(t, err)
		assert.False(t, complete)
		require.NoError(t, transport.SendChunk(ctx, tx, i))
	}
	complete, err := transport.IsComplete(ctx, tx)
	require.NoError(t, err)
	assert.True(t, complete)

	stored, contentType, err := ledger.Data(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
	assert.Equal(t, "image/png", contentType)
}

func TestResendingChunksIsIdempotent(t *testing.T) {
	ctx := context.Background()
	transport := memory.NewTransport(memory.NewLedger())
	tx := createSigned(t, transport, testPayload(9000), 4096)

	order := []int{0, 0, 2, 1, 2, 1, 0}
	for _, i := range order {
		require.NoError(t, transport.SendChunk(ctx, tx, i))
	}
	complete, err := transport.IsComplete(ctx, tx)
	require.NoError(t, err)
	assert.True(t, complete)

	require.NoError(t, transport.SendChunk(ctx, tx, 1))
	complete, err = transport.IsComplete(ctx, tx)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestLedgerRejectsUnsignedAndForgedChunks(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	transport := memory.NewTransport(ledger)
	tx := createSigned(t, transport, testPayload(100), 50)

	unsigned := *tx
	unsigned.Signature = nil
	err := transport.SendChunk(ctx, &unsigned, 0)
	assert.ErrorIs(t, err, simpleledger.ErrAuth)

	forged := *tx
	forged.Signature = append([]byte(nil), tx.Signature...)
	forged.Signature[0] ^= 0xff
	err = transport.SendChunk(ctx, &forged, 0)
	assert.ErrorIs(t, err, simpleledger.ErrAuth)
	assert.False(t, simpleledger.IsRetryable(err))

	chunk := tx.Chunk(0)
	tampered := append([]byte(nil), chunk...)
	tampered[0] ^= 0xff
	err = ledger.PutChunk(ctx, tx.ID, 0, tampered, simpleledger.ChunkDigest(chunk), tx.Signature)
	assert.ErrorIs(t, err, memory.ErrBadRequest)

	err = ledger.PutChunk(ctx, tx.ID, 5, chunk, simpleledger.ChunkDigest(chunk), tx.Signature)
	assert.ErrorIs(t, err, memory.ErrBadRequest)

	_, err = ledger.Status(ctx, "nope")
	assert.ErrorIs(t, err, memory.ErrTxNotFound)

	_, _, err = ledger.Data(ctx, tx.ID)
	assert.ErrorIs(t, err, memory.ErrNotComplete)
}

func TestSignRejectsForeignCredential(t *testing.T) {
	ctx := context.Background()
	transport := memory.NewTransport(memory.NewLedger())
	tx := createSigned(t, transport, testPayload(10), 10)

	other, err := credential.Generate(credential.MinKeyBits)
	require.NoError(t, err)
	err = transport.Sign(ctx, tx, other)
	assert.ErrorIs(t, err, simpleledger.ErrAuth)

	err = transport.Sign(ctx, tx, nil)
	assert.ErrorIs(t, err, simpleledger.ErrAuth)
}

func TestCreateValidatesDescriptor(t *testing.T) {
	ledger := memory.NewLedger()
	root := simpleledger.ChunkDigest([]byte("x"))

	tests := []struct {
		name string
		desc memory.Descriptor
	}{
		{"zero size", memory.Descriptor{DataSize: 0, ChunkCount: 1, Owner: "o", DataRoot: root}},
		{"too many chunks", memory.Descriptor{DataSize: 2, ChunkCount: 3, Owner: "o", DataRoot: root}},
		{"no owner", memory.Descriptor{DataSize: 2, ChunkCount: 1, DataRoot: root}},
		{"no root", memory.Descriptor{DataSize: 2, ChunkCount: 1, Owner: "o"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Create(context.Background(), tt.desc)
			assert.Error(t, err)
		})
	}
	assert.Zero(t, ledger.Len())
}

func TestConcurrentUploadsThroughCoordinator(t *testing.T) {
	ledger := memory.NewLedger()
	coordinator, err := simpleledger.NewCoordinator(
		simpleledger.WithTransport(memory.NewTransport(ledger)),
		simpleledger.WithChunkSize(1024),
		simpleledger.WithRetryPolicy(simpleledger.RetryPolicy{
			MaxAttempts: 2, MaxChunkSends: 2, ChunkTimeout: time.Second, UploadTimeout: 10 * time.Second,
			InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, PollInterval: time.Millisecond,
		}),
	)
	require.NoError(t, err)

	const uploads = 8
	ids := make([]simpleledger.ContentID, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := coordinator.Upload(context.Background(), simpleledger.UploadRequest{
				Payload:     testPayload(3000 + i*100),
				ContentType: fmt.Sprintf("image/test-%d", i),
				Credential:  testWallet(t),
			})
			if outcome.Err == nil {
				ids[i] = outcome.ContentID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[simpleledger.ContentID]bool)
	for i, id := range ids {
		require.False(t, id.IsZero(), "upload %d failed", i)
		assert.False(t, seen[id], "ids are unique")
		seen[id] = true

		data, _, err := ledger.Data(context.Background(), string(id))
		require.NoError(t, err)
		assert.Equal(t, testPayload(3000+i*100), data)
	}
}
