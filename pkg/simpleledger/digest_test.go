package simpleledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

func TestDataRoot(t *testing.T) {
	data := payload(10000)
	chunks, err := simpleledger.Split(data, 4096)
	require.NoError(t, err)

	root := simpleledger.DataRoot(data, chunks)
	assert.False(t, root.IsZero())
	assert.Equal(t, root, simpleledger.DataRoot(data, chunks), "deterministic")

	single := []simpleledger.ByteRange{{Offset: 0, Length: len(data)}}
	assert.Equal(t, simpleledger.ChunkDigest(data), simpleledger.DataRoot(data, single))

	other := append([]byte(nil), data...)
	other[9999] ^= 0xff
	assert.NotEqual(t, root, simpleledger.DataRoot(other, chunks))

	assert.True(t, simpleledger.DataRoot(nil, nil).IsZero())
}

func TestDataRootDependsOnChunking(t *testing.T) {
	data := payload(300)
	a, err := simpleledger.Split(data, 100)
	require.NoError(t, err)
	b, err := simpleledger.Split(data, 150)
	require.NoError(t, err)
	assert.NotEqual(t, simpleledger.DataRoot(data, a), simpleledger.DataRoot(data, b))
}

func TestParseDigest(t *testing.T) {
	d := simpleledger.ChunkDigest([]byte("hello"))
	parsed, err := simpleledger.ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = simpleledger.ParseDigest("zz")
	assert.Error(t, err)
	_, err = simpleledger.ParseDigest("abcd")
	assert.Error(t, err)
}

func TestSigningPayloadCoversTransaction(t *testing.T) {
	data := payload(50)
	chunks, err := simpleledger.Split(data, 20)
	require.NoError(t, err)
	params := simpleledger.CreateParams{
		Payload: data, ContentType: "image/png", Chunks: chunks,
		DataRoot: simpleledger.DataRoot(data, chunks),
	}
	tx := simpleledger.NewContentTransaction("tx-9", params, "owner")
	base := simpleledger.SigningPayload(tx)

	other := simpleledger.NewContentTransaction("tx-10", params, "owner")
	assert.NotEqual(t, base, simpleledger.SigningPayload(other))

	params.ContentType = "image/jpeg"
	retyped := simpleledger.NewContentTransaction("tx-9", params, "owner")
	assert.NotEqual(t, base, simpleledger.SigningPayload(retyped))

	assert.Equal(t, base, simpleledger.SigningPayload(simpleledger.NewContentTransaction("tx-9",
		simpleledger.CreateParams{Payload: data, ContentType: "image/png", Chunks: chunks, DataRoot: tx.DataRoot}, "owner")))
}

func TestMerkleRootPromotesOddNode(t *testing.T) {
	a := simpleledger.ChunkDigest([]byte("a"))
	b := simpleledger.ChunkDigest([]byte("b"))
	c := simpleledger.ChunkDigest([]byte("c"))

	assert.Equal(t, a, simpleledger.MerkleRoot([]simpleledger.Digest{a}))

	ab := simpleledger.MerkleRoot([]simpleledger.Digest{a, b})
	assert.Equal(t, simpleledger.MerkleRoot([]simpleledger.Digest{ab, c}),
		simpleledger.MerkleRoot([]simpleledger.Digest{a, b, c}))
	assert.NotEqual(t, simpleledger.MerkleRoot([]simpleledger.Digest{a, b, c}),
		simpleledger.MerkleRoot([]simpleledger.Digest{a, b, c, c}), "odd node is not duplicated")
}
