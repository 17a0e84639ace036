package simpleledger

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed digest.
type Digest [32]byte

// Domain separation keys, ASCII zero-padded to 32 bytes. Changing them
// invalidates every digest the ledger has already accepted.
var (
	chunkDomainKey = [32]byte{
		's', 'i', 'm', 'p', 'l', 'e', '-', 'l', 'e', 'd', 'g', 'e', 'r', '.',
		'c', 'h', 'u', 'n', 'k',
	}
	rootDomainKey = [32]byte{
		's', 'i', 'm', 'p', 'l', 'e', '-', 'l', 'e', 'd', 'g', 'e', 'r', '.',
		'r', 'o', 'o', 't',
	}
)

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses a 64-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(d) {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(d))
	}
	copy(d[:], decoded)
	return d, nil
}

// ChunkDigest computes the chunk-domain digest of data.
func ChunkDigest(data []byte) Digest {
	return keyedSum(chunkDomainKey, data)
}

// DataRoot computes the Merkle root over the chunk digests of payload.
func DataRoot(payload []byte, chunks []ByteRange) Digest {
	digests := make([]Digest, len(chunks))
	for i, r := range chunks {
		digests[i] = ChunkDigest(payload[r.Offset:r.End()])
	}
	return MerkleRoot(digests)
}

// MerkleRoot computes a binary Merkle tree over digests. An odd node at
// any level is promoted unhashed. A single digest is its own root; no
// digests yields the zero digest.
func MerkleRoot(digests []Digest) Digest {
	if len(digests) == 0 {
		return Digest{}
	}
	level := make([]Digest, len(digests))
	copy(level, digests)

	var pair [64]byte
	for len(level) > 1 {
		next := make([]Digest, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			copy(pair[:32], level[i][:])
			copy(pair[32:], level[i+1][:])
			next[i/2] = keyedSum(rootDomainKey, pair[:])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}

func keyedSum(key [32]byte, data []byte) Digest {
	// NewKeyed only fails on a key that is not 32 bytes.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("simpleledger: blake3 keyed hash: " + err.Error())
	}
	hasher.Write(data)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}
