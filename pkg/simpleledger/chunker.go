package simpleledger

import "fmt"

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 256 * 1024

// Split slices payload into consecutive ranges of maxChunkSize bytes; the
// last range may be shorter. An empty payload is rejected; use
// SplitAllowEmpty for an explicit empty-media upload.
func Split(payload []byte, maxChunkSize int) ([]ByteRange, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	return SplitAllowEmpty(payload, maxChunkSize)
}

// SplitAllowEmpty is Split but returns no ranges for an empty payload.
func SplitAllowEmpty(payload []byte, maxChunkSize int) ([]ByteRange, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidInput, maxChunkSize)
	}
	if len(payload) == 0 {
		return []ByteRange{}, nil
	}

	chunks := make([]ByteRange, 0, (len(payload)+maxChunkSize-1)/maxChunkSize)
	for offset := 0; offset < len(payload); offset += maxChunkSize {
		length := min(maxChunkSize, len(payload)-offset)
		chunks = append(chunks, ByteRange{Offset: offset, Length: length})
	}
	return chunks, nil
}
