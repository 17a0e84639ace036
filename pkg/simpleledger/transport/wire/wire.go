// Package wire defines the ledger network API shared by the HTTP client
// and the in-memory ledger server.
//
//	POST /tx                      CreateRequest -> CreateResponse
//	POST /tx/{id}/chunks/{index}  chunk bytes, signature and digest headers
//	GET  /tx/{id}/status          StatusResponse
//	GET  /tx/{id}/data            stored bytes once complete
package wire

import (
	"fmt"
	"net/url"
)

const (
	// HeaderSignature carries the base64url transaction signature on every chunk.
	HeaderSignature = "X-Ledger-Signature"

	// HeaderChunkDigest carries the hex chunk digest.
	HeaderChunkDigest = "X-Chunk-Digest"

	// MaxChunkBytes bounds a single chunk body.
	MaxChunkBytes = 4 << 20
)

// CreateRequest describes a transaction to create.
type CreateRequest struct {
	DataSize    int    `json:"data_size"`
	DataRoot    string `json:"data_root"`
	ChunkCount  int    `json:"chunk_count"`
	ContentType string `json:"content_type,omitempty"`
	Owner       string `json:"owner"`
}

// CreateResponse carries the ledger-assigned id.
type CreateResponse struct {
	ID string `json:"id"`
}

// StatusResponse reports how many chunks the ledger holds.
type StatusResponse struct {
	Complete bool `json:"complete"`
	Received int  `json:"received"`
	Total    int  `json:"total"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TxPath is the creation endpoint.
const TxPath = "/tx"

// ChunkPath returns the upload path of chunk index of tx id.
func ChunkPath(id string, index int) string {
	return fmt.Sprintf("/tx/%s/chunks/%d", url.PathEscape(id), index)
}

// StatusPath returns the status path of tx id.
func StatusPath(id string) string {
	return "/tx/" + url.PathEscape(id) + "/status"
}

// DataPath returns the data path of tx id.
func DataPath(id string) string {
	return "/tx/" + url.PathEscape(id) + "/data"
}
