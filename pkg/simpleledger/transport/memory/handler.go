package memory

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/transport/wire"
)

// Handler serves the ledger over the ledger network API.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a handler for ledger
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// Routes returns the router for ledger endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post(wire.TxPath, h.CreateTx)
	r.Post("/tx/{id}/chunks/{index}", h.PutChunk)
	r.Get("/tx/{id}/status", h.GetStatus)
	r.Get("/tx/{id}/data", h.GetData)
	return r
}

// CreateTx registers a transaction
func (h *Handler) CreateTx(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	root, err := simpleledger.ParseDigest(req.DataRoot)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	id, err := h.ledger.Create(r.Context(), Descriptor{
		DataSize:    req.DataSize,
		DataRoot:    root,
		ChunkCount:  req.ChunkCount,
		ContentType: req.ContentType,
		Owner:       req.Owner,
	})
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}

	h.logger.Debug("ledger tx created", "tx_id", id, "bytes", req.DataSize, "chunks", req.ChunkCount)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, wire.CreateResponse{ID: id})
}

// PutChunk stores one chunk
func (h *Handler) PutChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	signature, err := base64.RawURLEncoding.DecodeString(r.Header.Get(wire.HeaderSignature))
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, err)
		return
	}
	digest, err := simpleledger.ParseDigest(r.Header.Get(wire.HeaderChunkDigest))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, wire.MaxChunkBytes))
	if err != nil {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}

	if err := h.ledger.PutChunk(r.Context(), id, index, data, digest, signature); err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	status, err := h.ledger.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, wire.StatusResponse{Complete: status.Complete, Received: status.Received, Total: status.Total})
}

// GetStatus reports delivery progress
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.ledger.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, wire.StatusResponse{Complete: status.Complete, Received: status.Received, Total: status.Total})
}

// GetData returns the stored bytes
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := h.ledger.Data(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed", "path", r.URL.Path, "err", err)
	}
	render.Status(r, status)
	render.JSON(w, r, wire.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTxNotFound), errors.Is(err, ErrNotComplete):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
