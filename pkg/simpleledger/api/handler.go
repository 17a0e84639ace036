// Package api exposes the publish pipeline over HTTP: posts, stories and
// profile pictures upload their media to the ledger and then link it to a
// record. An operator endpoint returns the reconciliation report.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/reconcile"
)

// DefaultMaxBytes caps request bodies when Config.MaxBytes is zero.
const DefaultMaxBytes = 10 << 20

// DefaultOrphanWindow is how far back the orphan report looks without ?since.
const DefaultOrphanWindow = 24 * time.Hour

// Publisher uploads media and commits the record that references it.
// PublishBatch uploads every item before committing any.
type Publisher interface {
	Publish(ctx context.Context, req simpleledger.UploadRequest, mutation simpleledger.RecordMutation) (*simpleledger.CommitResult, error)
	PublishBatch(ctx context.Context, items []simpleledger.PublishItem) ([]*simpleledger.CommitResult, error)
}

// Scanner produces reconciliation reports.
type Scanner interface {
	Scan(ctx context.Context, since time.Time) (*reconcile.Report, error)
}

type Config struct {
	Publisher Publisher
	Scanner   Scanner

	// Credential signs every upload. Nil makes uploads fail with 503.
	Credential simpleledger.Credential

	MaxBytes int64
	Logger   *slog.Logger
	Now      func() time.Time
}

// Handler serves the publish and report endpoints.
type Handler struct {
	publisher  Publisher
	scanner    Scanner
	credential simpleledger.Credential
	maxBytes   int64
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a new handler
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		publisher:  cfg.Publisher,
		scanner:    cfg.Scanner,
		credential: cfg.Credential,
		maxBytes:   cfg.MaxBytes,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if h.maxBytes <= 0 {
		h.maxBytes = DefaultMaxBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Routes returns the authenticated publish routes.
func (h *Handler) Routes(ja *jwtauth.JWTAuth) chi.Router {
	r := chi.NewRouter()
	r.Use(Authenticate(ja))
	r.Post("/posts", h.CreatePost)
	r.Post("/stories", h.CreateStory)
	r.Put("/users/pictures", h.UpdatePictures)
	return r
}

// AdminRoutes returns the operator routes. Callers guard them.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/orphans", h.GetOrphans)
	return r
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	ContentID string `json:"content_id,omitempty"`

	// Records lists what a multi-record request committed before failing.
	Records []RecordResponse `json:"records,omitempty"`
}

// RecordResponse is returned for each committed record.
type RecordResponse struct {
	RecordID    string    `json:"record_id"`
	Kind        string    `json:"kind"`
	MediaRef    string    `json:"media_ref"`
	CommittedAt time.Time `json:"committed_at"`
}

func newRecordResponse(res *simpleledger.CommitResult) RecordResponse {
	return RecordResponse{
		RecordID:    res.RecordID.String(),
		Kind:        string(res.Kind),
		MediaRef:    string(res.MediaRef),
		CommittedAt: res.CommittedAt,
	}
}

// PostRequest is the JSON form of a new post; Img is base64 or a data URL.
type PostRequest struct {
	Desc string `json:"desc"`
	Img  string `json:"img"`
}

// CreatePost uploads the optional image and inserts a post.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	form, err := h.readForm(w, r, "file", "img")
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	desc := form.values["desc"]
	media := form.media["file"]
	if media == nil {
		media = form.media["img"]
	}
	if media == nil && strings.TrimSpace(desc) == "" {
		h.badRequest(w, r, errors.New("post needs a description or an image"))
		return
	}

	res, err := h.publish(r.Context(), media, simpleledger.RecordMutation{
		Kind:        simpleledger.RecordKindPost,
		OwnerID:     owner,
		Description: desc,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, newRecordResponse(res))
}

// CreateStory uploads the image and inserts a story.
func (h *Handler) CreateStory(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	form, err := h.readForm(w, r, "file", "img")
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	media := form.media["file"]
	if media == nil {
		media = form.media["img"]
	}
	if media == nil || len(media.data) == 0 {
		h.badRequest(w, r, errors.New("story needs an image"))
		return
	}

	res, err := h.publish(r.Context(), media, simpleledger.RecordMutation{
		Kind:    simpleledger.RecordKindStory,
		OwnerID: owner,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, newRecordResponse(res))
}

// PicturesResponse lists the profile fields that were updated.
type PicturesResponse struct {
	Records []RecordResponse `json:"records"`
}

// UpdatePictures replaces the profile and/or cover picture. A field sent
// empty clears it. Both pictures upload before either record changes.
func (h *Handler) UpdatePictures(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	form, err := h.readForm(w, r, "profilePic", "coverPic")
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	fields := []struct {
		name string
		kind simpleledger.RecordKind
	}{
		{"profilePic", simpleledger.RecordKindProfilePicture},
		{"coverPic", simpleledger.RecordKindCoverPicture},
	}

	var items []simpleledger.PublishItem
	for _, f := range fields {
		m, ok := form.media[f.name]
		if !ok {
			continue
		}
		items = append(items, simpleledger.PublishItem{
			Request:  h.uploadRequest(m),
			Mutation: simpleledger.RecordMutation{Kind: f.kind, OwnerID: owner},
		})
	}
	if len(items) == 0 {
		h.badRequest(w, r, errors.New("profilePic or coverPic is required"))
		return
	}

	results, err := h.publisher.PublishBatch(r.Context(), items)
	resp := PicturesResponse{}
	for _, res := range results {
		resp.Records = append(resp.Records, newRecordResponse(res))
	}
	if err != nil {
		h.writeErrorWithRecords(w, r, err, resp.Records)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// GetOrphans returns the reconciliation report. ?since accepts an RFC3339
// time or a duration to look back.
func (h *Handler) GetOrphans(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, ErrorResponse{Error: "reconciliation_disabled"})
		return
	}
	since, err := reconcile.ParseSince(r.URL.Query().Get("since"), h.now(), DefaultOrphanWindow)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	report, err := h.scanner.Scan(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "reconciliation scan failed", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: "scan_failed"})
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func (h *Handler) publish(ctx context.Context, m *media, mutation simpleledger.RecordMutation) (*simpleledger.CommitResult, error) {
	return h.publisher.Publish(ctx, h.uploadRequest(m), mutation)
}

func (h *Handler) uploadRequest(m *media) simpleledger.UploadRequest {
	req := simpleledger.UploadRequest{Credential: h.credential}
	if m != nil {
		req.Payload = m.data
		req.ContentType = m.contentType
	}
	return req
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_input", Message: err.Error()})
}

// writeError maps pipeline errors to responses. Upload failures and
// commit failures are kept apart; a commit failure names the content id
// that reached the ledger but was not linked.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWithRecords(w, r, err, nil)
}

// writeErrorWithRecords is writeError for requests that commit several
// records; records are the ones committed before err.
func (h *Handler) writeErrorWithRecords(w http.ResponseWriter, r *http.Request, err error, records []RecordResponse) {
	var commitErr *simpleledger.CommitError
	if errors.As(err, &commitErr) {
		if commitErr.Kind == simpleledger.KindInvalidInput {
			writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_input", Message: err.Error(), Records: records})
			return
		}
		h.logger.ErrorContext(r.Context(), "commit failed",
			"content_id", commitErr.ContentID,
			"kind", commitErr.Record,
			"err", err)
		writeJSON(w, r, http.StatusInternalServerError, ErrorResponse{
			Error:     "commit_failed",
			ContentID: string(commitErr.ContentID),
			Records:   records,
		})
		return
	}

	switch simpleledger.KindOf(err) {
	case simpleledger.KindInvalidInput:
		h.badRequest(w, r, err)
	case simpleledger.KindCredentialMissing:
		writeJSON(w, r, http.StatusServiceUnavailable, ErrorResponse{Error: "credential_missing"})
	default:
		h.logger.ErrorContext(r.Context(), "upload failed", "err", err)
		writeJSON(w, r, http.StatusBadGateway, ErrorResponse{Error: "upload_failed"})
	}
}

type media struct {
	data        []byte
	contentType string
}

type form struct {
	values map[string]string
	// media holds each named file field that was sent. A field present but
	// empty maps to a media with no data.
	media map[string]*media
}

// readForm reads a multipart or JSON body, limited to maxBytes.
func (h *Handler) readForm(w http.ResponseWriter, r *http.Request, fileFields ...string) (*form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	f := &form{values: map[string]string{}, media: map[string]*media{}}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		for key, vals := range r.MultipartForm.Value {
			if len(vals) > 0 {
				f.values[key] = vals[0]
			}
		}
		for _, name := range fileFields {
			if vals, ok := r.MultipartForm.Value[name]; ok && len(vals) > 0 && vals[0] == "" {
				f.media[name] = &media{}
			}
			file, header, err := r.FormFile(name)
			if errors.Is(err, http.ErrMissingFile) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			f.media[name] = &media{data: data, contentType: contentTypeOf(header.Header.Get("Content-Type"), data)}
		}
		return f, nil
	}

	var body map[string]*string
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	isFile := map[string]bool{}
	for _, name := range fileFields {
		isFile[name] = true
	}
	for key, val := range body {
		if val == nil {
			continue
		}
		if !isFile[key] {
			f.values[key] = *val
			continue
		}
		m, err := decodeMedia(*val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		f.media[key] = m
	}
	return f, nil
}

// decodeMedia decodes base64 or a data URL. Empty input is empty media.
func decodeMedia(value string) (*media, error) {
	if value == "" {
		return &media{}, nil
	}
	declared := ""
	if rest, ok := strings.CutPrefix(value, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, errors.New("data URL must be base64 encoded")
		}
		declared = strings.TrimSuffix(meta, ";base64")
		value = payload
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return &media{data: data, contentType: contentTypeOf(declared, data)}, nil
}

func contentTypeOf(declared string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if len(data) == 0 {
		return ""
	}
	return http.DetectContentType(data)
}
