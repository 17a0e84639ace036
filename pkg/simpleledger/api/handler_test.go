package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/reconcile"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	epoch   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pngData = []byte("\x89PNG\r\n\x1a\n0000000000")
)

type publishCall struct {
	req      simpleledger.UploadRequest
	mutation simpleledger.RecordMutation
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error

	// uploadErr and commitErr fail PublishBatch items of the given kind at
	// that stage.
	uploadErr map[simpleledger.RecordKind]error
	commitErr map[simpleledger.RecordKind]error
	committed []simpleledger.RecordKind
}

func (p *fakePublisher) Publish(ctx context.Context, req simpleledger.UploadRequest, mutation simpleledger.RecordMutation) (*simpleledger.CommitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{req: req, mutation: mutation})
	if p.err != nil {
		return nil, p.err
	}
	return p.commitLocked(req, mutation), nil
}

func (p *fakePublisher) PublishBatch(ctx context.Context, items []simpleledger.PublishItem) ([]*simpleledger.CommitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		p.calls = append(p.calls, publishCall{req: item.Request, mutation: item.Mutation})
		if err := p.uploadErr[item.Mutation.Kind]; err != nil {
			return nil, err
		}
	}
	var results []*simpleledger.CommitResult
	for _, item := range items {
		if err := p.commitErr[item.Mutation.Kind]; err != nil {
			return results, err
		}
		results = append(results, p.commitLocked(item.Request, item.Mutation))
	}
	return results, nil
}

func (p *fakePublisher) commitLocked(req simpleledger.UploadRequest, mutation simpleledger.RecordMutation) *simpleledger.CommitResult {
	ref := simpleledger.ContentID("")
	if len(req.Payload) > 0 {
		ref = simpleledger.ContentID(fmt.Sprintf("tx-%d", len(p.calls)))
	}
	p.committed = append(p.committed, mutation.Kind)
	return &simpleledger.CommitResult{
		RecordID: uuid.New(), Kind: mutation.Kind, OwnerID: mutation.OwnerID, MediaRef: ref, CommittedAt: epoch,
	}
}

type fakeScanner struct {
	since time.Time
	err   error
}

func (s *fakeScanner) Scan(ctx context.Context, since time.Time) (*reconcile.Report, error) {
	s.since = since
	if s.err != nil {
		return nil, s.err
	}
	return &reconcile.Report{Since: since, Orphans: []reconcile.Upload{{ContentID: "tx-orphan"}}}, nil
}

type fakeCredential struct{}

func (fakeCredential) Owner() string                   { return "owner" }
func (fakeCredential) Address() string                 { return "addr" }
func (fakeCredential) Sign(msg []byte) ([]byte, error) { return []byte("sig"), nil }

const secret = "test-secret"

type testServer struct {
	publisher *fakePublisher
	scanner   *fakeScanner
	router    http.Handler
	token     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{publisher: &fakePublisher{}, scanner: &fakeScanner{}}
	h := NewHandler(Config{
		Publisher:  ts.publisher,
		Scanner:    ts.scanner,
		Credential: fakeCredential{},
		MaxBytes:   1 << 20,
		Logger:     discard,
		Now:        func() time.Time { return epoch },
	})
	ja := NewAuth(secret)
	_, token, err := ja.Encode(map[string]interface{}{"id": 7})
	require.NoError(t, err)
	ts.token = token

	r := chi.NewRouter()
	r.Mount("/api", h.Routes(ja))
	r.Mount("/api/admin", h.AdminRoutes())
	ts.router = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: ts.token})
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func multipartBody(t *testing.T, values map[string]string, files map[string][]byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAuthenticate(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`{"desc":"x"}`))
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, forged, err := NewAuth("other").Encode(map[string]interface{}{"id": 7})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`{"desc":"x"}`))
		req.Header.Set("Authorization", "Bearer "+forged)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`{"desc":"x"}`))
		req.Header.Set("Authorization", "Bearer "+ts.token)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("missing id claim", func(t *testing.T) {
		_, token, err := NewAuth(secret).Encode(map[string]interface{}{"name": "x"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`{"desc":"x"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestOwnerClaim(t *testing.T) {
	tests := []struct {
		in   interface{}
		want int64
		ok   bool
	}{
		{float64(7), 7, true},
		{json.Number("12"), 12, true},
		{"34", 34, true},
		{float64(1.5), 0, false},
		{float64(0), 0, false},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ownerClaim(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestCreatePost_JSON(t *testing.T) {
	ts := newTestServer(t)
	body := jsonBody(t, PostRequest{Desc: "sunset", Img: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)})

	rec := ts.do(t, http.MethodPost, "/api/posts", "application/json", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, ts.publisher.calls, 1)
	call := ts.publisher.calls[0]
	assert.Equal(t, pngData, call.req.Payload)
	assert.Equal(t, "image/png", call.req.ContentType)
	assert.NotNil(t, call.req.Credential)
	assert.Equal(t, simpleledger.RecordKindPost, call.mutation.Kind)
	assert.Equal(t, int64(7), call.mutation.OwnerID)
	assert.Equal(t, "sunset", call.mutation.Description)

	var resp RecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tx-1", resp.MediaRef)
	assert.Equal(t, "post", resp.Kind)
}

func TestCreatePost_TextOnly(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/posts", "application/json", jsonBody(t, PostRequest{Desc: "just words"}))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ts.publisher.calls, 1)
	assert.Empty(t, ts.publisher.calls[0].req.Payload)
}

func TestCreatePost_Multipart(t *testing.T) {
	ts := newTestServer(t)
	body, ct := multipartBody(t, map[string]string{"desc": "beach"}, map[string][]byte{"file": pngData})

	rec := ts.do(t, http.MethodPost, "/api/posts", ct, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, ts.publisher.calls, 1)
	assert.Equal(t, pngData, ts.publisher.calls[0].req.Payload)
	assert.Equal(t, "image/png", ts.publisher.calls[0].req.ContentType)
	assert.Equal(t, "beach", ts.publisher.calls[0].mutation.Description)
}

func TestCreatePost_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		ct   string
		body string
	}{
		{"empty post", "application/json", `{"desc":"  "}`},
		{"bad base64", "application/json", `{"img":"***"}`},
		{"bad json", "application/json", `{`},
		{"data url not base64", "application/json", `{"img":"data:text/plain,hello"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, "/api/posts", tt.ct, strings.NewReader(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, ts.publisher.calls)
		})
	}
}

func TestCreatePost_TooLarge(t *testing.T) {
	ts := newTestServer(t)
	big := base64.StdEncoding.EncodeToString(make([]byte, 2<<20))
	rec := ts.do(t, http.MethodPost, "/api/posts", "application/json", jsonBody(t, PostRequest{Img: big}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.publisher.calls)
}

func TestCreateStory(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/stories", "application/json", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct := multipartBody(t, nil, map[string][]byte{"file": pngData})
	rec = ts.do(t, http.MethodPost, "/api/stories", ct, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ts.publisher.calls, 1)
	assert.Equal(t, simpleledger.RecordKindStory, ts.publisher.calls[0].mutation.Kind)
}

func TestUpdatePictures(t *testing.T) {
	ts := newTestServer(t)
	body, ct := multipartBody(t, map[string]string{"coverPic": ""}, map[string][]byte{"profilePic": pngData})

	rec := ts.do(t, http.MethodPut, "/api/users/pictures", ct, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PicturesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "profile_picture", resp.Records[0].Kind)
	assert.NotEmpty(t, resp.Records[0].MediaRef)
	assert.Equal(t, "cover_picture", resp.Records[1].Kind)
	assert.Empty(t, resp.Records[1].MediaRef, "empty field clears the cover")

	rec = ts.do(t, http.MethodPut, "/api/users/pictures", "application/json", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePictures_CoverUploadFailureChangesNothing(t *testing.T) {
	ts := newTestServer(t)
	ts.publisher.uploadErr = map[simpleledger.RecordKind]error{
		simpleledger.RecordKindCoverPicture: &simpleledger.UploadError{Kind: simpleledger.KindUploadIncomplete, Err: simpleledger.ErrUploadIncomplete},
	}
	body, ct := multipartBody(t, nil, map[string][]byte{"profilePic": pngData, "coverPic": pngData})

	rec := ts.do(t, http.MethodPut, "/api/users/pictures", ct, body)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upload_failed", resp.Error)
	assert.Empty(t, resp.Records)
	assert.Empty(t, ts.publisher.committed, "profile picture must not change when the cover upload fails")
}

func TestUpdatePictures_CoverCommitFailureReportsProfile(t *testing.T) {
	ts := newTestServer(t)
	ts.publisher.commitErr = map[simpleledger.RecordKind]error{
		simpleledger.RecordKindCoverPicture: &simpleledger.CommitError{ContentID: "tx-cover", Kind: simpleledger.KindPersistence, Err: simpleledger.ErrPersistence},
	}
	body, ct := multipartBody(t, nil, map[string][]byte{"profilePic": pngData, "coverPic": pngData})

	rec := ts.do(t, http.MethodPut, "/api/users/pictures", ct, body)
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "commit_failed", resp.Error)
	assert.Equal(t, "tx-cover", resp.ContentID)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "profile_picture", resp.Records[0].Kind)
	assert.Equal(t, []simpleledger.RecordKind{simpleledger.RecordKindProfilePicture}, ts.publisher.committed)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		wantID     string
	}{
		{
			name:       "upload incomplete",
			err:        &simpleledger.UploadError{Kind: simpleledger.KindUploadIncomplete, TxID: "tx-9", Err: simpleledger.ErrUploadIncomplete},
			wantStatus: http.StatusBadGateway,
			wantError:  "upload_failed",
		},
		{
			name:       "transport",
			err:        &simpleledger.UploadError{Kind: simpleledger.KindTransport, Err: simpleledger.ErrTransport},
			wantStatus: http.StatusBadGateway,
			wantError:  "upload_failed",
		},
		{
			name:       "credential missing",
			err:        &simpleledger.UploadError{Kind: simpleledger.KindCredentialMissing, Err: simpleledger.ErrCredentialMissing},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "credential_missing",
		},
		{
			name:       "commit failed",
			err:        &simpleledger.CommitError{ContentID: "tx-stored", Kind: simpleledger.KindPersistence, Err: simpleledger.ErrPersistence},
			wantStatus: http.StatusInternalServerError,
			wantError:  "commit_failed",
			wantID:     "tx-stored",
		},
		{
			name:       "commit rejected",
			err:        &simpleledger.CommitError{Kind: simpleledger.KindInvalidInput, Err: simpleledger.ErrInvalidInput},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_input",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.publisher.err = tt.err

			rec := ts.do(t, http.MethodPost, "/api/posts", "application/json", jsonBody(t, PostRequest{Desc: "x"}))
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Equal(t, tt.wantID, resp.ContentID)
		})
	}
}

func TestGetOrphans(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/admin/orphans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, epoch.Add(-DefaultOrphanWindow).Equal(ts.scanner.since))
	assert.Contains(t, rec.Body.String(), "tx-orphan")

	rec = ts.do(t, http.MethodGet, "/api/admin/orphans?since=2h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, epoch.Add(-2*time.Hour).Equal(ts.scanner.since))

	rec = ts.do(t, http.MethodGet, "/api/admin/orphans?since=2026-02-01T00:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2026, ts.scanner.since.Year())

	rec = ts.do(t, http.MethodGet, "/api/admin/orphans?since=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.scanner.err = simpleledger.ErrPersistence
	rec = ts.do(t, http.MethodGet, "/api/admin/orphans", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetOrphans_Disabled(t *testing.T) {
	h := NewHandler(Config{Publisher: &fakePublisher{}, Logger: discard})
	rec := httptest.NewRecorder()
	h.AdminRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orphans", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
