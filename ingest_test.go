package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, body []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.bodies = append(e.bodies, body)
	return nil
}

func postImage(t *testing.T, handler http.Handler, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/images", bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestIngestAcceptsUpload(t *testing.T) {
	store := newMemoryStore()
	queue := &recordingEnqueuer{}
	server := NewIngestServer(store, queue, "uploads", 0)

	img := testPNG(t, colorImage(8, 8))
	rr := postImage(t, server.Handler(), img, nil)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp acceptedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Image accepted for processing", resp.Message)
	require.NotEmpty(t, resp.ImageID)

	source := Location{Bucket: "uploads", Key: resp.ImageID + ".png"}
	stored, ok := store.object(source)
	require.True(t, ok, "upload should be stored under <image_id><ext>")
	assert.Equal(t, img, stored)
	assert.Equal(t, "image/png", store.contentType(source))

	require.Len(t, queue.bodies, 1)
	req, err := DecodeProcessingRequest(queue.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, ProcessingRequest{ImageID: resp.ImageID, Source: source}, req)
}

func TestIngestDecodesBase64Body(t *testing.T) {
	store := newMemoryStore()
	queue := &recordingEnqueuer{}
	server := NewIngestServer(store, queue, "uploads", 0)

	img := testJPEG(t, 8, 8)
	encoded := []byte(base64.StdEncoding.EncodeToString(img))
	rr := postImage(t, server.Handler(), encoded, http.Header{"Content-Transfer-Encoding": {"base64"}})

	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp acceptedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	stored, ok := store.object(Location{Bucket: "uploads", Key: resp.ImageID + ".jpg"})
	require.True(t, ok)
	assert.Equal(t, img, stored)
}

func TestIngestRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		header http.Header
		limit  int64
		status int
	}{
		{name: "empty body", body: nil, status: http.StatusBadRequest},
		{
			name:   "empty after decoding",
			body:   []byte(""),
			header: http.Header{"Content-Transfer-Encoding": {"base64"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid base64",
			body:   []byte("!!not base64!!"),
			header: http.Header{"Content-Transfer-Encoding": {"base64"}},
			status: http.StatusBadRequest,
		},
		{name: "too large", body: bytes.Repeat([]byte{0xff}, 64), limit: 16, status: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			queue := &recordingEnqueuer{}
			server := NewIngestServer(store, queue, "uploads", tt.limit)

			rr := postImage(t, server.Handler(), tt.body, tt.header)

			assert.Equal(t, tt.status, rr.Code)
			assert.Zero(t, store.putCount())
			assert.Empty(t, queue.bodies)
		})
	}
}

func TestIngestStoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.putErr = assert.AnError
	queue := &recordingEnqueuer{}
	server := NewIngestServer(store, queue, "uploads", 0)

	rr := postImage(t, server.Handler(), testJPEG(t, 4, 4), nil)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, queue.bodies, "nothing is enqueued without a stored source")
}

func TestIngestEnqueueFailure(t *testing.T) {
	store := newMemoryStore()
	queue := &recordingEnqueuer{err: assert.AnError}
	server := NewIngestServer(store, queue, "uploads", 0)

	rr := postImage(t, server.Handler(), testJPEG(t, 4, 4), nil)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "failed to enqueue image", resp.Error)
}

func TestIngestRoutes(t *testing.T) {
	server := NewIngestServer(newMemoryStore(), &recordingEnqueuer{}, "uploads", 0)
	handler := server.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Request-Id"))

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSniffImageType(t *testing.T) {
	ct, ext := sniffImageType(testPNG(t, image.NewGray(image.Rect(0, 0, 2, 2))))
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, ".png", ext)

	ct, ext = sniffImageType([]byte("plain text"))
	assert.Equal(t, "image/jpeg", ct)
	assert.Equal(t, ".jpg", ext)
}
