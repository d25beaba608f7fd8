package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const DefaultMaxUploadBytes int64 = 10 << 20

// accepts uploads, stores them in the uploads bucket and enqueues a
// processing request for each
type IngestServer struct {
	store          ObjectStore
	queue          Enqueuer
	uploadsBucket  string
	maxUploadBytes int64
}

func NewIngestServer(store ObjectStore, queue Enqueuer, uploadsBucket string, maxUploadBytes int64) *IngestServer {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &IngestServer{
		store:          store,
		queue:          queue,
		uploadsBucket:  uploadsBucket,
		maxUploadBytes: maxUploadBytes,
	}
}

func (s *IngestServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/images", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	// access logging, outermost first
	h := hlog.NewHandler(log.Logger)(
		hlog.RequestIDHandler("req_id", "Request-Id")(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Msg("Request handled")
			})(r),
		),
	)
	return h
}

type acceptedResponse struct {
	Message string `json:"message"`
	ImageID string `json:"image_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *IngestServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	l := hlog.FromRequest(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "image exceeds upload limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	if strings.EqualFold(r.Header.Get("Content-Transfer-Encoding"), "base64") {
		body, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body is not valid base64"})
			return
		}
	}

	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "image body is required"})
		return
	}

	contentType, ext := sniffImageType(body)
	req := ProcessingRequest{
		ImageID: uuid.New().String(),
	}
	req.Source = Location{Bucket: s.uploadsBucket, Key: req.ImageID + ext}

	if err := s.accept(r, req, body, contentType, l); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Message: "Image accepted for processing",
		ImageID: req.ImageID,
	})
}

func (s *IngestServer) accept(r *http.Request, req ProcessingRequest, body []byte, contentType string, l *zerolog.Logger) error {
	ctx := r.Context()

	if err := s.store.Put(ctx, req.Source, body, contentType); err != nil {
		l.Error().Err(err).Str("image_id", req.ImageID).Msg("Failed to store upload")
		return errors.New("failed to store image")
	}

	msg, err := EncodeProcessingRequest(req)
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		l.Error().Err(err).Str("image_id", req.ImageID).Msg("Failed to enqueue processing request")
		return errors.New("failed to enqueue image")
	}

	l.Info().Str("image_id", req.ImageID).Str("source", req.Source.URI()).Int("bytes", len(body)).Msg("Image accepted")
	return nil
}

// sniffImageType maps the sniffed content type to a key extension, .jpg
// for anything unrecognised
func sniffImageType(body []byte) (string, string) {
	ct := http.DetectContentType(body)
	switch ct {
	case "image/png":
		return ct, ".png"
	case "image/gif":
		return ct, ".gif"
	case "image/webp":
		return ct, ".webp"
	case "image/bmp":
		return ct, ".bmp"
	default:
		return jpegContentType, ".jpg"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
