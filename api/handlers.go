package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eddielth/telemetry-hub/cache"
	"github.com/eddielth/telemetry-hub/fanout"
	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/presence"
	"github.com/eddielth/telemetry-hub/queue"
	"github.com/eddielth/telemetry-hub/transformer"
)

const maxBodyBytes = 1 << 20

// Publisher enqueues raw device messages
type Publisher interface {
	Publish(ctx context.Context, job queue.Job) error
}

// ReadingStore serves cached readings
type ReadingStore interface {
	Latest(ctx context.Context, logicalID string) (cache.Entry, error)
	Readings(ctx context.Context, logicalID string) ([]cache.Entry, error)
}

// PresenceReader serves device liveness
type PresenceReader interface {
	Status(ctx context.Context, logicalID string) (presence.Presence, error)
}

// Options wires the handler's collaborators. Any of them may be nil; the
// matching routes then answer 503.
type Options struct {
	Publisher Publisher
	Readings  ReadingStore
	Presence  PresenceReader
	WebSocket http.Handler
	JWTSecret []byte
	APIKeys   []string
	// Authorize decides whether a user may read a device; defaults to allow
	Authorize fanout.JoinAuthorizer
}

// Handler serves the HTTP surface
type Handler struct {
	publisher Publisher
	readings  ReadingStore
	presence  PresenceReader
	ws        http.Handler
	secret    []byte
	apiKeys   [][]byte
	authorize fanout.JoinAuthorizer
	nowFunc   func() time.Time
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		publisher: opts.Publisher,
		readings:  opts.Readings,
		presence:  opts.Presence,
		ws:        opts.WebSocket,
		secret:    opts.JWTSecret,
		authorize: opts.Authorize,
		nowFunc:   time.Now,
	}
	for _, key := range opts.APIKeys {
		if key != "" {
			h.apiKeys = append(h.apiKeys, []byte(key))
		}
	}
	if h.authorize == nil {
		h.authorize = func(context.Context, *fanout.Claims, string) error { return nil }
	}
	return h
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestTelemetry enqueues one telemetry body for the family in the path.
// The path family overrides any model hint in the body.
func (h *Handler) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	family, ok := transformer.ParseFamily(chi.URLParam(r, "family"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device family")
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	body["model"] = string(family)
	h.enqueue(w, r, queue.TopicTelemetry, body)
}

// IngestStatus enqueues one status ping
func (h *Handler) IngestStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	h.enqueue(w, r, queue.TopicStatus, body)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return nil, false
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a non-empty JSON object")
		return nil, false
	}
	if transformer.HardwareID(body) == "" {
		writeError(w, http.StatusBadRequest, "missing hardware id")
		return nil, false
	}
	return body, true
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, topic string, body map[string]interface{}) {
	if h.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}
	job := queue.Job{
		Topic: topic,
		Body:  body,
		When:  h.nowFunc().UnixMilli(),
		CarrierMetadata: map[string]interface{}{
			"http_path":   r.URL.Path,
			"remote_addr": r.RemoteAddr,
		},
	}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		logger.Error("enqueue %s from %s: %v", topic, r.RemoteAddr, err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue")
		return
	}
	metrics.IncIngest("http", topic)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type readingResponse struct {
	LogicalID string          `json:"auid"`
	Timestamp int64           `json:"timestamp"`
	Record    json.RawMessage `json:"record"`
}

func toResponse(logicalID string, e cache.Entry) readingResponse {
	return readingResponse{LogicalID: logicalID, Timestamp: e.Timestamp, Record: e.Record}
}

// Latest returns the newest cached reading of a device
func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	logicalID, ok := h.authorizeDevice(w, r)
	if !ok {
		return
	}
	if h.readings == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	entry, err := h.readings.Latest(r.Context(), logicalID)
	if errors.Is(err, cache.ErrNoReadings) {
		writeError(w, http.StatusNotFound, "no readings")
		return
	}
	if err != nil {
		logger.Error("read latest of %s: %v", logicalID, err)
		writeError(w, http.StatusInternalServerError, "cache read failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(logicalID, entry))
}

// Readings returns every cached reading of a device, oldest first
func (h *Handler) Readings(w http.ResponseWriter, r *http.Request) {
	logicalID, ok := h.authorizeDevice(w, r)
	if !ok {
		return
	}
	if h.readings == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	entries, err := h.readings.Readings(r.Context(), logicalID)
	if err != nil {
		logger.Error("read readings of %s: %v", logicalID, err)
		writeError(w, http.StatusInternalServerError, "cache read failed")
		return
	}
	out := make([]readingResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toResponse(logicalID, e))
	}
	writeJSON(w, http.StatusOK, out)
}

// Presence returns the liveness of a device
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	logicalID, ok := h.authorizeDevice(w, r)
	if !ok {
		return
	}
	if h.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	status, err := h.presence.Status(r.Context(), logicalID)
	if err != nil {
		logger.Error("read presence of %s: %v", logicalID, err)
		writeError(w, http.StatusInternalServerError, "presence read failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) authorizeDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	logicalID := chi.URLParam(r, "auid")
	claims, _ := ClaimsFromContext(r.Context())
	if err := h.authorize(r.Context(), claims, logicalID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return "", false
	}
	return logicalID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
