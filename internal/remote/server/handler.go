// Package server implements the asset gateway HTTP handlers and middleware.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/remote"
)

// ServerConfig holds configurable limits for the gateway.
type ServerConfig struct {
	MaxRequestBody int64  // bytes per request; batch imports buffer at most this much at a time
	APIToken       string // bearer token for /api routes; empty disables auth
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody: 64 * 1024 * 1024, // 64MB
	}
}

// Handler creates the HTTP handler with all routes and middleware. When reg
// is non-nil the gateway records request counts on it and serves it on
// /metrics.
func Handler(svc *assets.Service, cfg *ServerConfig, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{svc: svc, cfg: cfg, logger: logger}
	api := http.NewServeMux()

	// Assets
	api.HandleFunc("POST /api/v1/assets", h.upload)
	api.HandleFunc("POST /api/v1/assets/batch", h.importBatch)
	api.HandleFunc("GET /api/v1/assets/{hash}", h.getAsset)
	api.HandleFunc("GET /api/v1/assets/{hash}/content", h.getContent)
	api.HandleFunc("POST /api/v1/assets/{hash}/refs", h.associate)
	api.HandleFunc("DELETE /api/v1/assets/{hash}", h.deleteRef)
	api.HandleFunc("GET /api/v1/resolve", h.resolve)

	// Maintenance
	api.HandleFunc("POST /api/v1/cleanup", h.cleanup)
	api.HandleFunc("GET /api/v1/stats", h.stats)
	api.HandleFunc("POST /api/v1/reconcile", h.reconcile)
	api.HandleFunc("POST /api/v1/verify", h.verify)
	api.HandleFunc("POST /api/v1/thumbnails/derive", h.deriveThumbnails)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	if cfg.APIToken != "" {
		mux.Handle("/api/", tokenAuth(cfg.APIToken, api))
	} else {
		mux.Handle("/api/", api)
	}

	mws := []func(http.Handler) http.Handler{
		requestIDMiddleware,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
	}
	if reg != nil {
		mws = append(mws, newRequestMetrics(reg).middleware)
	}
	return applyMiddleware(mux, mws...)
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type handlers struct {
	svc    *assets.Service
	cfg    *ServerConfig
	logger *slog.Logger
}

// --- Asset Handlers ---

func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	opts, err := uploadOptions(r, h.svc.Options())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}

	// One byte past the limit is enough for the service to reject it.
	limit := h.svc.Options().MaxUploadBytes + 1
	data, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "failed to read body: " + err.Error()})
		return
	}

	res, err := h.svc.Upload(r.Context(), assets.UploadRequest{
		Data:     data,
		Filename: r.URL.Query().Get("filename"),
		MimeType: r.Header.Get("Content-Type"),
		Options:  opts,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// uploadOptions reads generate_thumbnail, quality and thumbnail_size. It
// returns nil when none are present so the service defaults apply.
func uploadOptions(r *http.Request, defaults assets.Options) (*assets.UploadOptions, error) {
	q := r.URL.Query()
	if !q.Has("generate_thumbnail") && !q.Has("quality") && !q.Has("thumbnail_size") {
		return nil, nil
	}

	opts := &assets.UploadOptions{GenerateThumbnail: defaults.GenerateThumbnails}
	if v := q.Get("generate_thumbnail"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid generate_thumbnail %q", v)
		}
		opts.GenerateThumbnail = b
	}
	if v := q.Get("quality"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid quality %q", v)
		}
		opts.Thumbnail.Quality = n
	}
	if v := q.Get("thumbnail_size"); v != "" {
		ws, hs, ok := strings.Cut(strings.ToLower(v), "x")
		wv, werr := strconv.Atoi(ws)
		hv, herr := strconv.Atoi(hs)
		if !ok || werr != nil || herr != nil {
			return nil, fmt.Errorf("invalid thumbnail_size %q, want WxH", v)
		}
		opts.Thumbnail.MaxWidth = wv
		opts.Thumbnail.MaxHeight = hv
	}
	return opts, nil
}

// importBatch streams the multipart body part by part. Each file is read up
// to one byte past the upload limit, so an oversized file fails on its own
// instead of failing the request. Buffered files are imported whenever they
// reach MaxRequestBody, which bounds memory independently of batch size.
func (h *handlers) importBatch(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "invalid multipart body: " + err.Error()})
		return
	}

	limit := h.svc.Options().MaxUploadBytes + 1
	var (
		results  []assets.ImportResult
		pending  []assets.ImportItem
		buffered int64
		seen     int
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		results = append(results, h.svc.ImportBatch(r.Context(), pending)...)
		pending, buffered = nil, 0
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "invalid multipart body: " + err.Error()})
			return
		}
		if part.FormName() != "files" {
			part.Close()
			continue
		}
		seen++

		data, err := io.ReadAll(io.LimitReader(part, limit))
		part.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
			return
		}
		if buffered+int64(len(data)) > h.cfg.MaxRequestBody {
			flush()
		}
		pending = append(pending, assets.ImportItem{
			Filename: part.FileName(),
			MimeType: part.Header.Get("Content-Type"),
			Data:     data,
		})
		buffered += int64(len(data))
	}
	if seen == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "no files in field 'files'"})
		return
	}
	flush()

	writeJSON(w, http.StatusOK, remote.BatchResponse{Results: results})
}

func (h *handlers) getAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) getContent(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	thumb, _ := strconv.ParseBool(r.URL.Query().Get("thumbnail"))

	c, err := h.svc.OpenContent(r.Context(), hash, thumb)
	if err != nil {
		writeError(w, err)
		return
	}
	defer c.Close()

	w.Header().Set("Content-Type", c.ContentType)
	w.Header().Set("ETag", `"`+c.ETag+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if rs, ok := c.ReadCloser.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", time.Time{}, rs)
		return
	}
	if match := r.Header.Get("If-None-Match"); match == `"`+c.ETag+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, c); err != nil {
		h.logger.Warn("content copy interrupted", "hash", hash, "error", err)
	}
}

func (h *handlers) associate(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	count, err := h.svc.Associate(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.RefCountResponse{Hash: hash, RefCount: count})
}

func (h *handlers) deleteRef(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	count, err := h.svc.Delete(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.RefCountResponse{Hash: hash, RefCount: count})
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("locator")
	if locator == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "locator is required"})
		return
	}
	path, err := h.svc.ResolveLocator(r.Context(), locator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.ResolveResponse{Path: path})
}

// --- Maintenance Handlers ---

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	var req remote.CleanupRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, h.cfg.MaxRequestBody, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
			return
		}
	}

	opts, err := req.SweepOptions()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}

	res, err := h.svc.Cleanup(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	var req remote.ReconcileRequest
	if err := readJSON(r, h.cfg.MaxRequestBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	if req.Declared == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "declared is required"})
		return
	}

	res, err := h.svc.Reconcile(r.Context(), req.Declared, req.DryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req remote.VerifyRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, h.cfg.MaxRequestBody, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
			return
		}
	}

	report, err := h.svc.Verify(r.Context(), assets.VerifyOptions{Repair: req.Repair})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) deriveThumbnails(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DeriveMissingThumbnails(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Auth ---

func tokenAuth(token string, next http.Handler) http.Handler {
	expected := "Bearer " + token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "auth_failed", "message": "invalid or missing token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *assets.ValidationError
	switch {
	case errors.As(err, &verr):
		status, code := http.StatusBadRequest, "bad_request"
		switch verr.Field {
		case assets.FieldSize:
			status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
		case assets.FieldMimeType:
			status, code = http.StatusUnsupportedMediaType, "unsupported_media_type"
		}
		writeJSON(w, status, &remote.ErrorResponse{
			Error:   code,
			Message: verr.Error(),
			Detail:  map[string]string{"field": verr.Field},
		})
	case errors.Is(err, assets.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": err.Error()})
	case errors.Is(err, assets.ErrStorage):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage_error", "message": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
