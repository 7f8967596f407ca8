// Package api exposes the HTTP surface of the grant gate. Handlers are thin:
// they parse request bodies, pass the bearer token and client metadata to the
// pipeline, and translate typed pipeline errors into status codes. No gating
// logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"sealgate/pkg/filekey"
	"sealgate/pkg/pipeline"
	"sealgate/pkg/security/token"
	"sealgate/pkg/storage"
)

const version = "1.0.0"

// Server routes gate requests. Dependencies are injected for testability.
type Server struct {
	pipe        *pipeline.Pipeline
	store       storage.ObjectStore
	allowedExts []string
	maxFileSize int64
}

// Options tunes the server surface.
type Options struct {
	// AllowedExtensions is advertised on the index endpoint.
	AllowedExtensions map[string]string
	// MaxFileSize is advertised to clients in upload responses.
	MaxFileSize int64
}

// New builds a Server around the pipeline. store is probed by /health only.
func New(pipe *pipeline.Pipeline, store storage.ObjectStore, opts Options) *Server {
	exts := opts.AllowedExtensions
	if exts == nil {
		exts = filekey.DefaultAllowed()
	}
	names := make([]string, 0, len(exts))
	for ext := range exts {
		names = append(names, ext)
	}
	sort.Strings(names)
	return &Server{
		pipe:        pipe,
		store:       store,
		allowedExts: names,
		maxFileSize: opts.MaxFileSize,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/upload-url", s.handleUploadURL)
	mux.HandleFunc("/download-url", s.handleDownloadURL)
	mux.HandleFunc("/files", s.handleListFiles)
	mux.HandleFunc("/files/", s.handleDeleteFile)
	return mux
}

// Request/response bodies. Field names are the wire contract with existing
// clients.

type uploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type downloadRequest struct {
	FileKey string `json:"file_key"`
}

type presignedURLResponse struct {
	PresignedURL string `json:"presigned_url"`
	ExpiresIn    int    `json:"expires_in"`
	FileKey      string `json:"file_key"`
	ContentType  string `json:"content_type,omitempty"`
	MaxFileSize  int64  `json:"max_file_size,omitempty"`
}

type fileInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
}

type fileListResponse struct {
	Files []fileInfo `json:"files"`
	Count int        `json:"count"`
}

type deleteResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status       string    `json:"status"`
	S3Connection string    `json:"s3_connection"`
	Timestamp    time.Time `json:"timestamp"`
}

type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found", "")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "sealgate presigned URL gate",
		"version": version,
		"endpoints": map[string]string{
			"upload":   "/upload-url",
			"download": "/download-url",
			"files":    "/files",
			"health":   "/health",
		},
		"allowed_file_types": s.allowedExts,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	resp := healthResponse{Status: "healthy", S3Connection: "ok", Timestamp: time.Now().UTC()}
	if err := s.store.Healthy(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "object store connection failed", "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var body uploadRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	resp, err := s.pipe.Handle(r.Context(), s.request(r, pipeline.Request{
		Op:          pipeline.OpUpload,
		Filename:    body.Filename,
		ContentType: body.ContentType,
	}))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presignedURLResponse{
		PresignedURL: resp.PresignedURL,
		ExpiresIn:    int(resp.ExpiresIn.Seconds()),
		FileKey:      resp.FileKey,
		ContentType:  resp.ContentType,
		MaxFileSize:  s.maxFileSize,
	})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var body downloadRequest
	if err := decodeBody(r, &body); err != nil || body.FileKey == "" {
		writeError(w, http.StatusBadRequest, "file_key is required", "bad_request")
		return
	}
	resp, err := s.pipe.Handle(r.Context(), s.request(r, pipeline.Request{
		Op:      pipeline.OpDownload,
		FileKey: body.FileKey,
	}))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presignedURLResponse{
		PresignedURL: resp.PresignedURL,
		ExpiresIn:    int(resp.ExpiresIn.Seconds()),
		FileKey:      resp.FileKey,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	maxKeys := 0
	if v := r.URL.Query().Get("max_keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_keys", "bad_request")
			return
		}
		maxKeys = n
	}
	resp, err := s.pipe.Handle(r.Context(), s.request(r, pipeline.Request{
		Op:      pipeline.OpList,
		Prefix:  r.URL.Query().Get("prefix"),
		MaxKeys: maxKeys,
	}))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	files := make([]fileInfo, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, fileInfo{Key: f.Key, Size: f.Size, LastModified: f.LastModified, ETag: f.ETag})
	}
	writeJSON(w, http.StatusOK, fileListResponse{Files: files, Count: len(files)})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/files/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "file key is required", "bad_request")
		return
	}
	resp, err := s.pipe.Handle(r.Context(), s.request(r, pipeline.Request{
		Op:      pipeline.OpDelete,
		FileKey: key,
	}))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Message: "file " + resp.FileKey + " deleted successfully"})
}

// request fills the transport-derived fields of a pipeline request.
func (s *Server) request(r *http.Request, req pipeline.Request) pipeline.Request {
	req.Token = bearerToken(r)
	req.ClientIP = clientIP(r)
	req.UserAgent = r.UserAgent()
	req.Method = r.Method
	req.URL = r.URL.String()
	return req
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var ae *token.AuthError
	if errors.As(err, &ae) {
		writeError(w, http.StatusUnauthorized, "invalid or expired token", ae.Kind.String())
		return
	}
	var authz *pipeline.AuthorizationError
	if errors.As(err, &authz) {
		writeError(w, http.StatusForbidden, authz.Error(), "missing_permission")
		return
	}
	var rle *pipeline.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, rle.Error(), "rate_limited")
		return
	}
	var ve *filekey.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error(), ve.Kind.String())
		return
	}
	var nf *pipeline.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Error(), "not_found")
		return
	}
	var se *storage.StoreError
	if errors.As(err, &se) {
		if se.Transient {
			writeError(w, http.StatusServiceUnavailable, "object store temporarily unavailable", "store_transient")
			return
		}
		writeError(w, http.StatusBadGateway, "object store request failed", "store_error")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error", "")
}

func retryAfterSeconds(d time.Duration) int {
	n := int(d.Seconds())
	if time.Duration(n)*time.Second < d {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// clientIP returns a best-effort client address for the audit trail.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail, code string) {
	writeJSON(w, status, errorResponse{Detail: detail, ErrorCode: code})
}
