// Package api provides the HTTP surface of the vault server.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/auth"
	"github.com/kevinMEH/web-vault/internal/events"
	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/ops"
	"github.com/kevinMEH/web-vault/internal/quota"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

// DestinationTokenHeader carries the destination vault token of a
// cross-vault move or copy. Same-vault transfers only need the bearer token.
const DestinationTokenHeader = "X-Destination-Token"

// maxSyncDepth bounds how far a single sync request descends.
const maxSyncDepth = 16

const keepaliveInterval = 30 * time.Second

// Server is the vault HTTP server.
type Server struct {
	engine        *ops.Engine
	reg           *vfs.Registry
	auth          *auth.Authorizer
	limiter       *quota.RateLimiter
	broadcaster   *events.Broadcaster
	maxUploadSize int64
}

// NewServer creates a new server. limiter and broadcaster may be nil.
func NewServer(engine *ops.Engine, authz *auth.Authorizer, limiter *quota.RateLimiter,
	broadcaster *events.Broadcaster, maxUploadSize int64) *Server {
	return &Server{
		engine:        engine,
		reg:           engine.Registry(),
		auth:          authz,
		limiter:       limiter,
		broadcaster:   broadcaster,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Vault endpoints, authorized per request path
	mux.HandleFunc("POST /api/v1/sync", s.handleSync)
	mux.HandleFunc("POST /api/v1/folder", s.handleFolder)
	mux.HandleFunc("POST /api/v1/delete", s.handleDelete)
	mux.HandleFunc("POST /api/v1/move", s.handleMove)
	mux.HandleFunc("POST /api/v1/copy", s.handleCopy)
	mux.HandleFunc("POST /api/v1/upload/{path...}", s.handleUpload)
	mux.HandleFunc("GET /api/v1/content/{path...}", s.handleContent)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Admin endpoints
	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/v1/admin/vaults", s.handleCreateVault)
	admin.HandleFunc("DELETE /api/v1/admin/vaults/{name}", s.handleDeleteVault)
	mux.Handle("/api/v1/admin/", s.auth.AdminMiddleware(admin))

	// Metrics reads the matched pattern back from the request the mux saw,
	// so it has to sit inside logging, which replaces the request.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"vaults": len(s.reg.Names()),
	})
}

type pathRequest struct {
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

type transferRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type vaultRequest struct {
	Name string `json:"name"`
}

type syncResponse struct {
	Directory *vfs.FlatNode `json:"directory,omitempty"`
}

type resultResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
}

// authorize validates raw, checks the token against its vault and applies
// the vault's rate limit. On failure the response is already written.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, raw, token string) (vfs.Path, bool) {
	p, ok := s.reg.Validate(raw)
	if !ok {
		s.sendResult(w, http.StatusBadRequest, false)
		return "", false
	}
	if !s.auth.VaultAccessible(p.Vault(), token) {
		s.sendResult(w, http.StatusUnauthorized, false)
		return "", false
	}
	if allowed, retryAfter := s.limiter.Allow(p.Vault()); !allowed {
		logging.WithContext(r.Context()).Debug("vault rate limited", logging.Vault(p.Vault()))
		quota.WriteLimited(w, retryAfter)
		return "", false
	}
	return p, true
}

// handleSync handles POST /api/v1/sync.
// Returns the directory at path flattened to the requested depth, with
// storage handles blanked.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Depth < 0 {
		s.sendResult(w, http.StatusBadRequest, false)
		return
	}
	p, ok := s.authorize(w, r, req.Path, auth.ExtractToken(r))
	if !ok {
		return
	}
	depth := min(req.Depth, maxSyncDepth)

	var resp syncResponse
	s.reg.View(func(t *vfs.Tree) {
		if dir := t.GetDirectoryAt(p); dir != nil {
			resp.Directory = vfs.Flatten(dir, false, depth)
		}
	})

	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		json.NewEncoder(gw).Encode(resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleFolder handles POST /api/v1/folder.
func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendResult(w, http.StatusBadRequest, false)
		return
	}
	p, ok := s.authorize(w, r, req.Path, auth.ExtractToken(r))
	if !ok {
		return
	}
	s.sendOutcome(w, r, "add folder", s.engine.AddFolder(r.Context(), p))
}

// handleDelete handles POST /api/v1/delete.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendResult(w, http.StatusBadRequest, false)
		return
	}
	p, ok := s.authorize(w, r, req.Path, auth.ExtractToken(r))
	if !ok {
		return
	}
	s.sendOutcome(w, r, "delete", s.engine.DeleteItem(r.Context(), p))
}

// handleMove handles POST /api/v1/move.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	src, dst, ok := s.authorizeTransfer(w, r)
	if !ok {
		return
	}
	s.sendOutcome(w, r, "move", s.engine.MoveItem(r.Context(), src, dst))
}

// handleCopy handles POST /api/v1/copy.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	src, dst, ok := s.authorizeTransfer(w, r)
	if !ok {
		return
	}
	s.sendOutcome(w, r, "copy", s.engine.CopyItem(r.Context(), src, dst))
}

// authorizeTransfer authorizes both ends of a move or copy. A destination
// in another vault is checked against DestinationTokenHeader.
func (s *Server) authorizeTransfer(w http.ResponseWriter, r *http.Request) (vfs.Path, vfs.Path, bool) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendResult(w, http.StatusBadRequest, false)
		return "", "", false
	}
	token := auth.ExtractToken(r)
	src, ok := s.authorize(w, r, req.Source, token)
	if !ok {
		return "", "", false
	}

	dstToken := token
	if dv, valid := s.reg.Validate(req.Destination); valid && dv.Vault() != src.Vault() {
		dstToken = r.Header.Get(DestinationTokenHeader)
	}
	dst, ok := s.authorize(w, r, req.Destination, dstToken)
	if !ok {
		return "", "", false
	}
	return src, dst, true
}

// handleUpload handles POST /api/v1/upload/{path}.
// The raw request body becomes the file content. A renamed or displaced
// upload reports its final path.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadSize {
		s.sendResult(w, http.StatusRequestEntityTooLarge, false)
		return
	}
	p, ok := s.authorize(w, r, r.PathValue("path"), auth.ExtractToken(r))
	if !ok {
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	res, err := s.engine.AddFile(r.Context(), body, p)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendResult(w, http.StatusRequestEntityTooLarge, false)
			return
		}
		s.sendOutcome(w, r, "upload", err)
		return
	}

	resp := resultResponse{Success: true}
	if res.Renamed {
		resp.Path = string(res.Path)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// handleContent handles GET /api/v1/content/{path}.
// Range requests are honoured when the backend reader can seek.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, r.PathValue("path"), auth.ExtractToken(r))
	if !ok {
		return
	}

	rc, info, err := s.engine.Open(r.Context(), p)
	if err != nil {
		s.sendOutcome(w, r, "download", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name))

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name, info.LastModified, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// handleEvents handles GET /api/v1/events?vault=NAME.
// Streams change events touching the vault as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendResult(w, http.StatusServiceUnavailable, false)
		return
	}
	vault := r.URL.Query().Get("vault")
	if !s.auth.VaultAccessible(vault, auth.ExtractToken(r)) {
		s.sendResult(w, http.StatusUnauthorized, false)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendResult(w, http.StatusInternalServerError, false)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventCh := s.broadcaster.Subscribe(vault)
	defer s.broadcaster.Unsubscribe(eventCh)

	logger := logging.WithContext(r.Context())
	logger.Info("SSE client connected", logging.Vault(vault), zap.String("remote_addr", r.RemoteAddr))

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("SSE client disconnected", logging.Vault(vault))
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				logger.Warn("failed to marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleCreateVault handles POST /api/v1/admin/vaults.
func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendResult(w, http.StatusBadRequest, false)
		return
	}
	if err := s.engine.CreateVault(r.Context(), req.Name); err != nil {
		s.sendOutcome(w, r, "create vault", err)
		return
	}
	s.sendResult(w, http.StatusCreated, true)
}

// handleDeleteVault handles DELETE /api/v1/admin/vaults/{name}.
func (s *Server) handleDeleteVault(w http.ResponseWriter, r *http.Request) {
	s.sendOutcome(w, r, "delete vault", s.engine.DeleteVault(r.Context(), r.PathValue("name")))
}

// sendOutcome maps an engine result to a response. Clients only ever see
// success or failure; unexpected failures are logged here.
func (s *Server) sendOutcome(w http.ResponseWriter, r *http.Request, what string, err error) {
	switch {
	case err == nil:
		s.sendResult(w, http.StatusOK, true)
	case errors.Is(err, ops.ErrInvalidPath):
		s.sendResult(w, http.StatusNotFound, false)
	case errors.Is(err, ops.ErrConflict):
		s.sendResult(w, http.StatusConflict, false)
	default:
		logging.WithContext(r.Context()).Error(what+" failed", zap.Error(err))
		s.sendResult(w, http.StatusInternalServerError, false)
	}
}

func (s *Server) sendResult(w http.ResponseWriter, code int, success bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resultResponse{Success: success})
}
