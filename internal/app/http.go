package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"planboard/collab/internal/rooms"
	"planboard/collab/internal/search"
	"planboard/collab/internal/util"
	"planboard/collab/internal/workspace"
)

const syncTokenHeader = "x-planboard-sync-token"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	sockets    http.Handler
	logger     *zap.Logger
}

// NewHTTPServer serves the API under /api and hands every other path to
// sockets, the websocket gateway.
func NewHTTPServer(service *Service, corsOrigin string, sockets http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, sockets: sockets, logger: logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/") {
		if s.sockets == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.sockets.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/workspaces/{ws}/search
	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "workspaces" && parts[3] == "search" {
		s.handleSearch(w, r, parts[2])
		return
	}

	if len(parts) >= 2 && parts[1] == "internal" {
		syncToken := strings.TrimSpace(r.Header.Get(syncTokenHeader))
		if syncToken == "" || syncToken != s.service.SyncToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		if r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "rooms" {
			writeJSON(w, http.StatusOK, map[string]any{"rooms": s.service.Rooms()})
			return
		}
		if len(parts) >= 5 && parts[2] == "workspaces" {
			s.handleWorkspace(w, r, parts[3], parts[4:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string, parts []string) {
	ctx := r.Context()
	switch {
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "previews" && parts[2] == "pending":
		s.respond(w, s.service.SetPreviewPending(ctx, workspaceID, parts[1]))

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "previews" && parts[2] == "reset":
		s.respond(w, s.service.ResetPreview(ctx, workspaceID, parts[1]))

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "nodes":
		var body CommitNodeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, s.service.CommitNode(ctx, workspaceID, body))

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "nodes":
		record, err := s.service.NodeRecord(ctx, workspaceID, parts[1])
		if err != nil {
			s.respond(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "nodes":
		s.respond(w, s.service.ConfirmDelete(ctx, workspaceID, parts[1]))

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "nodes" && parts[2] == "candidates":
		var body struct {
			Candidates []workspace.Candidate `json:"candidates"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, s.service.ReplaceCandidates(ctx, workspaceID, parts[1], body.Candidates))

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "nodes" && parts[2] == "techs":
		var body struct {
			Techs []workspace.TechRecommendation `json:"techs"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, s.service.ReplaceTechs(ctx, workspaceID, parts[1], body.Techs))

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "nodes" && parts[2] == "techs":
		var body workspace.TechRecommendation
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, s.service.AppendTech(ctx, workspaceID, parts[1], body))

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "broadcast":
		var msg rooms.AIMessage
		if err := decodeBody(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		delivered, err := s.service.Broadcast(ctx, workspaceID, msg)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "delivered": delivered})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, workspaceID string) {
	query := r.URL.Query()
	limit := 20
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		WorkspaceID: workspaceID,
		Text:        strings.TrimSpace(query.Get("q")),
		Category:    strings.TrimSpace(query.Get("category")),
		Limit:       limit,
		Offset:      offset,
	}))
}

func (s *HTTPServer) respond(w http.ResponseWriter, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("internal api call failed", zap.Error(err))
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket gateway take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+syncTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
